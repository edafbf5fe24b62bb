package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/josedab/complianceagent/internal/audit"
	"github.com/josedab/complianceagent/internal/config"
	"github.com/josedab/complianceagent/internal/httpserver"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Store: Postgres when configured, SQLite for single-node deployments,
	// in-memory otherwise (dev only; nothing survives a restart).
	var store audit.Store
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(ctx); err != nil {
			cancel()
			log.Fatalf("ping postgres: %v", err)
		}
		cancel()
		store = audit.NewPGStore(db)
		log.Println("connected to postgres")
	case cfg.SQLitePath != "":
		s, err := audit.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("open sqlite store: %v", err)
		}
		defer s.Close()
		store = s
		log.Printf("sqlite store opened (path=%s)", cfg.SQLitePath)
	default:
		store = audit.NewMemoryStore()
		log.Println("no DATABASE_URL or SQLITE_PATH configured; using in-memory store (dev only)")
	}

	// Attestor: Ed25519 seed from config; optional.
	var attestor *audit.Attestor
	if cfg.AttestationKeyHex != "" {
		seed, err := hex.DecodeString(cfg.AttestationKeyHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			log.Fatalf("ATTESTATION_KEY_HEX must be a %d-byte hex-encoded seed", ed25519.SeedSize)
		}
		attestor = audit.NewAttestor(ed25519.NewKeyFromSeed(seed), cfg.AttestationKeyID)
		log.Printf("checkpoint attestation enabled (kid=%s)", cfg.AttestationKeyID)
	}

	// Checkpoint export destinations outside the store's trust boundary.
	var exporters []audit.Exporter
	if cfg.S3Bucket != "" {
		exp, err := audit.NewS3Exporter(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("initialize s3 exporter: %v", err)
		}
		exporters = append(exporters, exp)
		log.Printf("s3 exporter initialized (bucket=%s prefix=%s)", cfg.S3Bucket, cfg.S3Prefix)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
		announcer, err := audit.NewKafkaAnnouncer(audit.KafkaAnnouncerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("initialize kafka announcer: %v", err)
		}
		defer announcer.Close()
		exporters = append(exporters, announcer)
		log.Printf("kafka announcer initialized (brokers=%v topic=%s)", cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	if len(exporters) == 0 {
		log.Println("no checkpoint export destination configured; checkpoints will stay local and unexported")
	}

	appender := audit.NewAppender(store, audit.AppenderConfig{
		MaxAttempts: cfg.AppendMaxAttempts,
		BaseBackoff: cfg.AppendBaseBackoff,
	})
	verifier := audit.NewVerifier(store)
	manager := audit.NewCheckpointManager(store, exporters, attestor, audit.CheckpointManagerConfig{
		Interval:   cfg.CheckpointInterval,
		StaleAfter: cfg.CheckpointStaleAfter,
	})

	managerCtx, managerCancel := context.WithCancel(context.Background())
	go func() {
		if err := manager.Run(managerCtx); err != nil && err != context.Canceled {
			log.Printf("[checkpoint.manager] exited with error: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpserver.New(store, appender, verifier, manager, cfg.VerifyThrottle).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting audit-service on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}

	managerCancel()
	log.Println("server stopped")
}
