// Package main is the auditctl CLI: an auditor-facing tool that connects
// straight to the configured chain store to verify chains, inspect heads,
// query entries and force checkpoints — independent of the HTTP service.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/lib/pq"

	"github.com/josedab/complianceagent/internal/audit"
	"github.com/josedab/complianceagent/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:          "auditctl",
		Short:        "Inspect and verify tamper-evident audit chains",
		SilenceUsage: true,
	}

	root.AddCommand(verifyCmd())
	root.AddCommand(headCmd())
	root.AddCommand(queryCmd())
	root.AddCommand(checkpointCmd())
	root.AddCommand(chainsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openStore resolves the store the same way the service does: Postgres when
// DATABASE_URL is set, else SQLite from SQLITE_PATH.
func openStore() (audit.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return audit.NewPGStore(db), func() { db.Close() }, nil
	case cfg.SQLitePath != "":
		s, err := audit.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("set DATABASE_URL or SQLITE_PATH (or AUDIT_CONFIG_FILE)")
	}
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func verifyCmd() *cobra.Command {
	var (
		chainID  string
		fromSeq  string
		rootHash string
		segments bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Walk a chain recomputing every hash; exit 1 if broken",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			verifier := audit.NewVerifier(store)
			ctx := cmd.Context()

			var result *audit.Result
			switch {
			case fromSeq != "" || rootHash != "":
				if fromSeq == "" || rootHash == "" {
					return fmt.Errorf("--from-sequence and --root-hash must be supplied together")
				}
				seq, err := strconv.ParseUint(fromSeq, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid --from-sequence: %w", err)
				}
				anchor := &audit.Checkpoint{ChainID: chainID, Sequence: seq, RootHash: rootHash}
				result, err = verifier.VerifyChain(ctx, chainID, anchor)
				if err != nil {
					return err
				}
			case segments:
				cps, err := store.Checkpoints(ctx, chainID)
				if err != nil {
					return err
				}
				result, err = verifier.VerifySegments(ctx, chainID, cps, 0)
				if err != nil {
					return err
				}
			default:
				result, err = verifier.VerifyChain(ctx, chainID, nil)
				if err != nil {
					return err
				}
			}

			if err := printJSON(result); err != nil {
				return err
			}
			if !result.Valid {
				return result.Err()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chainID, "chain", "", "chain id (required)")
	cmd.Flags().StringVar(&fromSeq, "from-sequence", "", "checkpoint sequence to anchor at")
	cmd.Flags().StringVar(&rootHash, "root-hash", "", "trusted root hash at --from-sequence")
	cmd.Flags().BoolVar(&segments, "segments", false, "verify checkpoint-bounded segments in parallel")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func headCmd() *cobra.Command {
	var chainID string
	cmd := &cobra.Command{
		Use:   "head",
		Short: "Show a chain's current head entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()
			head, err := store.Head(cmd.Context(), chainID)
			if err != nil {
				return err
			}
			return printJSON(head)
		},
	}
	cmd.Flags().StringVar(&chainID, "chain", "", "chain id (required)")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func queryCmd() *cobra.Command {
	var (
		chainID      string
		actor        string
		resourceType string
		resourceID   string
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query committed entries (ascending sequence order)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()
			entries, err := store.Query(cmd.Context(), audit.QueryFilter{
				ChainID:      chainID,
				ActorID:      actor,
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
	cmd.Flags().StringVar(&chainID, "chain", "", "chain id")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	cmd.Flags().StringVar(&resourceType, "resource-type", "", "filter by resource type")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "filter by resource id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to return")
	return cmd
}

func checkpointCmd() *cobra.Command {
	var chainID string
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Persist a checkpoint of a chain's current tip",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()
			// Local persistence only: export destinations are the running
			// service's concern.
			manager := audit.NewCheckpointManager(store, nil, nil, audit.CheckpointManagerConfig{})
			cp, err := manager.Checkpoint(cmd.Context(), chainID)
			if err != nil {
				return err
			}
			return printJSON(cp)
		},
	}
	cmd.Flags().StringVar(&chainID, "chain", "", "chain id (required)")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func chainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List chains with at least one entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore()
			if err != nil {
				return err
			}
			defer closeFn()
			chains, err := store.ListChains(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(chains)
		},
	}
}
