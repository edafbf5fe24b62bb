package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaAnnouncerConfig contains configurable parameters for the checkpoint
// announcer.
type KafkaAnnouncerConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the topic checkpoint artifacts are published to.
	Topic string

	// MaxAttempts is how many times a publish is retried on transient
	// error. Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout for Write operations.
	// Defaults to 10s if zero.
	WriteTimeout time.Duration

	// Balancer decides partition selection. If nil, a Hash balancer is
	// used so all checkpoints of a chain land on one partition, preserving
	// per-chain ordering for consumers.
	Balancer kafka.Balancer
}

// KafkaAnnouncer publishes checkpoint export artifacts to a Kafka topic so
// downstream witnesses (auditor mirrors, WORM archivers) receive every root
// hash as it is exported. It is a lightweight wrapper over the
// segmentio/kafka-go Writer with bounded produce retries.
type KafkaAnnouncer struct {
	writer      *kafka.Writer
	topic       string
	maxAttempts int
}

// NewKafkaAnnouncer constructs a KafkaAnnouncer.
func NewKafkaAnnouncer(cfg KafkaAnnouncerConfig) (*KafkaAnnouncer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     cfg.Balancer,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		// Async=false so a nil return means the message was acknowledged
		// by the writer pipeline within WriteTimeout.
		Async: false,
	})

	return &KafkaAnnouncer{
		writer:      w,
		topic:       cfg.Topic,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// ExportCheckpoint publishes the artifact keyed by chain id, retrying with
// capped exponential backoff. The returned destination is kafka://<topic>.
func (a *KafkaAnnouncer) ExportCheckpoint(ctx context.Context, c *Checkpoint, artifact []byte) (string, error) {
	var lastErr error
	backoff := 100 * time.Millisecond

	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   []byte(c.ChainID),
			Value: artifact,
			Time:  time.Now().UTC(),
		}

		ctxAttempt, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.writer.WriteMessages(ctxAttempt, msg)
		cancel()

		if err == nil {
			return "kafka://" + a.topic, nil
		}

		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	return "", fmt.Errorf("publish failed after %d attempts: %w", a.maxAttempts, lastErr)
}

// Close shuts down the underlying writer and releases resources.
func (a *KafkaAnnouncer) Close() error {
	if a == nil || a.writer == nil {
		return nil
	}
	return a.writer.Close()
}
