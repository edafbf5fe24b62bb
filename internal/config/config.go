// package config provides the environment-backed configuration loader used
// by the service and CLI bootstraps, with an optional YAML file layer for
// deployments that prefer checked-in config over environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration for the audit trail service.
// Precedence: defaults < YAML file (AUDIT_CONFIG_FILE) < environment.
type Config struct {
	ListenAddr string `yaml:"listenAddr"` // LISTEN_ADDR (default :8080)

	// Store selection: Postgres when DatabaseURL is set, else SQLite when
	// SQLitePath is set, else in-memory (dev only).
	DatabaseURL string `yaml:"databaseUrl"` // DATABASE_URL
	SQLitePath  string `yaml:"sqlitePath"`  // SQLITE_PATH

	// Append engine
	AppendMaxAttempts int           `yaml:"appendMaxAttempts"` // APPEND_MAX_ATTEMPTS
	AppendBaseBackoff time.Duration `yaml:"appendBaseBackoff"` // APPEND_BASE_BACKOFF

	// Checkpoint manager
	CheckpointInterval   time.Duration `yaml:"checkpointInterval"`   // CHECKPOINT_INTERVAL
	CheckpointStaleAfter time.Duration `yaml:"checkpointStaleAfter"` // CHECKPOINT_STALE_AFTER

	// Checkpoint export destinations (both optional)
	S3Bucket     string   `yaml:"s3Bucket"`     // S3_BUCKET
	S3Prefix     string   `yaml:"s3Prefix"`     // S3_PREFIX
	KafkaBrokers []string `yaml:"kafkaBrokers"` // KAFKA_BROKERS (comma-separated)
	KafkaTopic   string   `yaml:"kafkaTopic"`   // KAFKA_TOPIC

	// Attestation signing key: hex-encoded Ed25519 seed. Empty disables
	// attestation tokens on export artifacts.
	AttestationKeyHex string `yaml:"attestationKeyHex"` // ATTESTATION_KEY_HEX
	AttestationKeyID  string `yaml:"attestationKeyId"`  // ATTESTATION_KEY_ID

	// Verification endpoint throttle (concurrent in-flight requests).
	VerifyThrottle int `yaml:"verifyThrottle"` // VERIFY_THROTTLE
}

// UnmarshalYAML accepts Go duration strings ("30s", "2m") for the duration
// fields, which yaml.v3 will not decode into time.Duration on its own.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ListenAddr           string   `yaml:"listenAddr"`
		DatabaseURL          string   `yaml:"databaseUrl"`
		SQLitePath           string   `yaml:"sqlitePath"`
		AppendMaxAttempts    int      `yaml:"appendMaxAttempts"`
		AppendBaseBackoff    string   `yaml:"appendBaseBackoff"`
		CheckpointInterval   string   `yaml:"checkpointInterval"`
		CheckpointStaleAfter string   `yaml:"checkpointStaleAfter"`
		S3Bucket             string   `yaml:"s3Bucket"`
		S3Prefix             string   `yaml:"s3Prefix"`
		KafkaBrokers         []string `yaml:"kafkaBrokers"`
		KafkaTopic           string   `yaml:"kafkaTopic"`
		AttestationKeyHex    string   `yaml:"attestationKeyHex"`
		AttestationKeyID     string   `yaml:"attestationKeyId"`
		VerifyThrottle       int      `yaml:"verifyThrottle"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.ListenAddr = raw.ListenAddr
	c.DatabaseURL = raw.DatabaseURL
	c.SQLitePath = raw.SQLitePath
	c.AppendMaxAttempts = raw.AppendMaxAttempts
	c.S3Bucket = raw.S3Bucket
	c.S3Prefix = raw.S3Prefix
	c.KafkaBrokers = raw.KafkaBrokers
	c.KafkaTopic = raw.KafkaTopic
	c.AttestationKeyHex = raw.AttestationKeyHex
	c.AttestationKeyID = raw.AttestationKeyID
	c.VerifyThrottle = raw.VerifyThrottle

	for _, f := range []struct {
		src string
		dst *time.Duration
		key string
	}{
		{raw.AppendBaseBackoff, &c.AppendBaseBackoff, "appendBaseBackoff"},
		{raw.CheckpointInterval, &c.CheckpointInterval, "checkpointInterval"},
		{raw.CheckpointStaleAfter, &c.CheckpointStaleAfter, "checkpointStaleAfter"},
	} {
		if f.src == "" {
			continue
		}
		d, err := time.ParseDuration(f.src)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = d
	}
	return nil
}

// Load reads configuration from the optional YAML file named by
// AUDIT_CONFIG_FILE, then applies environment overrides and defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := strings.TrimSpace(os.Getenv("AUDIT_CONFIG_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setInt(&c.AppendMaxAttempts, "APPEND_MAX_ATTEMPTS")
	setDuration(&c.AppendBaseBackoff, "APPEND_BASE_BACKOFF")
	setDuration(&c.CheckpointInterval, "CHECKPOINT_INTERVAL")
	setDuration(&c.CheckpointStaleAfter, "CHECKPOINT_STALE_AFTER")
	setString(&c.S3Bucket, "S3_BUCKET")
	setString(&c.S3Prefix, "S3_PREFIX")
	setString(&c.KafkaTopic, "KAFKA_TOPIC")
	setString(&c.AttestationKeyHex, "ATTESTATION_KEY_HEX")
	setString(&c.AttestationKeyID, "ATTESTATION_KEY_ID")
	setInt(&c.VerifyThrottle, "VERIFY_THROTTLE")

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.KafkaBrokers = brokers
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.AppendMaxAttempts <= 0 {
		c.AppendMaxAttempts = 5
	}
	if c.AppendBaseBackoff <= 0 {
		c.AppendBaseBackoff = 25 * time.Millisecond
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = time.Minute
	}
	if c.CheckpointStaleAfter <= 0 {
		c.CheckpointStaleAfter = 15 * time.Minute
	}
	if c.VerifyThrottle <= 0 {
		c.VerifyThrottle = 4
	}
	if c.AttestationKeyID == "" {
		c.AttestationKeyID = "checkpoint-key-1"
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
