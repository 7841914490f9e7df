package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Source    S3Config  `yaml:"source"`
	Target    S3Config  `yaml:"target"`
	Migration Migration `yaml:"migration"`
	Lock      Lock      `yaml:"lock"`
	StateDB   string    `yaml:"state_db"`
	RecordsDB string    `yaml:"records_db"`
	LogLevel  string    `yaml:"log_level"`
	Metrics   Metrics   `yaml:"metrics"`
}

// S3Config represents S3-compatible storage configuration
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
}

// Migration represents migration-specific configuration
type Migration struct {
	SourcePrefix       string  `yaml:"source_prefix"`
	DestPrefix         string  `yaml:"dest_prefix"`
	DerivedPrefix      string  `yaml:"derived_prefix"`
	TrashPrefix        string  `yaml:"trash_prefix"`
	OrphanPolicy       string  `yaml:"orphan_policy"` // skip | trash
	BatchSize          int     `yaml:"batch_size"`
	CheckpointEvery    int     `yaml:"checkpoint_every"` // batches between checkpoint saves
	Concurrency        int     `yaml:"concurrency"`
	Retries            int     `yaml:"retries"`
	RetryBackoffMs     int     `yaml:"retry_backoff_ms"`
	MaxConsecutiveFail int     `yaml:"max_consecutive_failures"`
	MaxFailureRatio    float64 `yaml:"max_failure_ratio"`
	FailureRatioMin    int     `yaml:"failure_ratio_min_sample"`
	VerifySampleRate   float64 `yaml:"verify_sample_rate"`
	RollbackOnMismatch bool    `yaml:"rollback_on_mismatch"`
	RetentionDays      int     `yaml:"retention_days"`
	FlushEvery         int     `yaml:"changelog_flush_every"` // entries buffered before flush
	DryRun             bool    `yaml:"dry_run"`
}

// Lock represents lock manager configuration
type Lock struct {
	TTLSeconds       int `yaml:"ttl_seconds"`
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	AcquireTimeoutMs int `yaml:"acquire_timeout_ms"`
}

// Metrics represents metrics server configuration
type Metrics struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// TTL returns the lock time-to-live
func (l Lock) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// HeartbeatInterval returns the heartbeat renewal interval
func (l Lock) HeartbeatInterval() time.Duration {
	return time.Duration(l.HeartbeatSeconds) * time.Second
}

// AcquireTimeout returns the lock acquisition timeout
func (l Lock) AcquireTimeout() time.Duration {
	return time.Duration(l.AcquireTimeoutMs) * time.Millisecond
}

// Retention returns the checkpoint/changelog retention window
func (m Migration) Retention() time.Duration {
	return time.Duration(m.RetentionDays) * 24 * time.Hour
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		StateDB:   "./assetshift.db",
		RecordsDB: "./records.db",
		LogLevel:  "info",
		Migration: Migration{
			DerivedPrefix:      "derived/",
			TrashPrefix:        ".trash/",
			OrphanPolicy:       "skip",
			BatchSize:          100,
			CheckpointEvery:    1,
			Concurrency:        8,
			Retries:            5,
			RetryBackoffMs:     500,
			MaxConsecutiveFail: 5,
			MaxFailureRatio:    0.1,
			FailureRatioMin:    50,
			VerifySampleRate:   0.1,
			RetentionDays:      7,
			FlushEvery:         32,
		},
		Lock: Lock{
			TTLSeconds:       60,
			HeartbeatSeconds: 20,
			AcquireTimeoutMs: 10000,
		},
		Metrics: Metrics{
			Addr:    ":8080",
			Enabled: true,
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("src-endpoint") {
		cfg.Source.Endpoint, _ = flags.GetString("src-endpoint")
	}
	if flags.Changed("src-access-key") {
		cfg.Source.AccessKey, _ = flags.GetString("src-access-key")
	}
	if flags.Changed("src-secret-key") {
		cfg.Source.SecretKey, _ = flags.GetString("src-secret-key")
	}
	if flags.Changed("src-secure") {
		cfg.Source.Secure, _ = flags.GetBool("src-secure")
	}
	if flags.Changed("src-bucket") {
		cfg.Source.Bucket, _ = flags.GetString("src-bucket")
	}

	if flags.Changed("dst-endpoint") {
		cfg.Target.Endpoint, _ = flags.GetString("dst-endpoint")
	}
	if flags.Changed("dst-access-key") {
		cfg.Target.AccessKey, _ = flags.GetString("dst-access-key")
	}
	if flags.Changed("dst-secret-key") {
		cfg.Target.SecretKey, _ = flags.GetString("dst-secret-key")
	}
	if flags.Changed("dst-secure") {
		cfg.Target.Secure, _ = flags.GetBool("dst-secure")
	}
	if flags.Changed("dst-bucket") {
		cfg.Target.Bucket, _ = flags.GetString("dst-bucket")
	}

	if flags.Changed("prefix") {
		cfg.Migration.SourcePrefix, _ = flags.GetString("prefix")
	}
	if flags.Changed("dest-prefix") {
		cfg.Migration.DestPrefix, _ = flags.GetString("dest-prefix")
	}
	if flags.Changed("batch-size") {
		cfg.Migration.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("checkpoint-every") {
		cfg.Migration.CheckpointEvery, _ = flags.GetInt("checkpoint-every")
	}
	if flags.Changed("concurrency") {
		cfg.Migration.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("retries") {
		cfg.Migration.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Migration.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("max-consecutive-failures") {
		cfg.Migration.MaxConsecutiveFail, _ = flags.GetInt("max-consecutive-failures")
	}
	if flags.Changed("max-failure-ratio") {
		cfg.Migration.MaxFailureRatio, _ = flags.GetFloat64("max-failure-ratio")
	}
	if flags.Changed("verify-sample-rate") {
		cfg.Migration.VerifySampleRate, _ = flags.GetFloat64("verify-sample-rate")
	}
	if flags.Changed("rollback-on-mismatch") {
		cfg.Migration.RollbackOnMismatch, _ = flags.GetBool("rollback-on-mismatch")
	}
	if flags.Changed("orphan-policy") {
		cfg.Migration.OrphanPolicy, _ = flags.GetString("orphan-policy")
	}
	if flags.Changed("retention-days") {
		cfg.Migration.RetentionDays, _ = flags.GetInt("retention-days")
	}
	if flags.Changed("dry-run") {
		cfg.Migration.DryRun, _ = flags.GetBool("dry-run")
	}

	if flags.Changed("lock-ttl") {
		cfg.Lock.TTLSeconds, _ = flags.GetInt("lock-ttl")
	}
	if flags.Changed("lock-heartbeat") {
		cfg.Lock.HeartbeatSeconds, _ = flags.GetInt("lock-heartbeat")
	}
	if flags.Changed("lock-acquire-timeout-ms") {
		cfg.Lock.AcquireTimeoutMs, _ = flags.GetInt("lock-acquire-timeout-ms")
	}

	if flags.Changed("state-db") {
		cfg.StateDB, _ = flags.GetString("state-db")
	}
	if flags.Changed("records-db") {
		cfg.RecordsDB, _ = flags.GetString("records-db")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Source.Endpoint == "" {
		return fmt.Errorf("source endpoint is required")
	}
	if c.Source.AccessKey == "" {
		return fmt.Errorf("source access key is required")
	}
	if c.Source.SecretKey == "" {
		return fmt.Errorf("source secret key is required")
	}
	if c.Source.Bucket == "" {
		return fmt.Errorf("source bucket is required")
	}

	if c.Target.Endpoint == "" {
		return fmt.Errorf("target endpoint is required")
	}
	if c.Target.AccessKey == "" {
		return fmt.Errorf("target access key is required")
	}
	if c.Target.SecretKey == "" {
		return fmt.Errorf("target secret key is required")
	}
	if c.Target.Bucket == "" {
		return fmt.Errorf("target bucket is required")
	}

	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Migration.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint cadence must be positive")
	}
	if c.Migration.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Migration.MaxConsecutiveFail <= 0 {
		return fmt.Errorf("max consecutive failures must be positive")
	}
	if c.Migration.MaxFailureRatio <= 0 || c.Migration.MaxFailureRatio > 1 {
		return fmt.Errorf("max failure ratio must be in (0, 1]")
	}
	if c.Migration.VerifySampleRate < 0 || c.Migration.VerifySampleRate > 1 {
		return fmt.Errorf("verify sample rate must be in [0, 1]")
	}
	switch c.Migration.OrphanPolicy {
	case "skip", "trash":
	default:
		return fmt.Errorf("orphan policy must be skip or trash")
	}

	if c.Lock.TTLSeconds <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}
	if c.Lock.HeartbeatSeconds <= 0 || c.Lock.HeartbeatSeconds >= c.Lock.TTLSeconds {
		return fmt.Errorf("lock heartbeat must be positive and shorter than the ttl")
	}

	return nil
}
