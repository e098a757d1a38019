package config

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of a txnstore instance
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	WAL         WALConfig         `mapstructure:"wal" yaml:"wal"`
	Transaction TransactionConfig `mapstructure:"transaction" yaml:"transaction"`
	Limits      LimitsConfig      `mapstructure:"limits" yaml:"limits"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint" yaml:"checkpoint"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds instance identity and admin server timeouts
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id" yaml:"node_id"`
	Host            string        `mapstructure:"host" yaml:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir           string        `mapstructure:"data_dir" yaml:"data_dir"`
	WALDir            string        `mapstructure:"wal_dir" yaml:"wal_dir"`
	CheckpointDir     string        `mapstructure:"checkpoint_dir" yaml:"checkpoint_dir"`
	NumShards         int           `mapstructure:"num_shards" yaml:"num_shards"`
	BTreeDegree       int           `mapstructure:"btree_degree" yaml:"btree_degree"`
	MaxDiskUsage      float64       `mapstructure:"max_disk_usage" yaml:"max_disk_usage"`
	DiskCheckInterval time.Duration `mapstructure:"disk_check_interval" yaml:"disk_check_interval"`
}

// WALConfig holds write-ahead log configuration
type WALConfig struct {
	SegmentSize       int64         `mapstructure:"segment_size" yaml:"segment_size"`
	MaxAge            time.Duration `mapstructure:"max_age" yaml:"max_age"`
	SyncWrites        bool          `mapstructure:"sync_writes" yaml:"sync_writes"`
	ReplayParallelism int           `mapstructure:"replay_parallelism" yaml:"replay_parallelism"`
}

// TransactionConfig holds retry and snapshot settings for transactions
type TransactionConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter" yaml:"backoff_jitter"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SnapshotStrategy  string        `mapstructure:"snapshot_strategy" yaml:"snapshot_strategy"`
}

// LimitsConfig holds key and value size limits
type LimitsConfig struct {
	MaxKeySize   int `mapstructure:"max_key_size" yaml:"max_key_size"`
	MaxValueSize int `mapstructure:"max_value_size" yaml:"max_value_size"`
}

// CheckpointConfig holds checkpoint configuration
type CheckpointConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	WALBytesThreshold int64         `mapstructure:"wal_bytes_threshold" yaml:"wal_bytes_threshold"`
	MinInterval       time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
	Workers           int           `mapstructure:"workers" yaml:"workers"`
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// MetricsConfig holds admin and metrics server configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:           "/var/lib/txnstore",
			NumShards:         16,
			BTreeDegree:       32,
			MaxDiskUsage:      0.9,
			DiskCheckInterval: 10 * time.Second,
		},
		WAL: WALConfig{
			SegmentSize: 64 * 1024 * 1024, // 64MB
			MaxAge:      time.Hour,
			SyncWrites:  true,
		},
		Transaction: TransactionConfig{
			MaxAttempts:       10,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        100 * time.Millisecond,
			BackoffMultiplier: 2.0,
			BackoffJitter:     0.5,
			Timeout:           30 * time.Second,
			SnapshotStrategy:  "copy",
		},
		Limits: LimitsConfig{
			MaxKeySize:   1024,             // 1KB
			MaxValueSize: 10 * 1024 * 1024, // 10MB
		},
		Checkpoint: CheckpointConfig{
			Enabled:           true,
			WALBytesThreshold: 256 * 1024 * 1024, // 256MB
			MinInterval:       time.Minute,
			Workers:           1,
			QueueSize:         1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// setDefaults fills values derived from other settings
func setDefaults(cfg *Config) {
	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = "txnstore-" + uuid.NewString()
	}
	if cfg.Storage.WALDir == "" {
		cfg.Storage.WALDir = filepath.Join(cfg.Storage.DataDir, "wal")
	}
	if cfg.Storage.CheckpointDir == "" {
		cfg.Storage.CheckpointDir = filepath.Join(cfg.Storage.DataDir, "checkpoints")
	}
	if cfg.Transaction.SnapshotStrategy == "" {
		cfg.Transaction.SnapshotStrategy = "copy"
	}
	if cfg.Checkpoint.Workers == 0 {
		cfg.Checkpoint.Workers = 1
	}
	if cfg.Checkpoint.QueueSize == 0 {
		cfg.Checkpoint.QueueSize = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if c.Storage.NumShards <= 0 {
		return errors.New("storage.num_shards must be positive")
	}
	if c.Storage.MaxDiskUsage <= 0 || c.Storage.MaxDiskUsage > 1 {
		return errors.New("storage.max_disk_usage must be in (0, 1]")
	}
	if c.WAL.SegmentSize < 0 {
		return errors.New("wal.segment_size must not be negative")
	}
	if c.Transaction.MaxAttempts < 1 {
		return errors.New("transaction.max_attempts must be at least 1")
	}
	if c.Transaction.BackoffMultiplier < 1 {
		return errors.New("transaction.backoff_multiplier must be at least 1")
	}
	if c.Transaction.BackoffJitter < 0 || c.Transaction.BackoffJitter > 1 {
		return errors.New("transaction.backoff_jitter must be between 0 and 1")
	}
	if c.Transaction.MaxBackoff < c.Transaction.InitialBackoff {
		return errors.New("transaction.max_backoff must not be less than transaction.initial_backoff")
	}
	if c.Transaction.Timeout < 0 {
		return errors.New("transaction.timeout must not be negative")
	}
	switch c.Transaction.SnapshotStrategy {
	case "copy", "cow":
	default:
		return fmt.Errorf("transaction.snapshot_strategy must be one of: copy, cow (got %q)", c.Transaction.SnapshotStrategy)
	}
	if c.Limits.MaxKeySize <= 0 || c.Limits.MaxValueSize <= 0 {
		return errors.New("limits.max_key_size and limits.max_value_size must be positive")
	}
	if c.Checkpoint.Enabled && c.Checkpoint.WALBytesThreshold <= 0 {
		return errors.New("checkpoint.wal_bytes_threshold must be positive when checkpoints are enabled")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if !isValidLogLevel(c.Logging.Level) {
		return errors.New("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return errors.New("logging.format must be one of: json, console")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// Dump writes the effective configuration as YAML
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
