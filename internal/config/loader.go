package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from an optional YAML file and TXNSTORE_*
// environment variables. Environment variables take precedence over the file.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) error {
	if nodeID := os.Getenv("TXNSTORE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}

	// Storage configuration
	if dataDir := os.Getenv("TXNSTORE_DATA_DIR"); dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if walDir := os.Getenv("TXNSTORE_WAL_DIR"); walDir != "" {
		cfg.Storage.WALDir = walDir
	}
	if ckptDir := os.Getenv("TXNSTORE_CHECKPOINT_DIR"); ckptDir != "" {
		cfg.Storage.CheckpointDir = ckptDir
	}
	if shards := os.Getenv("TXNSTORE_NUM_SHARDS"); shards != "" {
		n, err := strconv.Atoi(shards)
		if err != nil {
			return fmt.Errorf("invalid TXNSTORE_NUM_SHARDS: %w", err)
		}
		cfg.Storage.NumShards = n
	}

	if sync := os.Getenv("TXNSTORE_SYNC_WRITES"); sync != "" {
		b, err := strconv.ParseBool(sync)
		if err != nil {
			return fmt.Errorf("invalid TXNSTORE_SYNC_WRITES: %w", err)
		}
		cfg.WAL.SyncWrites = b
	}

	// Transaction configuration
	if attempts := os.Getenv("TXNSTORE_MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return fmt.Errorf("invalid TXNSTORE_MAX_ATTEMPTS: %w", err)
		}
		cfg.Transaction.MaxAttempts = n
	}
	if timeout := os.Getenv("TXNSTORE_TXN_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid TXNSTORE_TXN_TIMEOUT: %w", err)
		}
		cfg.Transaction.Timeout = d
	}
	if strategy := os.Getenv("TXNSTORE_SNAPSHOT_STRATEGY"); strategy != "" {
		cfg.Transaction.SnapshotStrategy = strategy
	}

	if port := os.Getenv("TXNSTORE_METRICS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid TXNSTORE_METRICS_PORT: %w", err)
		}
		cfg.Metrics.Port = p
	}

	// Logging configuration
	if logLevel := os.Getenv("TXNSTORE_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("TXNSTORE_LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	return nil
}
