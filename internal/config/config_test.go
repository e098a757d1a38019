package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(cfg.Server.NodeID, "txnstore-"))
	assert.Equal(t, "/var/lib/txnstore/wal", cfg.Storage.WALDir)
	assert.Equal(t, "/var/lib/txnstore/checkpoints", cfg.Storage.CheckpointDir)
	assert.Equal(t, 10, cfg.Transaction.MaxAttempts)
	assert.Equal(t, "copy", cfg.Transaction.SnapshotStrategy)
	assert.True(t, cfg.WAL.SyncWrites)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  node_id: node-a
storage:
  data_dir: /tmp/txn
  num_shards: 8
wal:
  sync_writes: false
  segment_size: 1048576
transaction:
  max_attempts: 3
  initial_backoff: 5ms
  max_backoff: 50ms
  timeout: 2s
  snapshot_strategy: cow
logging:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Server.NodeID)
	assert.Equal(t, "/tmp/txn", cfg.Storage.DataDir)
	assert.Equal(t, "/tmp/txn/wal", cfg.Storage.WALDir)
	assert.Equal(t, 8, cfg.Storage.NumShards)
	assert.False(t, cfg.WAL.SyncWrites)
	assert.Equal(t, int64(1048576), cfg.WAL.SegmentSize)
	assert.Equal(t, 3, cfg.Transaction.MaxAttempts)
	assert.Equal(t, 5*time.Millisecond, cfg.Transaction.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.Transaction.Timeout)
	assert.Equal(t, "cow", cfg.Transaction.SnapshotStrategy)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// untouched sections keep their defaults
	assert.Equal(t, 1024, cfg.Limits.MaxKeySize)
	assert.Equal(t, 2.0, cfg.Transaction.BackoffMultiplier)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  node_id: from-file
transaction:
  max_attempts: 3
`)
	t.Setenv("TXNSTORE_NODE_ID", "from-env")
	t.Setenv("TXNSTORE_MAX_ATTEMPTS", "7")
	t.Setenv("TXNSTORE_SYNC_WRITES", "false")
	t.Setenv("TXNSTORE_TXN_TIMEOUT", "1500ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Server.NodeID)
	assert.Equal(t, 7, cfg.Transaction.MaxAttempts)
	assert.False(t, cfg.WAL.SyncWrites)
	assert.Equal(t, 1500*time.Millisecond, cfg.Transaction.Timeout)
}

func TestLoad_InvalidEnvironmentValue(t *testing.T) {
	t.Setenv("TXNSTORE_MAX_ATTEMPTS", "many")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.Transaction.MaxAttempts = 0 }},
		{"unknown strategy", func(c *Config) { c.Transaction.SnapshotStrategy = "mvcc" }},
		{"backoff inverted", func(c *Config) { c.Transaction.MaxBackoff = 0 }},
		{"multiplier below one", func(c *Config) { c.Transaction.BackoffMultiplier = 0.5 }},
		{"disk usage", func(c *Config) { c.Storage.MaxDiskUsage = 1.5 }},
		{"no shards", func(c *Config) { c.Storage.NumShards = 0 }},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"metrics port", func(c *Config) { c.Metrics.Port = 70000 }},
		{"checkpoint threshold", func(c *Config) { c.Checkpoint.WALBytesThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			setDefaults(cfg)
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDump_RoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.NodeID = "dumped"
	cfg.Transaction.Timeout = 3 * time.Second
	setDefaults(cfg)

	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))
	assert.Contains(t, buf.String(), "node_id: dumped")

	loaded, err := Load(writeConfigFile(t, buf.String()))
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
