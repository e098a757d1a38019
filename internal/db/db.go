package db

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/config"
	"github.com/devrev/pairdb/txnstore/internal/errors"
	"github.com/devrev/pairdb/txnstore/internal/metrics"
	"github.com/devrev/pairdb/txnstore/internal/recovery"
	"github.com/devrev/pairdb/txnstore/internal/storage"
	"github.com/devrev/pairdb/txnstore/internal/storage/diskmanager"
	"github.com/devrev/pairdb/txnstore/internal/txn"
	"github.com/devrev/pairdb/txnstore/internal/util/workerpool"
	"github.com/devrev/pairdb/txnstore/internal/wal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var openWAL = wal.Open

// DB is an in-process key-value store with optimistic transactions
type DB struct {
	config      *config.Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	store       *storage.Store
	wal         *wal.Log
	disk        *diskmanager.DiskManager
	checkpoints *storage.CheckpointManager
	coord       *txn.CommitCoordinator
	recovered   *recovery.Stats

	pool         *workerpool.WorkerPool
	ckptLimiter  *rate.Limiter
	checkpointMu sync.Mutex

	stats  counters
	closed atomic.Bool
}

type counters struct {
	started            atomic.Uint64
	committed          atomic.Uint64
	conflicts          atomic.Uint64
	retries            atomic.Uint64
	exhausted          atomic.Uint64
	durabilityFailures atomic.Uint64
	timeouts           atomic.Uint64
}

// Stats is a point-in-time summary of the database
type Stats struct {
	NodeID             string           `json:"node_id"`
	Keys               int              `json:"keys"`
	CommitSeq          uint64           `json:"commit_seq"`
	LastTxnID          uint64           `json:"last_txn_id"`
	Started            uint64           `json:"txn_started"`
	Committed          uint64           `json:"txn_committed"`
	Conflicts          uint64           `json:"txn_conflicts"`
	Retries            uint64           `json:"txn_retries"`
	RetriesExhausted   uint64           `json:"txn_retries_exhausted"`
	DurabilityFailures uint64           `json:"txn_durability_failures"`
	Timeouts           uint64           `json:"txn_timeouts"`
	WAL                wal.Stats        `json:"wal"`
	Checkpoints        workerpool.Stats `json:"checkpoint_pool"`
	Recovery           *recovery.Stats  `json:"recovery"`
}

// Open recovers the database from its data directory and makes it ready for
// transactions. Recovery replays the WAL before the log accepts new appends.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*DB, error) {
	return OpenWithMetrics(ctx, cfg, metrics.NewMetrics(cfg.Server.NodeID), logger)
}

// OpenWithMetrics is Open with a caller-supplied metrics set
func OpenWithMetrics(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*DB, error) {
	start := time.Now()

	store := storage.NewStore(&storage.Config{
		NumShards: cfg.Storage.NumShards,
		Degree:    cfg.Storage.BTreeDegree,
	}, logger)

	checkpoints, err := storage.NewCheckpointManager(cfg.Storage.CheckpointDir, logger)
	if err != nil {
		return nil, err
	}

	rec := recovery.NewRecovery(&recovery.Config{
		WALDir:      cfg.Storage.WALDir,
		Parallelism: cfg.WAL.ReplayParallelism,
	}, checkpoints, m, logger)
	recovered, err := rec.Run(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("failed to recover database: %w", err)
	}

	if err := os.MkdirAll(cfg.Storage.WALDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	diskCfg := diskmanager.DefaultConfig(cfg.Storage.WALDir)
	diskCfg.CheckInterval = cfg.Storage.DiskCheckInterval
	diskCfg.CircuitBreakerThreshold = cfg.Storage.MaxDiskUsage * 100
	if diskCfg.ThrottleThreshold > diskCfg.CircuitBreakerThreshold {
		diskCfg.ThrottleThreshold = diskCfg.CircuitBreakerThreshold
	}
	if diskCfg.WarningThreshold > diskCfg.ThrottleThreshold {
		diskCfg.WarningThreshold = diskCfg.ThrottleThreshold
	}
	disk, err := diskmanager.NewDiskManager(diskCfg, logger)
	if err != nil {
		return nil, err
	}

	log, err := openWAL(&wal.Config{
		Dir:         cfg.Storage.WALDir,
		SegmentSize: cfg.WAL.SegmentSize,
		MaxAge:      cfg.WAL.MaxAge,
		SyncWrites:  cfg.WAL.SyncWrites,
	}, disk, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	coord, err := txn.NewCommitCoordinator(&txn.CoordinatorConfig{
		Strategy:     txn.Strategy(cfg.Transaction.SnapshotStrategy),
		MaxKeySize:   cfg.Limits.MaxKeySize,
		MaxValueSize: cfg.Limits.MaxValueSize,
	}, store, log, m, logger)
	if err != nil {
		log.Close()
		return nil, err
	}
	coord.SetLastTxnID(recovered.MaxTxnID)

	db := &DB{
		config:      cfg,
		logger:      logger,
		metrics:     m,
		store:       store,
		wal:         log,
		disk:        disk,
		checkpoints: checkpoints,
		coord:       coord,
		recovered:   recovered,
	}

	if cfg.Checkpoint.Enabled {
		db.pool = workerpool.NewWorkerPool(&workerpool.Config{
			Name:      "checkpoint",
			Workers:   cfg.Checkpoint.Workers,
			QueueSize: cfg.Checkpoint.QueueSize,
		}, logger)
		limit := rate.Inf
		if cfg.Checkpoint.MinInterval > 0 {
			limit = rate.Every(cfg.Checkpoint.MinInterval)
		}
		db.ckptLimiter = rate.NewLimiter(limit, 1)
	}

	logger.Info("Database opened",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("keys", store.Len()),
		zap.Uint64("commit_seq", store.CommitSeq()),
		zap.Uint64("last_txn_id", recovered.MaxTxnID),
		zap.String("snapshot_strategy", cfg.Transaction.SnapshotStrategy),
		zap.Duration("duration", time.Since(start)))

	return db, nil
}

// Close stops background checkpoints and closes the WAL. Transactions
// started after Close fail with a Closed error.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	if db.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), db.config.Server.ShutdownTimeout)
		if err := db.pool.Stop(ctx); err != nil {
			db.logger.Warn("Checkpoint pool did not stop cleanly", zap.Error(err))
		}
		cancel()
	}

	db.checkpointMu.Lock()
	defer db.checkpointMu.Unlock()

	if err := db.wal.Close(); err != nil {
		return fmt.Errorf("failed to close WAL: %w", err)
	}
	db.logger.Info("Database closed", zap.String("node_id", db.config.Server.NodeID))
	return nil
}

// Metrics returns the metrics the database reports to
func (db *DB) Metrics() *metrics.Metrics {
	return db.metrics
}

// WALErr returns the failure that made the WAL unusable, if any
func (db *DB) WALErr() error {
	return db.wal.Err()
}

// DiskUsage returns the latest disk usage sample for the WAL directory
func (db *DB) DiskUsage() diskmanager.DiskUsageStats {
	return db.disk.GetDiskUsage()
}

// Begin starts a transaction outside the retry loop. The caller owns its
// lifecycle and must Commit or Abort it.
func (db *DB) Begin() (*txn.Txn, error) {
	if db.closed.Load() {
		return nil, errors.Closed()
	}
	db.stats.started.Add(1)
	return db.coord.Begin(), nil
}

// Stats returns current database statistics
func (db *DB) Stats() Stats {
	s := Stats{
		NodeID:             db.config.Server.NodeID,
		Keys:               db.store.Len(),
		CommitSeq:          db.store.CommitSeq(),
		LastTxnID:          db.coord.LastTxnID(),
		Started:            db.stats.started.Load(),
		Committed:          db.stats.committed.Load(),
		Conflicts:          db.stats.conflicts.Load(),
		Retries:            db.stats.retries.Load(),
		RetriesExhausted:   db.stats.exhausted.Load(),
		DurabilityFailures: db.stats.durabilityFailures.Load(),
		Timeouts:           db.stats.timeouts.Load(),
		WAL:                db.wal.Stats(),
		Recovery:           db.recovered,
	}
	if db.pool != nil {
		s.Checkpoints = db.pool.Stats()
	}
	return s
}
