package db

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/errors"
	"github.com/devrev/pairdb/txnstore/internal/storage"
	"github.com/devrev/pairdb/txnstore/internal/util/workerpool"
	"go.uber.org/zap"
)

const checkpointTask = "checkpoint"

// Checkpoint writes a full image of storage and drops the WAL segments it
// covers. The WAL is rotated first; every commit logged before the new
// segment is in the image, and replay of the new segment on top of it is
// idempotent.
func (db *DB) Checkpoint(ctx context.Context) (*storage.CheckpointInfo, error) {
	db.checkpointMu.Lock()
	defer db.checkpointMu.Unlock()

	if db.closed.Load() {
		return nil, errors.Closed()
	}

	start := time.Now()
	info, err := db.checkpoint(ctx)
	db.metrics.RecordCheckpoint(time.Since(start), err)
	if err != nil {
		db.logger.Error("Checkpoint failed", zap.Error(err))
		return nil, err
	}
	return info, nil
}

func (db *DB) checkpoint(ctx context.Context) (*storage.CheckpointInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	segment, err := db.wal.Rotate()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate WAL: %w", err)
	}
	// A commit logged before the rotation may still be applying; the image
	// must include it because its segment is about to be removed.
	db.store.Barrier()

	info, err := db.checkpoints.Save(db.store, segment)
	if err != nil {
		return nil, err
	}

	pruned, err := db.checkpoints.Prune(segment)
	if err != nil {
		return nil, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	removed, err := db.wal.TruncateBefore(segment)
	if err != nil {
		return nil, fmt.Errorf("failed to truncate WAL: %w", err)
	}

	db.metrics.UpdateStorageStats(info.Entries, info.CommitSeq)
	db.logger.Info("Checkpoint completed",
		zap.Uint64("segment", segment),
		zap.Int("entries", info.Entries),
		zap.Int("checkpoints_pruned", pruned),
		zap.Int("segments_removed", removed))

	return info, nil
}

// maybeCheckpoint schedules a background checkpoint once the WAL has grown
// past the configured size. It never blocks the caller.
func (db *DB) maybeCheckpoint() {
	if db.pool == nil {
		return
	}
	if db.wal.Stats().Bytes < db.config.Checkpoint.WALBytesThreshold {
		return
	}
	if !db.ckptLimiter.Allow() {
		return
	}

	submitted := db.pool.TrySubmit(workerpool.Task{
		Name: checkpointTask,
		Run: func(ctx context.Context) error {
			_, err := db.Checkpoint(ctx)
			return err
		},
	})
	if submitted {
		db.logger.Debug("Scheduled background checkpoint",
			zap.Int64("wal_bytes_threshold", db.config.Checkpoint.WALBytesThreshold))
	}
}
