package txn

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/errors"
	"github.com/devrev/pairdb/txnstore/internal/metrics"
	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/storage"
	"github.com/devrev/pairdb/txnstore/internal/validation"
	"go.uber.org/zap"
)

// Appender is the durable log commits are written to
type Appender interface {
	Append(ctx context.Context, records []model.Record) error
}

// CoordinatorConfig holds commit coordinator configuration
type CoordinatorConfig struct {
	Strategy     Strategy
	MaxKeySize   int
	MaxValueSize int
}

// CommitCoordinator begins transactions and runs their commit protocol.
// The critical section covers validation, the log append and the apply, and
// is scoped to the shards that own the transaction's keys.
type CommitCoordinator struct {
	store     *storage.Store
	log       Appender
	snapshots SnapshotFactory
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	lastID    atomic.Uint64
}

// NewCommitCoordinator creates a coordinator over store and log
func NewCommitCoordinator(
	cfg *CoordinatorConfig,
	store *storage.Store,
	log Appender,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*CommitCoordinator, error) {
	snapshots, err := NewSnapshotFactory(cfg.Strategy, store)
	if err != nil {
		return nil, err
	}

	return &CommitCoordinator{
		store:     store,
		log:       log,
		snapshots: snapshots,
		validator: validation.NewValidatorWithLimits(cfg.MaxKeySize, cfg.MaxValueSize),
		metrics:   m,
		logger:    logger,
	}, nil
}

// SetLastTxnID makes the next transaction id start after id. Recovery calls
// it so ids found in the log are never reused.
func (c *CommitCoordinator) SetLastTxnID(id uint64) {
	for {
		cur := c.lastID.Load()
		if cur >= id || c.lastID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// LastTxnID returns the most recently assigned transaction id
func (c *CommitCoordinator) LastTxnID() uint64 {
	return c.lastID.Load()
}

// Begin starts a transaction on a fresh snapshot. It never fails.
func (c *CommitCoordinator) Begin() *Txn {
	start := time.Now()
	snap := c.snapshots.Snapshot()
	c.metrics.RecordBegin(time.Since(start))

	return &Txn{
		id:       c.lastID.Add(1),
		coord:    c,
		snapshot: snap,
		start:    snap.StartVersion(),
		state:    model.TxnStateActive,
		reads:    make(ReadSet),
		writes:   make(WriteSet),
		cas:      make(CASSet),
		began:    start,
	}
}

func (c *CommitCoordinator) commit(ctx context.Context, t *Txn) error {
	t.state = model.TxnStateValidating

	if err := ctx.Err(); err != nil {
		t.finish(model.TxnStateAborted)
		c.recordAbort(t, model.AbortReasonCanceled)
		return err
	}

	in := t.validationInput()
	start := time.Now()
	batch := c.store.Latch(involvedKeys(in))

	result := Validate(in, batch)
	c.metrics.RecordValidation(time.Since(start))

	if !result.OK() {
		batch.Release()
		t.finish(model.TxnStateAborted)
		c.metrics.RecordConflicts(result.Conflicts)
		c.recordAbort(t, model.AbortReasonConflict)
		conflictErr := errors.NewConflictError(t.id, result.Conflicts)
		c.logger.Debug("Transaction aborted on conflict",
			zap.Uint64("txn_id", t.id),
			zap.Uint64("start_version", in.StartVersion),
			zap.Strings("conflicts", conflictErr.Keys()))
		return conflictErr
	}

	if len(in.Writes) == 0 {
		batch.Release()
		t.finish(model.TxnStateCommitted)
		c.metrics.RecordCommit(time.Since(start), 0)
		return nil
	}

	keys := make([]string, 0, len(in.Writes))
	for k := range in.Writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]model.Record, 0, len(keys)+2)
	records = append(records, model.BeginTxn{TxnID: t.id})
	for _, k := range keys {
		records = append(records, model.Write{
			TxnID:   t.id,
			Key:     k,
			Value:   in.Writes[k],
			Version: batch.Version(k) + 1,
		})
	}
	records = append(records, model.CommitTxn{TxnID: t.id})

	// Once validated the append runs to completion regardless of the caller
	if err := c.log.Append(context.WithoutCancel(ctx), records); err != nil {
		batch.Release()
		t.finish(model.TxnStateAborted)
		c.recordAbort(t, model.AbortReasonDurability)
		c.logger.Error("Failed to make transaction durable",
			zap.Uint64("txn_id", t.id),
			zap.Int("writes", len(keys)),
			zap.Error(err))
		return errors.Durability(fmt.Sprintf("failed to append transaction %d to WAL", t.id), err).
			WithDetail("txn_id", t.id)
	}

	t.committed = batch.Apply(in.Writes)
	batch.Release()
	t.finish(model.TxnStateCommitted)

	duration := time.Since(start)
	c.metrics.RecordCommit(duration, len(keys))
	c.logger.Debug("Transaction committed",
		zap.Uint64("txn_id", t.id),
		zap.Int("writes", len(keys)),
		zap.Duration("duration", duration))

	return nil
}

func (c *CommitCoordinator) recordAbort(t *Txn, reason model.AbortReason) {
	c.metrics.RecordAbort(reason)
	switch reason {
	case model.AbortReasonExplicit, model.AbortReasonBody, model.AbortReasonCanceled:
		c.logger.Debug("Transaction aborted",
			zap.Uint64("txn_id", t.id),
			zap.String("reason", string(reason)),
			zap.Duration("age", time.Since(t.began)))
	}
}
