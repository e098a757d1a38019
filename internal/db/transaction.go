package db

import (
	"context"

	"github.com/devrev/pairdb/txnstore/internal/errors"
	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/txn"
	"go.uber.org/zap"
)

// Update runs fn in a transaction and commits it. When the commit reports a
// conflict the whole body runs again on a fresh snapshot, after a backoff
// delay, up to transaction.max_attempts times.
//
// An error returned by fn aborts the transaction and is returned unchanged;
// it is never retried. Durability failures are returned as they are and never
// retried either. When the timeout or ctx expires first, the error has code
// Timeout.
func (db *DB) Update(ctx context.Context, fn func(tx *txn.Txn) error) error {
	_, err := db.run(ctx, db.config.Transaction.MaxAttempts, fn)
	return err
}

// Transact is Update for bodies that produce a value. The value of the
// attempt that committed is returned.
func Transact[T any](ctx context.Context, db *DB, fn func(tx *txn.Txn) (T, error)) (T, error) {
	var out T
	_, err := db.run(ctx, db.config.Transaction.MaxAttempts, func(tx *txn.Txn) error {
		v, err := fn(tx)
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// View runs a read-only transaction. Its reads are still validated at
// commit, so fn observes one consistent snapshot that was current at commit.
// Buffering a write inside fn is an error.
func (db *DB) View(ctx context.Context, fn func(tx *txn.Txn) error) error {
	_, err := db.run(ctx, db.config.Transaction.MaxAttempts, func(tx *txn.Txn) error {
		if err := fn(tx); err != nil {
			return err
		}
		if n := len(tx.WriteSet()); n > 0 {
			return errors.InvalidArgument("write in read-only transaction", nil).WithDetail("writes", n)
		}
		return nil
	})
	return err
}

// run is the retry loop. It returns the transaction that committed.
func (db *DB) run(ctx context.Context, maxAttempts int, fn func(tx *txn.Txn) error) (*txn.Txn, error) {
	if db.closed.Load() {
		return nil, errors.Closed()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if timeout := db.config.Transaction.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	delays := newBackOff(&db.config.Transaction)
	var last *errors.ConflictError

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, db.timedOut(err, attempt-1, last)
		}

		tx := db.coord.Begin()
		db.stats.started.Add(1)

		if err := runBody(tx, fn); err != nil {
			tx.AbortWithReason(model.AbortReasonBody)
			return nil, err
		}

		err := tx.Commit(ctx)
		if err == nil {
			db.stats.committed.Add(1)
			if len(tx.WriteSet()) > 0 {
				db.maybeCheckpoint()
			}
			return tx, nil
		}

		conflict, ok := errors.AsConflict(err)
		if !ok {
			if errors.IsDurability(err) {
				db.stats.durabilityFailures.Add(1)
				return nil, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, db.timedOut(ctxErr, attempt, last)
			}
			return nil, err
		}

		last = conflict
		db.stats.conflicts.Add(1)

		if attempt >= maxAttempts {
			if maxAttempts == 1 {
				return nil, conflict
			}
			db.stats.exhausted.Add(1)
			db.metrics.RecordRetriesExhausted()
			db.logger.Warn("Transaction retries exhausted",
				zap.Int("attempts", attempt),
				zap.Uint64("txn_id", tx.ID()),
				zap.Strings("conflicts", conflict.Keys()))
			return nil, errors.RetriesExhausted(attempt, conflict)
		}

		delay := delays.NextBackOff()
		db.stats.retries.Add(1)
		db.metrics.RecordRetry()
		db.logger.Debug("Retrying transaction after conflict",
			zap.Int("attempt", attempt),
			zap.Uint64("txn_id", tx.ID()),
			zap.Duration("backoff", delay),
			zap.Strings("conflicts", conflict.Keys()))

		if err := sleep(ctx, delay); err != nil {
			return nil, db.timedOut(err, attempt, last)
		}
	}
}

// runBody runs fn, aborting tx if fn panics before re-panicking
func runBody(tx *txn.Txn, fn func(tx *txn.Txn) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			tx.AbortWithReason(model.AbortReasonBody)
			panic(r)
		}
	}()
	return fn(tx)
}

func (db *DB) timedOut(cause error, attempts int, last *errors.ConflictError) error {
	db.stats.timeouts.Add(1)
	err := errors.Timeout(cause).WithDetail("attempts", attempts)
	if last != nil {
		err = err.WithDetail("last_conflicts", last.Keys())
	}
	return err
}
