package db

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairdb/txnstore/internal/config"
)

// newBackOff returns the delay schedule between attempts of one transaction.
// The attempt limit is enforced by the caller, so the schedule never stops
// on its own.
func newBackOff(cfg *config.TransactionConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = cfg.BackoffMultiplier
	b.RandomizationFactor = cfg.BackoffJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
