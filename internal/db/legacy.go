package db

import (
	"context"

	"github.com/devrev/pairdb/txnstore/internal/txn"
)

// Get reads one key in its own transaction. An absent key returns a nil
// value and version 0.
func (db *DB) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	var (
		value   []byte
		version uint64
	)
	err := db.Update(ctx, func(tx *txn.Txn) error {
		v, ver, err := tx.Read(key)
		value, version = v, ver
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return value, version, nil
}

// Put writes one key in its own transaction and returns the version it
// installed. A blind write never conflicts.
func (db *DB) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	tx, err := db.run(ctx, db.config.Transaction.MaxAttempts, func(tx *txn.Txn) error {
		return tx.Write(key, value)
	})
	if err != nil {
		return 0, err
	}
	v, _ := tx.CommittedVersion(key)
	return v, nil
}

// CompareAndSet writes key only if its live version equals expected, with 0
// meaning the key must not exist. It returns the installed version. A failed
// expectation is returned as a *errors.ConflictError without retrying.
func (db *DB) CompareAndSet(ctx context.Context, key string, expected uint64, value []byte) (uint64, error) {
	tx, err := db.run(ctx, 1, func(tx *txn.Txn) error {
		return tx.CompareAndSet(key, expected, value)
	})
	if err != nil {
		return 0, err
	}
	v, _ := tx.CommittedVersion(key)
	return v, nil
}
