package txn

import (
	"context"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/errors"
	"github.com/devrev/pairdb/txnstore/internal/model"
)

// Txn is a transaction context. It is bound to one snapshot for its whole
// life and buffers every write until Commit. A Txn must not be shared
// between goroutines.
type Txn struct {
	id        uint64
	coord     *CommitCoordinator
	snapshot  SnapshotView
	state     model.TxnState
	reads     ReadSet
	writes    WriteSet
	cas       CASSet
	committed map[string]uint64
	start     uint64
	began     time.Time
}

// ID returns the transaction id
func (t *Txn) ID() uint64 {
	return t.id
}

// State returns the lifecycle state
func (t *Txn) State() model.TxnState {
	return t.state
}

// StartVersion returns the commit sequence of the snapshot
func (t *Txn) StartVersion() uint64 {
	return t.start
}

func (t *Txn) checkActive() error {
	if t.state != model.TxnStateActive {
		return errors.TxnNotActive(t.id, t.state.String())
	}
	return nil
}

// Read returns the value and version of key. A key buffered by this
// transaction returns the buffered value and is not added to the read-set.
// Otherwise the snapshot is consulted and the observed version is recorded,
// including version 0 for an absent key.
func (t *Txn) Read(key string) ([]byte, uint64, error) {
	if err := t.checkActive(); err != nil {
		return nil, 0, err
	}

	value, version := t.snapshot.Read(key)
	if buffered, ok := t.writes[key]; ok {
		return cloneValue(buffered), version, nil
	}

	if _, ok := t.reads[key]; !ok {
		t.reads[key] = version
	}
	return cloneValue(value), version, nil
}

// Write buffers value for key, replacing any earlier buffered value.
// Writes never touch the read-set.
func (t *Txn) Write(key string, value []byte) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if err := t.coord.validator.ValidateWrite(key, value); err != nil {
		return err
	}
	t.writes[key] = cloneValue(value)
	return nil
}

// CompareAndSet buffers value for key on the condition that the key's live
// version at commit equals expected. Expected 0 means the key must not exist.
// The expectation is independent of the read-set.
func (t *Txn) CompareAndSet(key string, expected uint64, value []byte) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if err := t.coord.validator.ValidateWrite(key, value); err != nil {
		return err
	}
	t.cas[key] = expected
	t.writes[key] = cloneValue(value)
	return nil
}

// Commit validates and applies the transaction. It returns nil on success,
// a *errors.ConflictError when validation failed, or a durability error when
// the log append failed. Only success leaves any trace in storage or the log.
func (t *Txn) Commit(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	return t.coord.commit(ctx, t)
}

// Abort discards the transaction. It has no effect on storage or the log and
// is a no-op once the transaction has left the active state.
func (t *Txn) Abort() {
	t.AbortWithReason(model.AbortReasonExplicit)
}

// AbortWithReason is Abort with the reason reported to metrics
func (t *Txn) AbortWithReason(reason model.AbortReason) {
	if t.state != model.TxnStateActive {
		return
	}
	t.finish(model.TxnStateAborted)
	t.coord.recordAbort(t, reason)
}

// CommittedVersion returns the version installed for key by a successful commit
func (t *Txn) CommittedVersion(key string) (uint64, bool) {
	v, ok := t.committed[key]
	return v, ok
}

// ReadSet returns a copy of the read-set
func (t *Txn) ReadSet() ReadSet {
	out := make(ReadSet, len(t.reads))
	for k, v := range t.reads {
		out[k] = v
	}
	return out
}

// WriteSet returns a copy of the write-set
func (t *Txn) WriteSet() WriteSet {
	out := make(WriteSet, len(t.writes))
	for k, v := range t.writes {
		out[k] = cloneValue(v)
	}
	return out
}

// CASSet returns a copy of the CAS-set
func (t *Txn) CASSet() CASSet {
	out := make(CASSet, len(t.cas))
	for k, v := range t.cas {
		out[k] = v
	}
	return out
}

func (t *Txn) validationInput() ValidationInput {
	return ValidationInput{
		Reads:        t.reads,
		Writes:       t.writes,
		CAS:          t.cas,
		StartVersion: t.start,
	}
}

// finish moves to a terminal state and drops the snapshot
func (t *Txn) finish(state model.TxnState) {
	t.state = state
	t.snapshot = nil
	if state == model.TxnStateAborted {
		t.reads, t.writes, t.cas = nil, nil, nil
	}
}

func cloneValue(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
