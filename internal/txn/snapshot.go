package txn

import (
	"fmt"

	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/storage"
)

// SnapshotView is a read-only, point-in-time view of storage. A transaction
// reads only through this interface, so the strategy that builds the view can
// change without touching transaction code.
type SnapshotView interface {
	// Read returns the value and version of key as of the snapshot.
	// An absent key returns nil and version 0.
	Read(key string) ([]byte, uint64)
	// StartVersion is the global commit sequence the view corresponds to
	StartVersion() uint64
}

// SnapshotFactory captures snapshots of live storage
type SnapshotFactory interface {
	Snapshot() SnapshotView
}

// Strategy names a snapshot construction strategy
type Strategy string

const (
	// StrategyCopy deep-copies the keyspace at begin
	StrategyCopy Strategy = "copy"
	// StrategyCOW shares btree nodes with live storage and copies on write
	StrategyCOW Strategy = "cow"
)

// NewSnapshotFactory returns a factory for the named strategy
func NewSnapshotFactory(strategy Strategy, store *storage.Store) (SnapshotFactory, error) {
	switch strategy {
	case StrategyCopy, "":
		return copyFactory{store: store}, nil
	case StrategyCOW:
		return cowFactory{store: store}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot strategy %q", strategy)
	}
}

type copyFactory struct {
	store *storage.Store
}

func (f copyFactory) Snapshot() SnapshotView {
	entries, seq := f.store.Export()
	return &copySnapshot{entries: entries, start: seq}
}

// copySnapshot owns a private deep copy of every entry
type copySnapshot struct {
	entries map[string]model.VersionedEntry
	start   uint64
}

func (s *copySnapshot) Read(key string) ([]byte, uint64) {
	e, ok := s.entries[key]
	if !ok {
		return nil, 0
	}
	return e.Value, e.Version
}

func (s *copySnapshot) StartVersion() uint64 {
	return s.start
}

type cowFactory struct {
	store *storage.Store
}

func (f cowFactory) Snapshot() SnapshotView {
	return &cowSnapshot{index: f.store.CloneIndex()}
}

// cowSnapshot reads a copy-on-write clone of the store's btrees
type cowSnapshot struct {
	index *storage.Index
}

func (s *cowSnapshot) Read(key string) ([]byte, uint64) {
	e, ok := s.index.Get(key)
	if !ok {
		return nil, 0
	}
	return e.Value, e.Version
}

func (s *cowSnapshot) StartVersion() uint64 {
	return s.index.CommitSeq()
}
