package txn

import (
	"testing"

	"github.com/devrev/pairdb/txnstore/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var strategies = []Strategy{StrategyCopy, StrategyCOW}

func TestSnapshot_IsolatedFromLaterCommits(t *testing.T) {
	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			store := storage.NewStore(&storage.Config{NumShards: 4, Degree: 8}, zap.NewNop())
			store.Put("a", []byte("a1"))
			store.Put("b", []byte("b1"))

			factory, err := NewSnapshotFactory(strategy, store)
			require.NoError(t, err)
			snap := factory.Snapshot()
			assert.Equal(t, uint64(2), snap.StartVersion())

			store.Put("a", []byte("a2"))
			store.Put("c", []byte("c1"))

			value, version := snap.Read("a")
			assert.Equal(t, []byte("a1"), value)
			assert.Equal(t, uint64(1), version)

			value, version = snap.Read("c")
			assert.Nil(t, value)
			assert.Equal(t, uint64(0), version)

			assert.Equal(t, uint64(2), snap.StartVersion())

			fresh := factory.Snapshot()
			value, version = fresh.Read("a")
			assert.Equal(t, []byte("a2"), value)
			assert.Equal(t, uint64(2), version)
			assert.Equal(t, uint64(4), fresh.StartVersion())
		})
	}
}

func TestNewSnapshotFactory_UnknownStrategy(t *testing.T) {
	store := storage.NewStore(nil, zap.NewNop())

	_, err := NewSnapshotFactory("mvcc", store)
	assert.Error(t, err)

	f, err := NewSnapshotFactory("", store)
	require.NoError(t, err)
	assert.IsType(t, copyFactory{}, f)
}
