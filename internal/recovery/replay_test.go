package recovery

import (
	"testing"

	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore() *storage.Store {
	return storage.NewStore(&storage.Config{NumShards: 4, Degree: 8}, zap.NewNop())
}

func write(id uint64, key, value string, version uint64) model.Write {
	return model.Write{TxnID: id, Key: key, Value: []byte(value), Version: version}
}

func committed(id uint64, writes ...model.Write) []model.Record {
	recs := []model.Record{model.BeginTxn{TxnID: id}}
	for _, w := range writes {
		recs = append(recs, w)
	}
	return append(recs, model.CommitTxn{TxnID: id})
}

func TestReplay_AppliesOnlyCommittedTransactions(t *testing.T) {
	var records []model.Record
	records = append(records, committed(1, write(1, "a", "a1", 1), write(1, "b", "b1", 1))...)
	records = append(records, model.BeginTxn{TxnID: 2}, write(2, "a", "a2", 2))
	records = append(records, committed(3, write(3, "b", "b2", 2))...)

	store := newTestStore()
	stats := Replay(store, records)

	assert.Equal(t, 2, stats.Committed)
	assert.Equal(t, 1, stats.Discarded)
	assert.Equal(t, len(records), stats.Records)
	assert.Equal(t, uint64(3), stats.MaxTxnID)

	a, ok := store.Get("a")
	require.True(t, ok)
	assert.Equal(t, model.VersionedEntry{Value: []byte("a1"), Version: 1}, a)

	b, ok := store.Get("b")
	require.True(t, ok)
	assert.Equal(t, model.VersionedEntry{Value: []byte("b2"), Version: 2}, b)
}

func TestReplay_Idempotent(t *testing.T) {
	var records []model.Record
	records = append(records, committed(1, write(1, "x", "1", 1))...)
	records = append(records, committed(2, write(2, "x", "2", 2), write(2, "y", "1", 1))...)
	records = append(records, committed(3, write(3, "z", "1", 1))...)

	once := newTestStore()
	Replay(once, records)

	twice := newTestStore()
	Replay(twice, records)
	Replay(twice, records)

	onceEntries, _ := once.Export()
	twiceEntries, _ := twice.Export()
	assert.Equal(t, onceEntries, twiceEntries)
}

func TestReplay_DuplicateBeginResetsBuffer(t *testing.T) {
	records := []model.Record{
		model.BeginTxn{TxnID: 7},
		write(7, "stale", "x", 1),
		model.BeginTxn{TxnID: 7},
		write(7, "fresh", "y", 1),
		model.CommitTxn{TxnID: 7},
	}

	store := newTestStore()
	stats := Replay(store, records)

	assert.Equal(t, 1, stats.Committed)
	_, ok := store.Get("stale")
	assert.False(t, ok)
	_, ok = store.Get("fresh")
	assert.True(t, ok)
}

func TestReplay_IgnoresRecordsWithoutBegin(t *testing.T) {
	records := []model.Record{
		write(4, "k", "v", 1),
		model.CommitTxn{TxnID: 4},
		model.CommitTxn{TxnID: 9},
	}

	store := newTestStore()
	stats := Replay(store, records)

	assert.Equal(t, 0, stats.Committed)
	assert.Equal(t, 3, stats.Orphans)
	assert.Equal(t, uint64(9), stats.MaxTxnID)
	assert.Equal(t, 0, store.Len())
}
