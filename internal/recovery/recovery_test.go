package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/txnstore/internal/errors"
	"github.com/devrev/pairdb/txnstore/internal/metrics"
	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/storage"
	"github.com/devrev/pairdb/txnstore/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	walDir      string
	checkpoints *storage.CheckpointManager
	recovery    *Recovery
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")
	require.NoError(t, os.MkdirAll(walDir, 0755))

	ckpt, err := storage.NewCheckpointManager(filepath.Join(root, "checkpoints"), zap.NewNop())
	require.NoError(t, err)

	return &testEnv{
		walDir:      walDir,
		checkpoints: ckpt,
		recovery:    NewRecovery(&Config{WALDir: walDir, Parallelism: 2}, ckpt, metrics.NewMetrics("test"), zap.NewNop()),
	}
}

func (e *testEnv) writeSegment(t *testing.T, index uint64, records ...model.Record) string {
	t.Helper()
	path := wal.SegmentPath(e.walDir, index)
	require.NoError(t, os.WriteFile(path, wal.EncodeBatch(records), 0644))
	return path
}

func appendBytes(t *testing.T, path string, b []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write(b)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestRecovery_EmptyDirectory(t *testing.T) {
	env := newTestEnv(t)
	store := newTestStore()

	stats, err := env.recovery.Run(context.Background(), store)
	require.NoError(t, err)
	assert.False(t, stats.CheckpointLoaded)
	assert.Equal(t, 0, stats.Segments)
	assert.Equal(t, 0, stats.Committed)
	assert.Equal(t, 0, store.Len())
}

func TestRecovery_CrashBeforeAndAfterCommitTxn(t *testing.T) {
	env := newTestEnv(t)

	var records []model.Record
	records = append(records, committed(1, write(1, "k", "committed", 1))...)
	// crashed after its writes were logged but before CommitTxn
	records = append(records, model.BeginTxn{TxnID: 2}, write(2, "k", "lost", 2), write(2, "other", "lost", 1))
	env.writeSegment(t, 1, records...)

	store := newTestStore()
	stats, err := env.recovery.Run(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Committed)
	assert.Equal(t, 1, stats.Discarded)
	assert.Equal(t, uint64(2), stats.MaxTxnID)
	assert.Equal(t, uint64(1), stats.CommitSeq)

	e, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("committed"), e.Value)
	assert.Equal(t, uint64(1), e.Version)
	_, ok = store.Get("other")
	assert.False(t, ok)
}

func TestRecovery_TornTailIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	env.writeSegment(t, 1, committed(1, write(1, "a", "1", 1))...)
	path := env.writeSegment(t, 2, committed(2, write(2, "b", "1", 1))...)

	torn := wal.EncodeBatch(committed(3, write(3, "c", "1", 1)))
	appendBytes(t, path, torn[:len(torn)-3])
	// an empty segment created by a later open does not move the tail
	env.writeSegment(t, 3)

	store := newTestStore()
	stats, err := env.recovery.Run(context.Background(), store)
	require.NoError(t, err)

	assert.True(t, stats.TornTail)
	assert.Equal(t, 3, stats.Segments)
	assert.Equal(t, 2, stats.Committed)
	_, ok := store.Get("c")
	assert.False(t, ok)
}

func TestRecovery_CorruptionBeforeTailFails(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeSegment(t, 1, committed(1, write(1, "a", "1", 1))...)
	appendBytes(t, path, []byte{0, 0, 0, 9, 'g', 'a', 'r'})
	env.writeSegment(t, 2, committed(2, write(2, "b", "1", 1))...)

	_, err := env.recovery.Run(context.Background(), newTestStore())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRecoveryCorruption, errors.GetCode(err))
}

func TestRecovery_ChecksumMismatchBeforeTailFails(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeSegment(t, 1, committed(1, write(1, "a", "1", 1))...)
	env.writeSegment(t, 2, committed(2, write(2, "b", "1", 1))...)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[6] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = env.recovery.Run(context.Background(), newTestStore())
	assert.Equal(t, errors.ErrCodeRecoveryCorruption, errors.GetCode(err))
}

func TestRecovery_CheckpointThenOverlappingSegment(t *testing.T) {
	env := newTestEnv(t)

	// state at checkpoint time: a@2, b@1, with txns 1-3 already applied
	live := newTestStore()
	Replay(live, committed(1, write(1, "a", "a1", 1)))
	Replay(live, committed(2, write(2, "a", "a2", 2)))
	Replay(live, committed(3, write(3, "b", "b1", 1)))
	live.AdvanceCommitSeq(3)
	_, err := env.checkpoints.Save(live, 2)
	require.NoError(t, err)

	// segment 1 predates the checkpoint; segment 2 repeats txn 3 and adds txn 4
	env.writeSegment(t, 1, committed(1, write(1, "a", "ignored", 1))...)
	var seg2 []model.Record
	seg2 = append(seg2, committed(3, write(3, "b", "b1", 1))...)
	seg2 = append(seg2, committed(4, write(4, "a", "a3", 3))...)
	env.writeSegment(t, 2, seg2...)

	store := newTestStore()
	stats, err := env.recovery.Run(context.Background(), store)
	require.NoError(t, err)

	assert.True(t, stats.CheckpointLoaded)
	assert.Equal(t, uint64(2), stats.CheckpointSegment)
	assert.Equal(t, 1, stats.Segments)
	assert.Equal(t, 2, stats.Committed)
	assert.Equal(t, uint64(4), stats.MaxTxnID)
	assert.GreaterOrEqual(t, stats.CommitSeq, uint64(4))

	a, _ := store.Get("a")
	assert.Equal(t, model.VersionedEntry{Value: []byte("a3"), Version: 3}, a)
	b, _ := store.Get("b")
	assert.Equal(t, model.VersionedEntry{Value: []byte("b1"), Version: 1}, b)
}

func TestRecovery_CanceledContext(t *testing.T) {
	env := newTestEnv(t)
	env.writeSegment(t, 1, committed(1, write(1, "a", "1", 1))...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.recovery.Run(ctx, newTestStore())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRecovery_DamagedTailWithLaterCommitsFails(t *testing.T) {
	env := newTestEnv(t)
	var records []model.Record
	for id := uint64(1); id <= 3; id++ {
		records = append(records, committed(id, write(id, string(rune('a'+id-1)), "1", 1))...)
	}
	path := env.writeSegment(t, 1, records...)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[6] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = env.recovery.Run(context.Background(), newTestStore())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRecoveryCorruption, errors.GetCode(err))
	assert.ErrorIs(t, err, wal.ErrDamagedSegment)
}
