package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBatch_ApplyAndRelease(t *testing.T) {
	s := newTestStore(t)
	s.Put("a", []byte("0"))

	b := s.Latch([]string{"b", "a", "a"})
	assert.Equal(t, uint64(1), b.Version("a"))
	assert.Equal(t, uint64(0), b.Version("b"))

	installed := b.Apply(map[string][]byte{"a": []byte("1"), "b": []byte("1")})
	assert.Equal(t, map[string]uint64{"a": 2, "b": 1}, installed)
	assert.Equal(t, 2, b.Applied())
	b.Release()
	b.Release()

	// one batch advances the sequence once
	assert.Equal(t, uint64(2), s.CommitSeq())
	assert.Equal(t, uint64(2), s.Version("a"))
}

func TestBatch_ShardsSortedAndUnique(t *testing.T) {
	s := newTestStore(t)
	b := s.Latch([]string{"x", "y", "z", "x", "w"})
	defer b.Release()

	shards := b.Shards()
	for i := 1; i < len(shards); i++ {
		assert.Less(t, shards[i-1], shards[i])
	}
}

func TestBatch_PanicsOutsideLatch(t *testing.T) {
	s := NewStore(&Config{NumShards: 64}, zap.NewNop())
	var other string
	for _, k := range []string{"b", "c", "d", "e", "f", "g", "h"} {
		if s.ShardOf(k) != s.ShardOf("a") {
			other = k
			break
		}
	}
	require.NotEmpty(t, other)

	b := s.Latch([]string{"a"})
	defer b.Release()
	assert.Panics(t, func() { b.Version(other) })
}

func TestBatch_BlocksOverlappingWriters(t *testing.T) {
	s := newTestStore(t)
	b := s.Latch([]string{"k"})

	done := make(chan struct{})
	go func() {
		s.Put("k", []byte("later"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("put completed while the shard was latched")
	case <-time.After(50 * time.Millisecond):
	}

	b.Apply(map[string][]byte{"k": []byte("first")})
	b.Release()
	<-done

	assert.Equal(t, uint64(2), s.Version("k"))
}

func TestBatch_ConcurrentDisjointAndOverlapping(t *testing.T) {
	s := newTestStore(t)
	keys := []string{"a", "b", "c", "d", "e", "f"}

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				set := []string{keys[w], keys[(w+1)%len(keys)]}
				b := s.Latch(set)
				b.Apply(map[string][]byte{set[0]: nil, set[1]: nil})
				b.Release()
			}
		}(w)
	}
	wg.Wait()

	for _, k := range keys {
		assert.Equal(t, uint64(100), s.Version(k), k)
	}
	assert.Equal(t, uint64(300), s.CommitSeq())
}

func TestBatch_SnapshotsDoNotWaitForLatch(t *testing.T) {
	s := newTestStore(t)
	s.Put("k", []byte("v1"))

	b := s.Latch([]string{"k"})
	defer b.Release()

	done := make(chan struct{})
	go func() {
		entries, seq := s.Export()
		assert.Equal(t, []byte("v1"), entries["k"].Value)
		assert.Equal(t, uint64(1), seq)
		x := s.CloneIndex()
		assert.Equal(t, uint64(1), x.CommitSeq())
		_, _ = s.Get("k")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("export blocked behind a held commit latch")
	}
}

func TestBatch_ApplyIsAtomicForExport(t *testing.T) {
	s := NewStore(&Config{NumShards: 8}, zap.NewNop())
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			b := s.Latch(keys)
			writes := make(map[string][]byte, len(keys))
			for _, k := range keys {
				writes[k] = nil
			}
			b.Apply(writes)
			b.Release()
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		entries, seq := s.Export()
		for _, k := range keys {
			require.Equal(t, seq, entries[k].Version, "export saw a partial apply")
		}
	}
}

func TestStore_BarrierWaitsForHeldBatches(t *testing.T) {
	s := newTestStore(t)
	b := s.Latch([]string{"k"})

	done := make(chan struct{})
	go func() {
		s.Barrier()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("barrier returned while a batch was held")
	case <-time.After(50 * time.Millisecond):
	}

	b.Apply(map[string][]byte{"k": []byte("v")})
	b.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("barrier did not return after release")
	}
}
