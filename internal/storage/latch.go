package storage

import (
	"fmt"
	"sort"

	"github.com/devrev/pairdb/txnstore/internal/model"
)

// Batch holds the commit latches of the shards owning a set of keys. While a
// Batch is held no other writer can change those shards, so versions read
// through it stay valid until Apply. Readers, exports and clones are not
// latched out; they only wait for the short data lock taken inside Apply.
type Batch struct {
	store    *Store
	shards   []int
	held     []bool
	applied  int
	released bool
}

// Latch takes the commit latch of every shard that owns one of keys, in
// ascending shard order. Two batches never deadlock because they acquire in
// the same order.
func (s *Store) Latch(keys []string) *Batch {
	held := make([]bool, len(s.shards))
	shards := make([]int, 0, len(keys))
	for _, k := range keys {
		i := s.ShardOf(k)
		if !held[i] {
			held[i] = true
			shards = append(shards, i)
		}
	}
	sort.Ints(shards)

	for _, i := range shards {
		s.shards[i].latch.Lock()
	}
	return &Batch{store: s, shards: shards, held: held}
}

// Barrier waits until every batch latched before the call has been released.
// It takes and drops each commit latch in ascending order.
func (s *Store) Barrier() {
	for _, sh := range s.shards {
		sh.latch.Lock()
	}
	for i := len(s.shards) - 1; i >= 0; i-- {
		s.shards[i].latch.Unlock()
	}
}

// Shards returns the latched shard indexes in acquisition order
func (b *Batch) Shards() []int {
	return b.shards
}

func (b *Batch) shardFor(key string) *shard {
	i := b.store.ShardOf(key)
	if b.released || !b.held[i] {
		panic(fmt.Sprintf("storage: key %q accessed outside its latch", key))
	}
	return b.store.shards[i]
}

// Get returns the live entry for a latched key
func (b *Batch) Get(key string) (model.VersionedEntry, bool) {
	sh := b.shardFor(key)
	sh.mu.RLock()
	it, ok := sh.tree.Get(item{key: key})
	sh.mu.RUnlock()
	return it.entry, ok
}

// Version returns the live version of a latched key
func (b *Batch) Version(key string) uint64 {
	e, _ := b.Get(key)
	return e.Version
}

// Apply installs every write at its key's next version and advances the
// commit sequence once. All latched shards are write-locked for the
// duration, so a concurrent export or clone sees either none or all of the
// writes. It returns the installed version of each key.
func (b *Batch) Apply(writes map[string][]byte) map[string]uint64 {
	installed := make(map[string]uint64, len(writes))
	if len(writes) == 0 {
		return installed
	}
	for key := range writes {
		b.shardFor(key)
	}

	for _, i := range b.shards {
		b.store.shards[i].mu.Lock()
	}
	for key, value := range writes {
		sh := b.store.shards[b.store.ShardOf(key)]
		installed[key] = put(sh.tree, key, value)
	}
	b.store.seq.Add(1)
	for i := len(b.shards) - 1; i >= 0; i-- {
		b.store.shards[b.shards[i]].mu.Unlock()
	}

	b.applied += len(writes)
	return installed
}

// Applied returns the number of keys applied through the batch
func (b *Batch) Applied() int {
	return b.applied
}

// Release drops the latches. Calling Release more than once is a no-op.
func (b *Batch) Release() {
	if b.released {
		return
	}
	b.released = true
	for i := len(b.shards) - 1; i >= 0; i-- {
		b.store.shards[b.shards[i]].latch.Unlock()
	}
}
