package storage

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/google/btree"
	"go.uber.org/zap"
)

const (
	defaultNumShards = 16
	defaultDegree    = 32
)

// item is the unit stored in a shard's btree. Items are never mutated after
// insertion, so cloned trees can share them safely.
type item struct {
	key   string
	entry model.VersionedEntry
}

func itemLess(a, b item) bool {
	return a.key < b.key
}

// shard has two locks. latch serializes writers from validation until
// their apply is done; mu guards the tree itself and is held only briefly.
// A goroutine holding mu never waits for a latch.
type shard struct {
	latch sync.Mutex
	mu    sync.RWMutex
	tree  *btree.BTreeG[item]
}

// Config holds storage configuration
type Config struct {
	// NumShards is rounded up to a power of two
	NumShards int
	// Degree is the btree degree of every shard
	Degree int
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		NumShards: defaultNumShards,
		Degree:    defaultDegree,
	}
}

// Store is a sharded map from key to versioned value. Every shard is an
// ordered btree guarded by its own RWMutex. The store also keeps a global
// commit sequence that advances once per applied batch.
type Store struct {
	config *Config
	shards []*shard
	mask   uint32
	seq    atomic.Uint64
	logger *zap.Logger
}

// NewStore creates an empty store
func NewStore(cfg *Config, logger *zap.Logger) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	n := cfg.NumShards
	if n <= 0 {
		n = defaultNumShards
	}
	// Round up to a power of two so shard selection is a mask
	size := 1
	for size < n {
		size <<= 1
	}
	degree := cfg.Degree
	if degree < 2 {
		degree = defaultDegree
	}

	s := &Store{
		config: cfg,
		shards: make([]*shard, size),
		mask:   uint32(size - 1),
		logger: logger,
	}
	for i := range s.shards {
		s.shards[i] = &shard{tree: btree.NewG[item](degree, itemLess)}
	}

	logger.Debug("Storage initialized",
		zap.Int("shards", size),
		zap.Int("degree", degree))

	return s
}

// NumShards returns the number of shards
func (s *Store) NumShards() int {
	return len(s.shards)
}

// ShardOf returns the index of the shard that owns key
func (s *Store) ShardOf(key string) int {
	// FNV-1a, 32 bit
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return int(h & s.mask)
}

// Get returns the live entry for key. A missing key returns a zero entry and false.
func (s *Store) Get(key string) (model.VersionedEntry, bool) {
	sh := s.shards[s.ShardOf(key)]
	sh.mu.RLock()
	it, ok := sh.tree.Get(item{key: key})
	sh.mu.RUnlock()
	return it.entry, ok
}

// Version returns the live version of key, 0 if it was never written
func (s *Store) Version(key string) uint64 {
	e, _ := s.Get(key)
	return e.Version
}

// Put installs value at the key's next version and returns that version
func (s *Store) Put(key string, value []byte) uint64 {
	sh := s.shards[s.ShardOf(key)]
	sh.latch.Lock()
	defer sh.latch.Unlock()
	sh.mu.Lock()
	v := put(sh.tree, key, value)
	s.seq.Add(1)
	sh.mu.Unlock()
	return v
}

// CompareAndSet installs value only if the key's live version equals expected.
// Expected 0 means the key must not exist. It returns the new version on
// success, or the live version and false on mismatch.
func (s *Store) CompareAndSet(key string, expected uint64, value []byte) (uint64, bool) {
	sh := s.shards[s.ShardOf(key)]
	sh.latch.Lock()
	defer sh.latch.Unlock()
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, _ := sh.tree.Get(item{key: key})
	if cur.entry.Version != expected {
		return cur.entry.Version, false
	}
	v := put(sh.tree, key, value)
	s.seq.Add(1)
	return v, true
}

// Restore sets key to exactly (value, version). Used by WAL replay and
// checkpoint load; applying the same record twice leaves the same state.
func (s *Store) Restore(key string, value []byte, version uint64) {
	sh := s.shards[s.ShardOf(key)]
	sh.mu.Lock()
	sh.tree.ReplaceOrInsert(item{
		key:   key,
		entry: model.VersionedEntry{Value: cloneBytes(value), Version: version},
	})
	sh.mu.Unlock()
}

// CommitSeq returns the global commit sequence
func (s *Store) CommitSeq() uint64 {
	return s.seq.Load()
}

// AdvanceCommitSeq raises the commit sequence to at least v
func (s *Store) AdvanceCommitSeq(v uint64) {
	for {
		cur := s.seq.Load()
		if cur >= v || s.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Len returns the number of keys
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += sh.tree.Len()
		sh.mu.RUnlock()
	}
	return n
}

// Export returns a deep copy of every entry, consistent with the returned
// commit sequence. All shards are read-locked together for the copy.
func (s *Store) Export() (map[string]model.VersionedEntry, uint64) {
	s.rlockAll()
	defer s.runlockAll()

	size := 0
	for _, sh := range s.shards {
		size += sh.tree.Len()
	}
	out := make(map[string]model.VersionedEntry, size)
	for _, sh := range s.shards {
		sh.tree.Ascend(func(it item) bool {
			out[it.key] = model.VersionedEntry{
				Value:   cloneBytes(it.entry.Value),
				Version: it.entry.Version,
			}
			return true
		})
	}
	return out, s.seq.Load()
}

// CloneIndex returns a copy-on-write view of the whole store. The cost is
// proportional to the number of shards, not the number of keys.
func (s *Store) CloneIndex() *Index {
	// btree Clone mutates the source tree's copy-on-write context, so it
	// needs exclusive access to each shard.
	for _, sh := range s.shards {
		sh.mu.Lock()
	}
	x := &Index{
		trees: make([]*btree.BTreeG[item], len(s.shards)),
		store: s,
		seq:   s.seq.Load(),
	}
	for i, sh := range s.shards {
		x.trees[i] = sh.tree.Clone()
	}
	for i := len(s.shards) - 1; i >= 0; i-- {
		s.shards[i].mu.Unlock()
	}
	return x
}

func (s *Store) rlockAll() {
	for _, sh := range s.shards {
		sh.mu.RLock()
	}
}

func (s *Store) runlockAll() {
	for i := len(s.shards) - 1; i >= 0; i-- {
		s.shards[i].mu.RUnlock()
	}
}

// Index is an immutable point-in-time view produced by CloneIndex
type Index struct {
	trees []*btree.BTreeG[item]
	store *Store
	seq   uint64
}

// Get returns the entry for key as of the clone
func (x *Index) Get(key string) (model.VersionedEntry, bool) {
	it, ok := x.trees[x.store.ShardOf(key)].Get(item{key: key})
	return it.entry, ok
}

// CommitSeq returns the commit sequence the view corresponds to
func (x *Index) CommitSeq() uint64 {
	return x.seq
}

// Len returns the number of keys in the view
func (x *Index) Len() int {
	n := 0
	for _, t := range x.trees {
		n += t.Len()
	}
	return n
}

// Ascend visits entries shard by shard, in key order within a shard.
// Returned values are shared with the store and must not be modified.
func (x *Index) Ascend(fn func(key string, e model.VersionedEntry) bool) {
	for _, t := range x.trees {
		stopped := false
		t.Ascend(func(it item) bool {
			if !fn(it.key, it.entry) {
				stopped = true
				return false
			}
			return true
		})
		if stopped {
			return
		}
	}
}

// Keys returns every key of the view in sorted order
func (x *Index) Keys() []string {
	keys := make([]string, 0, x.Len())
	x.Ascend(func(key string, _ model.VersionedEntry) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

func put(tree *btree.BTreeG[item], key string, value []byte) uint64 {
	cur, _ := tree.Get(item{key: key})
	v := cur.entry.Version + 1
	tree.ReplaceOrInsert(item{
		key:   key,
		entry: model.VersionedEntry{Value: cloneBytes(value), Version: v},
	})
	return v
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
