package recovery

import (
	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/storage"
)

// ReplayStats counts what a replay did
type ReplayStats struct {
	Records   int    `json:"records"`
	Committed int    `json:"committed"`
	Discarded int    `json:"discarded"`
	Orphans   int    `json:"orphans"`
	MaxTxnID  uint64 `json:"max_txn_id"`
}

// replayer applies a record stream to storage. Writes are buffered per
// transaction and only reach storage when the transaction's CommitTxn is seen.
type replayer struct {
	store   *storage.Store
	pending map[uint64][]model.Write
	stats   ReplayStats
}

func newReplayer(store *storage.Store) *replayer {
	return &replayer{store: store, pending: make(map[uint64][]model.Write)}
}

func (r *replayer) apply(rec model.Record) {
	r.stats.Records++
	id := rec.Txn()
	if id > r.stats.MaxTxnID {
		r.stats.MaxTxnID = id
	}

	switch rec := rec.(type) {
	case model.BeginTxn:
		// a repeated begin starts the transaction over
		r.pending[id] = r.pending[id][:0]
	case model.Write:
		buf, ok := r.pending[id]
		if !ok {
			r.stats.Orphans++
			return
		}
		r.pending[id] = append(buf, rec)
	case model.CommitTxn:
		buf, ok := r.pending[id]
		if !ok {
			r.stats.Orphans++
			return
		}
		for _, w := range buf {
			r.store.Restore(w.Key, w.Value, w.Version)
		}
		delete(r.pending, id)
		r.stats.Committed++
	}
}

// finish discards every transaction that never committed
func (r *replayer) finish() ReplayStats {
	r.stats.Discarded = len(r.pending)
	r.pending = make(map[uint64][]model.Write)
	return r.stats
}

// Replay applies the committed transactions in records to store, in log
// order. Every write installs its logged version exactly, so replaying the
// same records again leaves the store unchanged.
func Replay(store *storage.Store, records []model.Record) ReplayStats {
	r := newReplayer(store)
	for _, rec := range records {
		r.apply(rec)
	}
	return r.finish()
}
