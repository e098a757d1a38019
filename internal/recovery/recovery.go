package recovery

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/errors"
	"github.com/devrev/pairdb/txnstore/internal/metrics"
	"github.com/devrev/pairdb/txnstore/internal/storage"
	"github.com/devrev/pairdb/txnstore/internal/wal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds recovery configuration
type Config struct {
	WALDir string
	// Parallelism bounds concurrent segment decoding. Zero means GOMAXPROCS.
	Parallelism int
}

// Stats describes a completed recovery
type Stats struct {
	CheckpointLoaded  bool   `json:"checkpoint_loaded"`
	CheckpointSegment uint64 `json:"checkpoint_segment"`
	CheckpointEntries int    `json:"checkpoint_entries"`
	Segments          int    `json:"segments"`
	TornTail          bool   `json:"torn_tail"`
	ReplayStats
	CommitSeq uint64        `json:"commit_seq"`
	Duration  time.Duration `json:"duration"`
}

// Recovery rebuilds storage from the newest checkpoint and the WAL
type Recovery struct {
	config      *Config
	checkpoints *storage.CheckpointManager
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewRecovery creates a recovery runner
func NewRecovery(cfg *Config, checkpoints *storage.CheckpointManager, m *metrics.Metrics, logger *zap.Logger) *Recovery {
	return &Recovery{
		config:      cfg,
		checkpoints: checkpoints,
		metrics:     m,
		logger:      logger,
	}
}

// Run loads the newest checkpoint into store, which must be empty, then
// replays every WAL segment the checkpoint does not cover.
//
// A damaged record at the end of the newest non-empty segment, with nothing
// readable after it, is the remainder of an append interrupted by a crash;
// decoding stops there and the transaction it belonged to is discarded.
// Damage anywhere else, or damage followed by intact records, means
// committed history is unreadable and Run fails with a RecoveryCorruption
// error.
func (r *Recovery) Run(ctx context.Context, store *storage.Store) (*Stats, error) {
	start := time.Now()
	stats := &Stats{}

	var firstSegment uint64
	if r.checkpoints != nil {
		info, found, err := r.checkpoints.LoadLatest(store)
		if err != nil {
			return nil, err
		}
		if found {
			stats.CheckpointLoaded = true
			stats.CheckpointSegment = info.Segment
			stats.CheckpointEntries = info.Entries
			firstSegment = info.Segment
		}
	}
	baseSeq := store.CommitSeq()

	all, err := wal.ListSegments(r.config.WALDir)
	if err != nil {
		return nil, err
	}
	var infos []wal.SegmentInfo
	for _, s := range all {
		if s.Index >= firstSegment {
			infos = append(infos, s)
		}
	}
	stats.Segments = len(infos)

	segments, err := r.decode(ctx, infos)
	if err != nil {
		return nil, err
	}

	tail := wal.TailSegment(infos)
	for i, seg := range segments {
		if !seg.Torn() {
			continue
		}
		if i != tail || seg.Damaged() {
			r.logger.Error("Unreadable record before the end of the WAL",
				zap.String("segment", seg.Info.Path),
				zap.Int64("offset", seg.ValidBytes),
				zap.Int64("next_record", seg.ResumeOffset),
				zap.Error(seg.TailErr))
			cause := seg.TailErr
			if seg.Damaged() {
				cause = fmt.Errorf("%w: %v", wal.ErrDamagedSegment, seg.TailErr)
			}
			return nil, errors.RecoveryCorruption(seg.Info.Path, seg.ValidBytes, cause)
		}
		stats.TornTail = true
		r.logger.Warn("Discarding partial record at WAL tail",
			zap.String("segment", seg.Info.Path),
			zap.Int64("offset", seg.ValidBytes),
			zap.Int64("bytes", seg.Info.Size-seg.ValidBytes),
			zap.Error(seg.TailErr))
	}

	rp := newReplayer(store)
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, rec := range seg.Records {
			rp.apply(rec)
		}
	}
	stats.ReplayStats = rp.finish()

	// One sequence step per replayed commit keeps later snapshots ahead of
	// every version the log produced.
	store.AdvanceCommitSeq(baseSeq + uint64(stats.Committed))
	stats.CommitSeq = store.CommitSeq()
	stats.Duration = time.Since(start)

	if r.metrics != nil {
		r.metrics.RecordRecovery(stats.Committed, stats.Discarded, stats.Duration)
		r.metrics.UpdateStorageStats(store.Len(), stats.CommitSeq)
	}

	r.logger.Info("Recovery completed",
		zap.Bool("checkpoint", stats.CheckpointLoaded),
		zap.Uint64("checkpoint_segment", stats.CheckpointSegment),
		zap.Int("segments", stats.Segments),
		zap.Int("records", stats.Records),
		zap.Int("committed", stats.Committed),
		zap.Int("discarded", stats.Discarded),
		zap.Bool("torn_tail", stats.TornTail),
		zap.Uint64("max_txn_id", stats.MaxTxnID),
		zap.Uint64("commit_seq", stats.CommitSeq),
		zap.Duration("duration", stats.Duration))

	return stats, nil
}

// decode reads segments concurrently; results keep the order of infos
func (r *Recovery) decode(ctx context.Context, infos []wal.SegmentInfo) ([]*wal.Segment, error) {
	limit := r.config.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	segments := make([]*wal.Segment, len(infos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, info := range infos {
		i, info := i, info
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			seg, err := wal.ReadSegment(info)
			if err != nil {
				return err
			}
			segments[i] = seg
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return segments, nil
}
