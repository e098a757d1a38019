package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/metrics"
	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/util"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed log
var ErrClosed = errors.New("wal is closed")

// DiskChecker is consulted before every append
type DiskChecker interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// Config holds WAL configuration
type Config struct {
	Dir         string
	SegmentSize int64
	// MaxAge rotates a non-empty segment after this long. Zero disables it.
	MaxAge     time.Duration
	SyncWrites bool
	// OpenFile creates a new segment for appending. Nil uses the filesystem.
	OpenFile func(path string) (SegmentFile, error)
}

// SegmentFile is the subset of *os.File the log writes through
type SegmentFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Log is a segmented write-ahead log. Each Append writes one batch of framed
// records with a single write and, when SyncWrites is set, one fsync.
type Log struct {
	config   *Config
	logger   *zap.Logger
	disk     DiskChecker
	metrics  *metrics.Metrics
	openFile func(path string) (SegmentFile, error)

	mu            sync.Mutex
	file          SegmentFile
	segment       uint64
	segmentSize   int64
	segmentOpened time.Time
	liveSegments  int
	liveBytes     int64
	appends       uint64
	broken        error
	closed        bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Stats describes the log
type Stats struct {
	Segment  uint64 `json:"segment"`
	Segments int    `json:"segments"`
	Bytes    int64  `json:"bytes"`
	Appends  uint64 `json:"appends"`
	Broken   bool   `json:"broken"`
}

// Open opens the log in cfg.Dir. A partial record at the end of the newest
// segment is cut off, then a fresh segment is started for new appends.
// Existing records must have been replayed before calling Open.
func Open(cfg *Config, disk DiskChecker, m *metrics.Metrics, logger *zap.Logger) (*Log, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	l := &Log{
		config:   cfg,
		logger:   logger,
		disk:     disk,
		metrics:  m,
		openFile: cfg.OpenFile,
		stopChan: make(chan struct{}),
	}
	if l.openFile == nil {
		l.openFile = openSegmentFile
	}

	segs, err := ListSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if tail := TailSegment(segs); tail >= 0 {
		cut, err := RepairTail(segs[tail])
		if err != nil {
			return nil, fmt.Errorf("failed to repair WAL tail: %w", err)
		}
		if cut > 0 {
			segs[tail].Size -= cut
			logger.Warn("Truncated partial record at WAL tail",
				zap.String("segment", segs[tail].Path),
				zap.Int64("bytes", cut))
		}
	}
	for _, s := range segs {
		l.liveBytes += s.Size
		l.segment = s.Index
	}
	l.liveSegments = len(segs)

	l.mu.Lock()
	err = l.rotateLocked()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if cfg.MaxAge > 0 {
		l.wg.Add(1)
		go l.rotationChecker()
	}

	logger.Info("WAL opened",
		zap.String("dir", cfg.Dir),
		zap.Uint64("segment", l.segment),
		zap.Int("segments", l.liveSegments),
		zap.Bool("sync_writes", cfg.SyncWrites))

	return l, nil
}

func openSegmentFile(path string) (SegmentFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// TailSegment returns the position of the last non-empty segment, or -1
func TailSegment(segs []SegmentInfo) int {
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i].Size > 0 {
			return i
		}
	}
	return -1
}

// Append durably writes one transaction's records. On error nothing from
// this call remains in the log: a failed write is truncated away, and if
// that is impossible the log refuses every later append.
func (l *Log) Append(ctx context.Context, records []model.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := EncodeBatch(records)
	start := time.Now()

	l.mu.Lock()
	err := l.appendLocked(buf)
	segments, bytes := l.liveSegments, l.liveBytes
	l.mu.Unlock()

	l.metrics.RecordWALAppend(len(buf), time.Since(start), err)
	l.metrics.UpdateWALStats(segments, bytes)
	return err
}

func (l *Log) appendLocked(buf []byte) error {
	if l.closed {
		return ErrClosed
	}
	if l.broken != nil {
		return fmt.Errorf("wal unusable after earlier failure: %w", l.broken)
	}
	if l.disk != nil {
		if err := l.disk.CheckBeforeWrite(uint64(len(buf))); err != nil {
			return err
		}
	}

	if l.config.SegmentSize > 0 && l.segmentSize > 0 && l.segmentSize+int64(len(buf)) > l.config.SegmentSize {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}

	if _, err := l.file.Write(buf); err != nil {
		l.rollbackLocked(err)
		return fmt.Errorf("failed to write to WAL: %w", err)
	}

	if l.config.SyncWrites {
		if err := l.file.Sync(); err != nil {
			// The batch is reported as failed, so it must not be replayed
			// after a restart either.
			l.logger.Error("WAL fsync failed",
				zap.Uint64("segment", l.segment),
				zap.Error(err))
			l.rollbackLocked(err)
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	l.segmentSize += int64(len(buf))
	l.liveBytes += int64(len(buf))
	l.appends++
	return nil
}

// rollbackLocked cuts the segment back to the end of the last successful
// append and syncs the result. If either step fails the log is marked broken.
func (l *Log) rollbackLocked(cause error) {
	err := l.file.Truncate(l.segmentSize)
	if err == nil {
		err = l.file.Sync()
	}
	if err != nil {
		l.broken = fmt.Errorf("failed to discard batch after %v: %w", cause, err)
		l.logger.Error("WAL could not discard a partial write, log is now read-only",
			zap.Uint64("segment", l.segment),
			zap.Int64("offset", l.segmentSize),
			zap.Error(err))
		return
	}
	l.logger.Warn("Discarded failed WAL write",
		zap.Uint64("segment", l.segment),
		zap.Int64("offset", l.segmentSize),
		zap.Error(cause))
}

// Rotate closes the current segment and starts a new one. It returns the
// index of the new segment; every later append lands at or after it.
func (l *Log) Rotate() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if err := l.rotateLocked(); err != nil {
		return 0, err
	}
	return l.segment, nil
}

func (l *Log) rotateLocked() error {
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			l.broken = fmt.Errorf("fsync on rotation failed: %w", err)
			return fmt.Errorf("failed to sync WAL segment: %w", err)
		}
		if err := l.file.Close(); err != nil {
			l.logger.Warn("Failed to close WAL segment", zap.Uint64("segment", l.segment), zap.Error(err))
		}
		l.file = nil
	}

	next := l.segment + 1
	path := SegmentPath(l.config.Dir, next)
	f, err := l.openFile(path)
	if err != nil {
		l.broken = fmt.Errorf("failed to open segment %d: %w", next, err)
		return fmt.Errorf("failed to open WAL segment: %w", err)
	}
	if err := util.SyncDir(l.config.Dir); err != nil {
		f.Close()
		l.broken = err
		return err
	}

	l.file = f
	l.segment = next
	l.segmentSize = 0
	l.segmentOpened = time.Now()
	l.liveSegments++

	l.logger.Info("Opened new WAL segment", zap.String("path", path))
	return nil
}

// TruncateBefore deletes every segment with an index lower than index.
// The active segment is never removed.
func (l *Log) TruncateBefore(index uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segs, err := ListSegments(l.config.Dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, s := range segs {
		if s.Index >= index || s.Index == l.segment {
			continue
		}
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove WAL segment %s: %w", s.Path, err)
		}
		l.liveBytes -= s.Size
		l.liveSegments--
		removed++
	}
	if removed > 0 {
		if err := util.SyncDir(l.config.Dir); err != nil {
			return removed, err
		}
		l.logger.Info("Truncated WAL",
			zap.Uint64("before_segment", index),
			zap.Int("removed", removed))
	}
	l.metrics.UpdateWALStats(l.liveSegments, l.liveBytes)
	return removed, nil
}

// rotationChecker periodically rotates segments that have been open too long
func (l *Log) rotationChecker() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.MaxAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.checkRotation()
		case <-l.stopChan:
			return
		}
	}
}

func (l *Log) checkRotation() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.broken != nil || l.segmentSize == 0 {
		return
	}
	if time.Since(l.segmentOpened) < l.config.MaxAge {
		return
	}

	l.logger.Info("Rotating WAL due to age",
		zap.Uint64("segment", l.segment),
		zap.Duration("max_age", l.config.MaxAge))

	if err := l.rotateLocked(); err != nil {
		l.logger.Error("Failed to rotate WAL", zap.Error(err))
	}
}

// Err returns the failure that made the log unusable, if any
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.broken
}

// Stats returns current log statistics
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Segment:  l.segment,
		Segments: l.liveSegments,
		Bytes:    l.liveBytes,
		Appends:  l.appends,
		Broken:   l.broken != nil,
	}
}

// Close stops background rotation and closes the active segment
func (l *Log) Close() error {
	l.stopOnce.Do(func() { close(l.stopChan) })
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.file == nil {
		return nil
	}
	var err error
	if l.broken == nil {
		err = l.file.Sync()
	}
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	return err
}
