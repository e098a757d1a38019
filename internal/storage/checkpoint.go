package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/devrev/pairdb/txnstore/internal/errors"
	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/util"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	checkpointPrefix  = "checkpoint-"
	checkpointSuffix  = ".ckpt"
	checkpointFormat  = 1
	checkpointTmpName = ".checkpoint.tmp"
)

// Frame kinds inside a checkpoint file
const (
	frameHeader uint64 = 1
	frameEntry  uint64 = 2
	frameFooter uint64 = 3
)

// Field numbers of the protowire-encoded frames
const (
	fieldKind      protowire.Number = 1
	fieldKey       protowire.Number = 2
	fieldValue     protowire.Number = 3
	fieldVersion   protowire.Number = 4
	fieldCommitSeq protowire.Number = 5
	fieldSegment   protowire.Number = 6
	fieldFormat    protowire.Number = 7
	fieldCount     protowire.Number = 8
)

// CheckpointInfo describes a checkpoint file. Segment is the first WAL
// segment that must be replayed on top of it.
type CheckpointInfo struct {
	Path      string `json:"path"`
	Segment   uint64 `json:"segment"`
	CommitSeq uint64 `json:"commit_seq"`
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
}

// CheckpointManager writes and loads full-store checkpoints
type CheckpointManager struct {
	dir    string
	logger *zap.Logger
}

// NewCheckpointManager creates a checkpoint manager rooted at dir
func NewCheckpointManager(dir string, logger *zap.Logger) (*CheckpointManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &CheckpointManager{dir: dir, logger: logger}, nil
}

// CheckpointPath returns the file name used for a checkpoint at segment
func (m *CheckpointManager) CheckpointPath(segment uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%020d%s", checkpointPrefix, segment, checkpointSuffix))
}

// Save writes a consistent image of store, replacing any file for the same
// segment atomically.
func (m *CheckpointManager) Save(store *Store, segment uint64) (*CheckpointInfo, error) {
	start := time.Now()
	tmp := filepath.Join(m.dir, checkpointTmpName)

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint file: %w", err)
	}

	w := bufio.NewWriterSize(f, 256*1024)
	info, err := store.WriteCheckpoint(w, segment)
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	path := m.CheckpointPath(segment)
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to install checkpoint: %w", err)
	}
	if err := util.SyncDir(m.dir); err != nil {
		return nil, err
	}
	info.Path = path

	m.logger.Info("Checkpoint written",
		zap.String("path", path),
		zap.Uint64("segment", segment),
		zap.Uint64("commit_seq", info.CommitSeq),
		zap.Int("entries", info.Entries),
		zap.Int64("bytes", info.Bytes),
		zap.Duration("duration", time.Since(start)))

	return info, nil
}

// List returns the checkpoints on disk, oldest first
func (m *CheckpointManager) List() ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint directory: %w", err)
	}

	var out []CheckpointInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		var seg uint64
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, checkpointPrefix), checkpointSuffix), "%d", &seg); err != nil {
			m.logger.Warn("Ignoring unrecognized checkpoint file", zap.String("file", name))
			continue
		}
		out = append(out, CheckpointInfo{Path: filepath.Join(m.dir, name), Segment: seg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Segment < out[j].Segment })
	return out, nil
}

// LoadLatest loads the newest checkpoint into store, which must be empty.
// It returns false when no checkpoint exists.
func (m *CheckpointManager) LoadLatest(store *Store) (*CheckpointInfo, bool, error) {
	list, err := m.List()
	if err != nil {
		return nil, false, err
	}
	if len(list) == 0 {
		return nil, false, nil
	}
	latest := list[len(list)-1]

	f, err := os.Open(latest.Path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	info, err := store.LoadCheckpoint(f)
	if err != nil {
		return nil, false, err
	}
	info.Path = latest.Path
	if info.Segment != latest.Segment {
		return nil, false, errors.CorruptedData(
			fmt.Sprintf("checkpoint %s records segment %d", latest.Path, info.Segment), nil)
	}

	m.logger.Info("Checkpoint loaded",
		zap.String("path", info.Path),
		zap.Uint64("segment", info.Segment),
		zap.Int("entries", info.Entries))

	return info, true, nil
}

// Prune removes checkpoints older than keepSegment
func (m *CheckpointManager) Prune(keepSegment uint64) (int, error) {
	list, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range list {
		if c.Segment >= keepSegment {
			continue
		}
		if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove checkpoint %s: %w", c.Path, err)
		}
		removed++
	}
	if removed > 0 {
		if err := util.SyncDir(m.dir); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// WriteCheckpoint streams a copy-on-write image of the store to w
func (s *Store) WriteCheckpoint(w io.Writer, segment uint64) (*CheckpointInfo, error) {
	x := s.CloneIndex()
	info := &CheckpointInfo{Segment: segment, CommitSeq: x.CommitSeq()}

	var buf, payload []byte
	flush := func() error {
		n, err := w.Write(buf)
		info.Bytes += int64(n)
		buf = buf[:0]
		return err
	}

	payload = protowire.AppendTag(payload[:0], fieldKind, protowire.VarintType)
	payload = protowire.AppendVarint(payload, frameHeader)
	payload = protowire.AppendTag(payload, fieldFormat, protowire.VarintType)
	payload = protowire.AppendVarint(payload, checkpointFormat)
	payload = protowire.AppendTag(payload, fieldCommitSeq, protowire.VarintType)
	payload = protowire.AppendVarint(payload, info.CommitSeq)
	payload = protowire.AppendTag(payload, fieldSegment, protowire.VarintType)
	payload = protowire.AppendVarint(payload, segment)
	buf = util.AppendFrame(buf, payload)

	var werr error
	x.Ascend(func(key string, e model.VersionedEntry) bool {
		payload = protowire.AppendTag(payload[:0], fieldKind, protowire.VarintType)
		payload = protowire.AppendVarint(payload, frameEntry)
		payload = protowire.AppendTag(payload, fieldKey, protowire.BytesType)
		payload = protowire.AppendString(payload, key)
		payload = protowire.AppendTag(payload, fieldValue, protowire.BytesType)
		payload = protowire.AppendBytes(payload, e.Value)
		payload = protowire.AppendTag(payload, fieldVersion, protowire.VarintType)
		payload = protowire.AppendVarint(payload, e.Version)
		buf = util.AppendFrame(buf, payload)
		info.Entries++
		if len(buf) >= 64*1024 {
			if werr = flush(); werr != nil {
				return false
			}
		}
		return true
	})
	if werr != nil {
		return nil, werr
	}

	payload = protowire.AppendTag(payload[:0], fieldKind, protowire.VarintType)
	payload = protowire.AppendVarint(payload, frameFooter)
	payload = protowire.AppendTag(payload, fieldCount, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(info.Entries))
	buf = util.AppendFrame(buf, payload)
	if err := flush(); err != nil {
		return nil, err
	}
	return info, nil
}

type checkpointFrame struct {
	kind      uint64
	key       string
	value     []byte
	version   uint64
	commitSeq uint64
	segment   uint64
	format    uint64
	count     uint64
}

func decodeCheckpointFrame(b []byte) (checkpointFrame, error) {
	var f checkpointFrame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.key = string(v)
			b = b[n:]
		case num == fieldValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.value = cloneBytes(v)
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldKind:
				f.kind = v
			case fieldVersion:
				f.version = v
			case fieldCommitSeq:
				f.commitSeq = v
			case fieldSegment:
				f.segment = v
			case fieldFormat:
				f.format = v
			case fieldCount:
				f.count = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return f, nil
}

// LoadCheckpoint restores entries from r. Any damage is reported as
// corruption: checkpoints are installed by rename, so a partial file is
// never expected.
func (s *Store) LoadCheckpoint(r io.Reader) (*CheckpointInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	info := &CheckpointInfo{Bytes: int64(len(data))}
	sawHeader, sawFooter := false, false
	offset := 0
	for offset < len(data) {
		payload, n, err := util.ReadFrame(data[offset:])
		if err != nil {
			return nil, errors.CorruptedData(fmt.Sprintf("checkpoint frame at offset %d", offset), err)
		}
		f, err := decodeCheckpointFrame(payload)
		if err != nil {
			return nil, errors.CorruptedData(fmt.Sprintf("checkpoint record at offset %d", offset), err)
		}
		offset += n

		switch f.kind {
		case frameHeader:
			if f.format != checkpointFormat {
				return nil, errors.CorruptedData(fmt.Sprintf("unsupported checkpoint format %d", f.format), nil)
			}
			sawHeader = true
			info.Segment = f.segment
			info.CommitSeq = f.commitSeq
		case frameEntry:
			if !sawHeader {
				return nil, errors.CorruptedData("checkpoint entry before header", nil)
			}
			s.Restore(f.key, f.value, f.version)
			info.Entries++
		case frameFooter:
			if uint64(info.Entries) != f.count {
				return nil, errors.CorruptedData(
					fmt.Sprintf("checkpoint holds %d entries, footer says %d", info.Entries, f.count), nil)
			}
			sawFooter = true
		default:
			return nil, errors.CorruptedData(fmt.Sprintf("unknown checkpoint frame kind %d", f.kind), nil)
		}
	}
	if !sawHeader || !sawFooter {
		return nil, errors.CorruptedData("checkpoint is incomplete", nil)
	}

	s.AdvanceCommitSeq(info.CommitSeq)
	return info, nil
}
