package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/devrev/pairdb/txnstore/internal/model"
	"github.com/devrev/pairdb/txnstore/internal/util"
)

const (
	segmentPrefix = "wal-"
	segmentSuffix = ".log"
)

// ErrDamagedSegment means intact records follow an unreadable one. An
// interrupted append can only damage the end of a segment, so this is
// corruption of committed history rather than a torn tail.
var ErrDamagedSegment = errors.New("intact records follow an unreadable record")

// SegmentInfo identifies one segment file
type SegmentInfo struct {
	Index uint64
	Path  string
	Size  int64
}

// SegmentPath returns the path of segment index inside dir
func SegmentPath(dir string, index uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%020d%s", segmentPrefix, index, segmentSuffix))
}

// ListSegments returns the segments in dir ordered by index
func ListSegments(dir string) ([]SegmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list WAL directory: %w", err)
	}

	var out []SegmentInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		var idx uint64
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), "%d", &idx); err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat WAL segment %s: %w", name, err)
		}
		out = append(out, SegmentInfo{Index: idx, Path: filepath.Join(dir, name), Size: fi.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Segment is the decoded content of one segment file. When the file holds
// a damaged or partial record, decoding stops there: Records holds everything
// before it, ValidBytes is its offset and TailErr says what was wrong.
// ResumeOffset is the offset of the first well-formed record found after the
// damage, or -1 when the rest of the file is unreadable.
type Segment struct {
	Info         SegmentInfo
	Records      []model.Record
	ValidBytes   int64
	TailErr      error
	ResumeOffset int64
}

// Torn reports whether the segment holds an unreadable record
func (s *Segment) Torn() bool {
	return s.TailErr != nil
}

// Damaged reports whether well-formed records follow the unreadable one
func (s *Segment) Damaged() bool {
	return s.TailErr != nil && s.ResumeOffset >= 0
}

// ReadSegment decodes every record of a segment file
func ReadSegment(info SegmentInfo) (*Segment, error) {
	data, err := os.ReadFile(info.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL segment %s: %w", info.Path, err)
	}
	info.Size = int64(len(data))
	return DecodeSegment(info, data), nil
}

// DecodeSegment decodes records from raw segment bytes
func DecodeSegment(info SegmentInfo, data []byte) *Segment {
	seg := &Segment{Info: info, ResumeOffset: -1}
	offset := 0
	for offset < len(data) {
		payload, n, err := util.ReadFrame(data[offset:])
		if err != nil {
			seg.TailErr = err
			break
		}
		rec, err := DecodeRecord(payload)
		if err != nil {
			seg.TailErr = fmt.Errorf("malformed record: %w", err)
			break
		}
		seg.Records = append(seg.Records, rec)
		offset += n
	}
	seg.ValidBytes = int64(offset)
	if seg.TailErr != nil {
		seg.ResumeOffset = nextRecord(data, offset+1)
	}
	return seg
}

// nextRecord returns the offset of the first well-formed record at or after
// from, or -1
func nextRecord(data []byte, from int) int64 {
	for i := from; i+util.FrameSize(0) <= len(data); i++ {
		payload, _, err := util.ReadFrame(data[i:])
		if err != nil {
			continue
		}
		if _, err := DecodeRecord(payload); err == nil {
			return int64(i)
		}
	}
	return -1
}

// RepairTail truncates a segment to its last complete record. It returns the
// number of bytes removed.
func RepairTail(info SegmentInfo) (int64, error) {
	seg, err := ReadSegment(info)
	if err != nil {
		return 0, err
	}
	if !seg.Torn() {
		return 0, nil
	}
	if seg.Damaged() {
		return 0, fmt.Errorf("%w: %s at offset %d, next record at %d",
			ErrDamagedSegment, info.Path, seg.ValidBytes, seg.ResumeOffset)
	}

	f, err := os.OpenFile(info.Path, os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open WAL segment for repair: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(seg.ValidBytes); err != nil {
		return 0, fmt.Errorf("failed to truncate WAL segment: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync WAL segment: %w", err)
	}
	return seg.Info.Size - seg.ValidBytes, nil
}
