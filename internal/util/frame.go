package util

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Frame layout shared by the WAL and checkpoint files:
// [length (4 bytes, big endian)][payload][crc32 of payload (4 bytes, big endian)]

const (
	FrameHeaderSize  = 4
	FrameTrailerSize = 4
	FrameOverhead    = FrameHeaderSize + FrameTrailerSize

	// MaxFrameSize bounds a single payload so a corrupted length cannot
	// trigger a huge allocation.
	MaxFrameSize = 64 << 20
)

var (
	// ErrTruncatedFrame means the buffer ended before the frame did
	ErrTruncatedFrame = errors.New("truncated frame")
	// ErrFrameChecksum means the payload does not match its checksum
	ErrFrameChecksum = errors.New("frame checksum mismatch")
	// ErrFrameTooLarge means the length prefix exceeds MaxFrameSize
	ErrFrameTooLarge = errors.New("frame length exceeds maximum")
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// FrameSize returns the encoded size of a payload of n bytes
func FrameSize(n int) int {
	return n + FrameOverhead
}

// AppendFrame appends payload to dst as a single checksummed frame
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	return binary.BigEndian.AppendUint32(dst, ComputeChecksum(payload))
}

// ReadFrame decodes the frame at the start of buf. It returns the payload
// (aliasing buf) and the number of bytes consumed.
func ReadFrame(buf []byte) ([]byte, int, error) {
	if len(buf) < FrameHeaderSize {
		return nil, 0, ErrTruncatedFrame
	}
	n := binary.BigEndian.Uint32(buf)
	if n > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: %d", ErrFrameTooLarge, n)
	}
	end := FrameHeaderSize + int(n)
	if len(buf) < end+FrameTrailerSize {
		return nil, 0, ErrTruncatedFrame
	}
	payload := buf[FrameHeaderSize:end]
	if !ValidateChecksum(payload, binary.BigEndian.Uint32(buf[end:])) {
		return nil, 0, ErrFrameChecksum
	}
	return payload, end + FrameTrailerSize, nil
}
