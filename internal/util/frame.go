package util

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/beingmeta/concourse/internal/errors"
)

// Frames wrap payloads for append-only logs:
//
//	[len:4][payload][crc32:4]
//
// len counts payload bytes only. All integers are big-endian.
const FrameOverhead = 8

var (
	// crc32Table is precomputed for better performance
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// AppendFrame appends payload to dst as a frame
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	return binary.BigEndian.AppendUint32(dst, ComputeChecksum(payload))
}

// ReadFrame reads one frame from r and returns its payload.
//
// It returns io.EOF when r is exhausted at a frame boundary and
// io.ErrUnexpectedEOF when a frame is cut short, as happens when a crash
// interrupts an append. A checksum mismatch or a length above maxSize is
// reported as corruption.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && size > uint32(maxSize) {
		return nil, errors.Deserialization(fmt.Sprintf("frame of %d bytes exceeds %d", size, maxSize), nil)
	}

	body := make([]byte, int(size)+4)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	payload := body[:size]
	expected := binary.BigEndian.Uint32(body[size:])
	if actual := ComputeChecksum(payload); actual != expected {
		return nil, errors.ChecksumFailed(expected, actual)
	}
	return payload, nil
}
