package core

import (
	"encoding/binary"
	"fmt"
	"io"
)

// readFull reads exactly len(buf) bytes from r.
func readFull(r io.Reader, buf []byte) (int, error) {
	return io.ReadFull(r, buf)
}

// leUint64 decodes a little-endian uint64, matching the 8-byte
// little-endian IEEE-754 idle-metric encoding spec.md §9 fixes.
func leUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// putUint64 encodes v as a big-endian 8-byte field, used for the
// blockchain-exchange catch-up request (an ordinal, not an idle metric, so
// it does not need to match the idle-metric wire encoding).
func putUint64(b []byte, v uint64) {
	binary.BigEndian.PutUint64(b, v)
}

// getUint64 decodes a big-endian uint64 written by putUint64.
func getUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// readAllBounded reads at most limit+1 bytes from r, returning
// ErrProtocolError if the content exceeds limit.
func readAllBounded(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIo, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d byte cap", ErrProtocolError, limit)
	}
	return data, nil
}
