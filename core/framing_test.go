package core

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestReadAllBoundedAcceptsWithinLimit(t *testing.T) {
	data := []byte("within limit")
	out, err := readAllBounded(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("got %q want %q", out, data)
	}
}

func TestReadAllBoundedRejectsOverLimit(t *testing.T) {
	data := []byte("too long for the cap")
	_, err := readAllBounded(bytes.NewReader(data), 4)
	if !errors.Is(err, ErrProtocolError) {
		t.Fatalf("expected ErrProtocolError, got %v", err)
	}
}

func TestPutGetUint64RoundTrips(t *testing.T) {
	buf := make([]byte, 8)
	putUint64(buf, 123456789)
	if got := getUint64(buf); got != 123456789 {
		t.Fatalf("got %d want 123456789", got)
	}
}

func TestReadFullReadsExactLength(t *testing.T) {
	r := strings.NewReader("0123456789")
	buf := make([]byte, 5)
	n, err := readFull(r, buf)
	if err != nil || n != 5 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if string(buf) != "01234" {
		t.Fatalf("got %q", buf)
	}
}
