package core

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/pyrsia/pyrsia-core/internal/testutil"
)

func newTestStore(t *testing.T) *ArtifactStore {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })

	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	s, err := NewArtifactStore(ArtifactStoreConfig{Root: sb.Root}, lg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestPutThenPullRoundTrips(t *testing.T) {
	s := newTestStore(t)
	data := []byte("hello pyrsia")
	h, err := Sum(SHA256, data)
	if err != nil {
		t.Fatal(err)
	}

	created, err := s.Put(bytes.NewReader(data), h)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first put")
	}

	rc, err := s.Pull(h)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Fatalf("round-trip mismatch: got %q want %q", buf.Bytes(), data)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	data := []byte("idempotent")
	h, _ := Sum(SHA256, data)

	created1, err := s.Put(bytes.NewReader(data), h)
	if err != nil || !created1 {
		t.Fatalf("first put: created=%v err=%v", created1, err)
	}
	created2, err := s.Put(bytes.NewReader(data), h)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if created2 {
		t.Fatal("expected created=false on second put of identical content")
	}
}

func TestPutRejectsHashMismatch(t *testing.T) {
	s := newTestStore(t)
	data := []byte("mismatched content")
	wrong, _ := Sum(SHA256, []byte("something else"))

	_, err := s.Put(bytes.NewReader(data), wrong)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch error, got %v", err)
	}
	if s.Exists(wrong) {
		t.Fatal("mismatched content must not be committed to the store")
	}
}

func TestPullMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	h, _ := Sum(SHA256, []byte("never stored"))
	_, err := s.Pull(h)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentPutsOnSameHashCommitOnce(t *testing.T) {
	s := newTestStore(t)
	data := []byte("race me")
	h, _ := Sum(SHA256, data)

	const n = 20
	results := make([]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			created, err := s.Put(bytes.NewReader(data), h)
			if err != nil {
				t.Errorf("put %d: %v", i, err)
				return
			}
			results[i] = created
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for _, c := range results {
		if c {
			createdCount++
		}
	}
	if createdCount != 1 {
		t.Fatalf("expected exactly one winning writer, got %d", createdCount)
	}
}

func TestListHashesAndCount(t *testing.T) {
	s := newTestStore(t)
	for _, content := range []string{"a", "b", "c"} {
		h, _ := Sum(SHA256, []byte(content))
		if _, err := s.Put(strings.NewReader(content), h); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 stored artifacts, got %d", n)
	}
}
