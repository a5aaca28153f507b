package core

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

type fakeBlockSource struct {
	entries []*LogEntry
}

func (f *fakeBlockSource) CommittedEntries() ([]*LogEntry, error) {
	return f.entries, nil
}

func newTestLog(t *testing.T, chain BlockSource) *TransparencyLog {
	t.Helper()
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	dir := filepath.Join(t.TempDir(), "translog")
	tl, err := NewTransparencyLog(dir, lg, chain)
	if err != nil {
		t.Fatalf("new transparency log: %v", err)
	}
	return tl
}

func TestAddEntryThenSearch(t *testing.T) {
	tl := newTestLog(t, &fakeBlockSource{})
	e := NewEntry("docker", "library/alpine:3.19", "SHA256:aabbcc", "", 0, "node1")
	if err := tl.AddEntry(e); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	got, ok := tl.Search("docker", "library/alpine:3.19")
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if got.RecordID != e.RecordID {
		t.Fatalf("expected record id %s, got %s", e.RecordID, got.RecordID)
	}
}

func TestAddEntryRejectsDuplicateKey(t *testing.T) {
	tl := newTestLog(t, &fakeBlockSource{})
	e1 := NewEntry("docker", "library/alpine:3.19", "SHA256:aabbcc", "", 0, "node1")
	if err := tl.AddEntry(e1); err != nil {
		t.Fatalf("add first entry: %v", err)
	}
	e2 := NewEntry("docker", "library/alpine:3.19", "SHA256:ddeeff", "", 0, "node2")
	if err := tl.AddEntry(e2); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestRebuildFromChainPopulatesIndex(t *testing.T) {
	seed := []*LogEntry{
		NewEntry("maven", "com.example:lib:1.0", "SHA256:1111", "", 0, "node1"),
		NewEntry("docker", "library/busybox:1", "SHA256:2222", "", 0, "node2"),
	}
	tl := newTestLog(t, &fakeBlockSource{entries: seed})

	got, ok := tl.Search("maven", "com.example:lib:1.0")
	if !ok || got.ArtifactHash != "SHA256:1111" {
		t.Fatalf("expected rebuilt entry for maven artifact, got %+v ok=%v", got, ok)
	}

	all := tl.Inspect(InspectFilter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 entries after rebuild, got %d", len(all))
	}

	dockerOnly := tl.Inspect(InspectFilter{PackageType: "docker"})
	if len(dockerOnly) != 1 || dockerOnly[0].PackageType != "docker" {
		t.Fatalf("expected 1 docker entry, got %d", len(dockerOnly))
	}
}

func TestAddEntriesFromBlockIndexesCreateTransactionsOnly(t *testing.T) {
	tl := newTestLog(t, &fakeBlockSource{})

	e := NewEntry("docker", "library/redis:7", "SHA256:3333", "", 0, "node3")
	payload, err := entryPayload(e)
	if err != nil {
		t.Fatalf("encode entry payload: %v", err)
	}
	b := &Block{
		Transactions: []*Transaction{
			{Type: TxCreate, Payload: payload},
			{Type: TxAddAuthority, Payload: []byte(`{"ignored":true}`)},
		},
	}

	if err := tl.AddEntriesFromBlock(b); err != nil {
		t.Fatalf("add entries from block: %v", err)
	}
	got, ok := tl.Search("docker", "library/redis:7")
	if !ok || got.ArtifactHash != "SHA256:3333" {
		t.Fatalf("expected indexed entry for redis artifact, got %+v ok=%v", got, ok)
	}
}

func TestAddEntriesFromBlockSkipsAlreadyIndexedEntry(t *testing.T) {
	tl := newTestLog(t, &fakeBlockSource{})

	e := NewEntry("docker", "library/redis:7", "SHA256:3333", "", 0, "node3")
	if err := tl.AddEntry(e); err != nil {
		t.Fatalf("add entry directly: %v", err)
	}
	payload, err := entryPayload(e)
	if err != nil {
		t.Fatalf("encode entry payload: %v", err)
	}
	b := &Block{Transactions: []*Transaction{{Type: TxCreate, Payload: payload}}}

	// e is already indexed via AddEntry; the same entry arriving again in a
	// block must not be treated as an error.
	if err := tl.AddEntriesFromBlock(b); err != nil {
		t.Fatalf("expected duplicate entry to be skipped, got error: %v", err)
	}
}

func TestSearchMissingReturnsFalse(t *testing.T) {
	tl := newTestLog(t, &fakeBlockSource{})
	_, ok := tl.Search("docker", "does/not:exist")
	if ok {
		t.Fatal("expected Search to report not found")
	}
}
