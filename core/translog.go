package core

// Transparency Log — append-only, signed record mapping package identifier
// to artifact hash. The in-memory index is a cache of the committed
// blockchain: it is rebuilt from the chain on startup and then extended block
// by block (AddEntriesFromBlock). Nothing compares the index with the chain
// after startup, so a later disagreement is not detected or rebuilt until the
// next restart. The startup rebuild matches the teacher's
// ChainForkManager/ledger-rebuild idiom (core/chain_fork_manager.go,
// core/ledger.go RebuildChain).

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogEntry is a committed transparency-log record per spec.md §3.
type LogEntry struct {
	RecordID          string    `json:"record_id"`
	PackageType       string    `json:"package_type"`
	PackageSpecificID string    `json:"package_specific_id"`
	ArtifactHash      string    `json:"artifact_hash"`
	SourceRepo        string    `json:"source_repo"`
	Size              int64     `json:"size"`
	CreatedAt         time.Time `json:"created_at"`
	NodeIdentity      string    `json:"node_identity"`
	Signatures        [][]byte  `json:"signatures"`
}

// packageKey is the uniqueness key: (package_type, package_specific_id).
type packageKey struct {
	PackageType       string
	PackageSpecificID string
}

func keyOf(e *LogEntry) packageKey {
	return packageKey{PackageType: e.PackageType, PackageSpecificID: e.PackageSpecificID}
}

// TransparencyLog is the C3 component. It holds an in-memory index rebuilt
// from a BlockSource on startup and writes one JSON file per entry under
// its directory for durable backing, matching the teacher's pervasive
// json.Marshal-to-disk pattern (core/storage.go).
type TransparencyLog struct {
	mu     sync.RWMutex
	dir    string
	logger *logrus.Logger

	byKey map[packageKey]*LogEntry
	byID  map[string]*LogEntry
}

// BlockSource is the minimal view of the blockchain engine the transparency
// log needs to rebuild its index: the ordered list of committed Create
// transactions, each carrying a serialized LogEntry payload.
type BlockSource interface {
	CommittedEntries() ([]*LogEntry, error)
}

// NewTransparencyLog creates (if needed) the durable directory and rebuilds
// the in-memory index from chain, treating the chain as the source of
// truth per spec.md §4.2.
func NewTransparencyLog(dir string, lg *logrus.Logger, chain BlockSource) (*TransparencyLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("core: mkdir transparency log dir: %w", err)
	}
	t := &TransparencyLog{
		dir:    dir,
		logger: lg,
		byKey:  make(map[packageKey]*LogEntry),
		byID:   make(map[string]*LogEntry),
	}
	if err := t.rebuildFromChain(chain); err != nil {
		return nil, err
	}
	return t, nil
}

// rebuildFromChain discards the current index and reconstructs it from the
// chain's committed entries, persisting each to disk as it goes.
func (t *TransparencyLog) rebuildFromChain(chain BlockSource) error {
	entries, err := chain.CommittedEntries()
	if err != nil {
		return fmt.Errorf("core: rebuild transparency log: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey = make(map[packageKey]*LogEntry, len(entries))
	t.byID = make(map[string]*LogEntry, len(entries))
	for _, e := range entries {
		t.byKey[keyOf(e)] = e
		t.byID[e.RecordID] = e
		if err := t.persist(e); err != nil {
			t.logger.Warnf("transparency log: failed to persist %s during rebuild: %v", e.RecordID, err)
		}
	}
	t.logger.Infof("transparency log: rebuilt index with %d entries", len(entries))
	return nil
}

// NewEntry constructs an unsigned entry ready for submission as a Create
// transaction. The caller (the authority-side build path, §4.7) signs and
// submits it to the blockchain engine; AddEntry below is only called once
// the entry's containing block has committed.
func NewEntry(packageType, packageSpecificID, artifactHash, sourceRepo string, size int64, nodeIdentity string) *LogEntry {
	return &LogEntry{
		RecordID:          uuid.New().String(),
		PackageType:       packageType,
		PackageSpecificID: packageSpecificID,
		ArtifactHash:      artifactHash,
		SourceRepo:        sourceRepo,
		Size:              size,
		CreatedAt:         time.Now(),
		NodeIdentity:      nodeIdentity,
	}
}

// entryPayload serializes e for embedding as a Create transaction's payload.
func entryPayload(e *LogEntry) ([]byte, error) {
	return json.Marshal(e)
}

// AddEntriesFromBlock incrementally indexes b's committed Create
// transactions, used when a block arrives from a remote peer
// (Node.SubscribeBlocks) so the index stays current without rescanning the
// whole chain the way rebuildFromChain does. An entry that's already
// indexed (AddEntry returns ErrDuplicate) is skipped rather than treated as
// a failure.
func (t *TransparencyLog) AddEntriesFromBlock(b *Block) error {
	entries, err := decodeLogEntries(b)
	if err != nil {
		return fmt.Errorf("core: index block %s: %w", b.Header.SelfHash, err)
	}
	for _, e := range entries {
		if err := t.AddEntry(e); err != nil && err != ErrDuplicate {
			return err
		}
	}
	return nil
}

// AddEntry appends a committed entry to the index. It must only be called
// from the blockchain commit path (§4.2): "add_entry ... must be called only
// from the authority path". Returns ErrDuplicate if an entry already exists
// for (package_type, package_specific_id).
func (t *TransparencyLog) AddEntry(e *LogEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := keyOf(e)
	if _, exists := t.byKey[k]; exists {
		return ErrDuplicate
	}
	if err := t.persist(e); err != nil {
		return err
	}
	t.byKey[k] = e
	t.byID[e.RecordID] = e
	return nil
}

// Search performs an O(1) in-memory index lookup.
func (t *TransparencyLog) Search(packageType, packageSpecificID string) (*LogEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byKey[packageKey{PackageType: packageType, PackageSpecificID: packageSpecificID}]
	return e, ok
}

// InspectFilter narrows Inspect's result set. A zero-value field is treated
// as a wildcard.
type InspectFilter struct {
	PackageType string
}

// Inspect returns entries matching filter, for human/operational inspection
// (the CLI `log inspect` command, spec.md §6).
func (t *TransparencyLog) Inspect(filter InspectFilter) []*LogEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*LogEntry, 0, len(t.byID))
	for _, e := range t.byID {
		if filter.PackageType != "" && e.PackageType != filter.PackageType {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (t *TransparencyLog) persist(e *LogEntry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal log entry: %v", ErrIo, err)
	}
	path := filepath.Join(t.dir, e.RecordID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write log entry: %v", ErrIo, err)
	}
	return nil
}
