// core/store.go
package core

// Artifact Store — directory-organized blob repository keyed by content
// hash. One file per hash under <root>/<ALG>/<hex>.file. Concurrent readers
// never observe a partial blob because the commit point is an atomic
// rename; concurrent writers racing on the same hash are serialized by a
// per-hash mutex, and a bounded admission channel caps total concurrent
// writers to avoid disk thrash, mirroring the teacher's general
// constructor-injected, mutex-guarded resource pattern (core/storage.go).

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// ArtifactStoreConfig configures an on-disk artifact repository.
type ArtifactStoreConfig struct {
	Root           string // repository root directory
	FreeSpaceFloor int64  // bytes; Put fails with ErrInsufficientSpace below this
	MaxConcurrentWrites int
}

// ArtifactStore is the content-addressed blob repository described by
// spec.md §4.1 (C2).
type ArtifactStore struct {
	cfg    ArtifactStoreConfig
	logger *logrus.Logger

	writeLocksMu sync.Mutex
	writeLocks   map[string]*refCountedLock

	writeAdmission chan struct{}
}

// NewArtifactStore creates the repository directory layout if needed and
// removes any orphan temp files left behind by a prior crash, per spec.md
// §4.1 "On crash recovery, orphan temp files are removed on startup."
func NewArtifactStore(cfg ArtifactStoreConfig, lg *logrus.Logger) (*ArtifactStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("core: artifact store root is empty")
	}
	if cfg.MaxConcurrentWrites <= 0 {
		cfg.MaxConcurrentWrites = 32
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("core: mkdir store root: %w", err)
	}
	s := &ArtifactStore{
		cfg:            cfg,
		logger:         lg,
		writeLocks:     make(map[string]*refCountedLock),
		writeAdmission: make(chan struct{}, cfg.MaxConcurrentWrites),
	}
	if err := s.cleanOrphanTemps(); err != nil {
		return nil, err
	}
	lg.Infof("artifact store: root %s (floor %d bytes)", cfg.Root, cfg.FreeSpaceFloor)
	return s, nil
}

func (s *ArtifactStore) cleanOrphanTemps() error {
	return filepath.Walk(s.cfg.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(info.Name(), ".tmp") {
			if rmErr := os.Remove(path); rmErr != nil {
				s.logger.Warnf("artifact store: failed to clean orphan temp %s: %v", path, rmErr)
			} else {
				s.logger.Infof("artifact store: removed orphan temp %s", path)
			}
		}
		return nil
	})
}

func (s *ArtifactStore) pathFor(h Hash) string {
	return filepath.Join(s.cfg.Root, h.Algorithm.String(), hexDigest(h)+".file")
}

func hexDigest(h Hash) string {
	return strings.TrimPrefix(h.String(), h.Algorithm.String()+":")
}

// refCountedLock is a per-key mutex that removes itself from the owning
// store's map once the last waiter releases it, so writeLocks stays sized
// to artifacts currently being written rather than every hash ever written.
type refCountedLock struct {
	sync.Mutex
	refs int
}

// lockFor returns key's lock, already counted as held by the caller; the
// caller must release it via unlockFor, not l.Unlock directly.
func (s *ArtifactStore) lockFor(key string) *refCountedLock {
	s.writeLocksMu.Lock()
	defer s.writeLocksMu.Unlock()
	l, ok := s.writeLocks[key]
	if !ok {
		l = &refCountedLock{}
		s.writeLocks[key] = l
	}
	l.refs++
	return l
}

// unlockFor releases l and, if no other writer is waiting on key, removes
// it from the store's lock map.
func (s *ArtifactStore) unlockFor(key string, l *refCountedLock) {
	s.writeLocksMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.writeLocks, key)
	}
	s.writeLocksMu.Unlock()
	l.Unlock()
}

// Put streams reader's bytes to a temp file, computing the digest
// incrementally with h's algorithm, and atomically renames into place on a
// final match. Returns created=false without rewriting if the target
// already existed (the losing writer in a race observes this too).
func (s *ArtifactStore) Put(reader io.Reader, h Hash) (created bool, err error) {
	key := h.String()
	lock := s.lockFor(key)
	lock.Lock()
	defer s.unlockFor(key, lock)

	target := s.pathFor(h)
	if _, statErr := os.Stat(target); statErr == nil {
		return false, nil
	}

	select {
	case s.writeAdmission <- struct{}{}:
		defer func() { <-s.writeAdmission }()
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, fmt.Errorf("%w: mkdir: %v", ErrIo, err)
	}

	if s.cfg.FreeSpaceFloor > 0 {
		if avail := s.SpaceAvailable(); avail >= 0 && avail < s.cfg.FreeSpaceFloor {
			return false, ErrInsufficientSpace
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "put-*.tmp")
	if err != nil {
		return false, fmt.Errorf("%w: create temp: %v", ErrIo, err)
	}
	tmpPath := tmp.Name()
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	hasher, herr := h.Algorithm.New()
	if herr != nil {
		return false, herr
	}
	w := io.MultiWriter(tmp, hasher)
	written, err := io.Copy(w, reader)
	if err != nil {
		if avail := s.SpaceAvailable(); s.cfg.FreeSpaceFloor > 0 && avail >= 0 && avail < s.cfg.FreeSpaceFloor {
			return false, ErrInsufficientSpace
		}
		return false, fmt.Errorf("%w: write: %v", ErrIo, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("%w: close temp: %v", ErrIo, err)
	}

	sum := hasher.Sum(nil)
	if !bytesEqual(sum, h.Digest) {
		return false, ErrHashMismatch
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return false, fmt.Errorf("%w: rename: %v", ErrIo, err)
	}
	cleanupTmp = false
	s.logger.Debugf("artifact store: put %s (%d bytes)", key, written)
	zap.L().Sugar().Infof("artifact committed: %s", key)
	return true, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Pull returns a streaming reader over the stored bytes for h.
func (s *ArtifactStore) Pull(h Hash) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: open: %v", ErrIo, err)
	}
	return f, nil
}

// Exists is a cheap existence lookup.
func (s *ArtifactStore) Exists(h Hash) bool {
	_, err := os.Stat(s.pathFor(h))
	return err == nil
}

// ListHashes enumerates the stored content, used by the overlay on startup
// to advertise providership for everything already on disk.
func (s *ArtifactStore) ListHashes() ([]Hash, error) {
	var out []Hash
	for _, alg := range []Algorithm{SHA256, SHA512} {
		dir := filepath.Join(s.cfg.Root, alg.String())
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if !strings.HasSuffix(name, ".file") {
				continue
			}
			hexStr := strings.TrimSuffix(name, ".file")
			h, err := ParseHash(alg.String() + ":" + hexStr)
			if err != nil {
				s.logger.Warnf("artifact store: skipping malformed entry %s", name)
				continue
			}
			out = append(out, h)
		}
	}
	return out, nil
}

// Count returns the number of stored artifacts.
func (s *ArtifactStore) Count() (int, error) {
	hs, err := s.ListHashes()
	if err != nil {
		return 0, err
	}
	return len(hs), nil
}

// SpaceUsed sums the size of all stored artifacts.
func (s *ArtifactStore) SpaceUsed() int64 {
	var total int64
	filepath.Walk(s.cfg.Root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// SpaceAvailable reports free bytes on the store's filesystem, or -1 if it
// cannot be determined on this platform.
func (s *ArtifactStore) SpaceAvailable() int64 {
	return diskFree(s.cfg.Root)
}
