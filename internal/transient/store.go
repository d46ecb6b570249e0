// Package transient persists decoded audio fragments to short-lived files
// and tracks every live file until it is deleted.
package transient

import (
	"crypto/rand"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/echolistener/internal/format"
)

// DefaultPrefix is the file name prefix for artifacts.
const DefaultPrefix = "audq_"

// Artifact is a fragment written to storage and awaiting playback.
type Artifact struct {
	Path   string
	Format format.Tag
	Size   int
}

// Name returns the artifact's base file name.
func (a *Artifact) Name() string {
	if a == nil {
		return ""
	}
	return filepath.Base(a.Path)
}

// StorageError reports a failure to write or remove an artifact.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return "transient " + e.Op + ": " + e.Err.Error()
	}
	return "transient " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store writes artifacts into a directory and keeps a registry of the ones
// that have not been deleted yet. While it owns artifacts it holds a shared
// lock on the directory so that another process's Sweep leaves them alone.
type Store struct {
	mu     sync.Mutex
	logger *slog.Logger
	dir    string
	prefix string
	live   map[string]*Artifact

	lockMu sync.Mutex
	shared *flock.Flock
}

// NewStore creates a store rooted at dir. An empty dir uses os.TempDir and
// an empty prefix uses DefaultPrefix.
func NewStore(dir, prefix string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		logger: logger,
		dir:    dir,
		prefix: prefix,
		live:   make(map[string]*Artifact),
	}
}

// Dir returns the directory artifacts are written to.
func (s *Store) Dir() string {
	return s.dir
}

// LockPath returns the directory lock file. It does not carry the prefix,
// so Sweep never removes it.
func (s *Store) LockPath() string {
	return filepath.Join(s.dir, "."+s.prefix+"lock")
}

// holdDir takes the shared directory lock if the store does not hold it yet.
// Failing to lock is logged and not fatal.
func (s *Store) holdDir() {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.shared != nil {
		return
	}
	l := flock.New(s.LockPath())
	if err := l.RLock(); err != nil {
		s.logger.Warn("failed to lock artifact directory", "path", l.Path(), "error", err)
		return
	}
	s.shared = l
}

// releaseDir drops the shared directory lock once nothing is registered.
func (s *Store) releaseDir() {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.shared == nil || s.Len() > 0 {
		return
	}
	if err := s.shared.Unlock(); err != nil {
		s.logger.Debug("failed to unlock artifact directory", "error", err)
	}
	s.shared = nil
}

// Persist writes data to a new uniquely named artifact and registers it.
func (s *Store) Persist(data []byte, tag format.Tag) (*Artifact, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: s.dir, Err: err}
	}
	s.holdDir()

	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return nil, &StorageError{Op: "name", Err: err}
	}
	path := filepath.Join(s.dir, s.prefix+strings.ToLower(id.String())+tag.Ext())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, &StorageError{Op: "create", Path: path, Err: err}
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, &StorageError{Op: "close", Path: path, Err: err}
	}

	a := &Artifact{Path: path, Format: tag, Size: len(data)}

	s.mu.Lock()
	s.live[path] = a
	s.mu.Unlock()

	s.logger.Debug("artifact persisted", "path", path, "format", tag, "size", len(data))
	return a, nil
}

// Delete removes the artifact and unregisters it. Deleting an artifact that is
// already gone is a no-op.
func (s *Store) Delete(a *Artifact) error {
	if a == nil {
		return nil
	}

	err := os.Remove(a.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		// Keep it registered so DeleteAll can retry.
		return &StorageError{Op: "remove", Path: a.Path, Err: err}
	}

	s.mu.Lock()
	delete(s.live, a.Path)
	s.mu.Unlock()
	return nil
}

// DeleteAll force-deletes every live artifact and returns how many were
// unregistered.
func (s *Store) DeleteAll() int {
	s.mu.Lock()
	pending := make([]*Artifact, 0, len(s.live))
	for _, a := range s.live {
		pending = append(pending, a)
	}
	s.mu.Unlock()

	removed := 0
	for _, a := range pending {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove artifact", "path", a.Path, "error", err)
		}
		s.mu.Lock()
		if _, ok := s.live[a.Path]; ok {
			delete(s.live, a.Path)
			removed++
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		s.logger.Debug("flushed live artifacts", "count", removed)
	}
	s.releaseDir()
	return removed
}

// Live returns the sorted paths of all registered artifacts.
func (s *Store) Live() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.live))
	for p := range s.live {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of registered artifacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Sweep removes prefixed files in the store directory that are not
// registered and were last modified more than olderThan ago. These are
// left behind when a previous process was killed mid-playback. Nothing is
// removed while another store, in this process or another, holds the
// directory lock.
func (s *Store) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, &StorageError{Op: "sweep", Path: s.dir, Err: err}
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	// Our own shared lock would block the exclusive one below; our
	// artifacts are protected by the registry instead.
	if s.shared != nil {
		if err := s.shared.Unlock(); err != nil {
			return 0, &StorageError{Op: "sweep", Path: s.shared.Path(), Err: err}
		}
		defer func() {
			if err := s.shared.RLock(); err != nil {
				s.logger.Warn("failed to lock artifact directory", "path", s.shared.Path(), "error", err)
				s.shared = nil
			}
		}()
	}

	excl := flock.New(s.LockPath())
	locked, err := excl.TryLock()
	if err != nil {
		return 0, &StorageError{Op: "sweep", Path: excl.Path(), Err: err}
	}
	if !locked {
		s.logger.Info("artifact directory in use by another process, not sweeping", "dir", s.dir)
		return 0, nil
	}
	defer func() { _ = excl.Unlock() }()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), s.prefix) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())

		s.mu.Lock()
		_, registered := s.live[path]
		s.mu.Unlock()
		if registered {
			continue
		}

		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Debug("failed to sweep stale artifact", "path", path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("removed stale artifacts", "dir", s.dir, "count", removed)
	}
	return removed, nil
}
