// Package fsstore implements the atomic file storage substrate shared by
// the epoch store, the IPC bus, and the event log. All coordination between
// the body, mind, and nerves processes goes through files managed here:
// reads take shared advisory locks, writes go through a temp-file plus
// atomic-rename sequence, and read-modify-write cycles hold an exclusive
// lock for their full duration.
package fsstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/triadhq/triad/internal/metrics"
)

// ErrVersionConflict is returned by CompareAndSwap when the file changed
// since the expected version was read.
var ErrVersionConflict = errors.New("fsstore: version conflict")

// Version identifies one durable state of a store file. It is a content
// hash, so two reads of identical bytes compare equal even across rename.
type Version struct {
	Sum  string
	Size int64
}

// Zero reports whether the version refers to a missing file.
func (v Version) Zero() bool { return v.Sum == "" && v.Size == 0 }

// Store provides atomic read/write/compare-and-swap on a single JSON file.
type Store struct {
	path   string
	lock   *FileLock
	logger *slog.Logger
}

// Config bundles the lock tuning shared by every Store and FileLock.
type Config struct {
	LockTimeout      time.Duration // max wait for acquisition (default 30s)
	LockStaleTimeout time.Duration // held longer than this + dead owner = force release (default 300s)
	PollInterval     time.Duration // acquisition retry interval (default 50ms)

	// OnStaleLockRecovered is called after a stale lock is force-released,
	// with the lock path, recorded owner, and dead owner PID. Optional.
	OnStaleLockRecovered func(path, owner string, pid int)
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.LockStaleTimeout <= 0 {
		c.LockStaleTimeout = 300 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	return c
}

// NewStore creates a store for the given file path. Parent directories are
// created on first write.
func NewStore(path string, cfg Config, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		lock:   NewFileLock(path+".lock", cfg, logger),
		logger: logger.With("component", "fsstore", "path", path),
	}
}

// Path returns the underlying file path.
func (s *Store) Path() string { return s.path }

// Read returns the file contents and their version under a shared lock.
// A missing file is not an error: it returns nil data and a zero Version.
func (s *Store) Read(ctx context.Context) ([]byte, Version, error) {
	release, err := s.lock.AcquireShared(ctx)
	if err != nil {
		return nil, Version{}, err
	}
	defer release()

	return readVersioned(s.path)
}

// Write replaces the file contents unconditionally via temp-file + rename.
func (s *Store) Write(ctx context.Context, data []byte) error {
	release, err := s.lock.AcquireExclusive(ctx)
	if err != nil {
		return err
	}
	defer release()

	return replaceAtomic(s.path, data)
}

// CompareAndSwap replaces the file contents only if the current version
// matches expected. Returns ErrVersionConflict otherwise.
func (s *Store) CompareAndSwap(ctx context.Context, expected Version, data []byte) error {
	release, err := s.lock.AcquireExclusive(ctx)
	if err != nil {
		return err
	}
	defer release()

	_, current, err := readVersioned(s.path)
	if err != nil {
		return err
	}
	if current != expected {
		metrics.CASConflictsTotal.Inc()
		s.logger.Debug("compare-and-swap conflict",
			"expected", expected.Sum, "current", current.Sum)
		return ErrVersionConflict
	}
	return replaceAtomic(s.path, data)
}

// Update runs an exclusive read-modify-write cycle. fn receives the current
// contents (nil when the file is missing) and returns the replacement.
// The exclusive lock is held for the whole cycle, so two concurrent updates
// can never both apply against the same original state.
func (s *Store) Update(ctx context.Context, fn func([]byte) ([]byte, error)) ([]byte, error) {
	release, err := s.lock.AcquireExclusive(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	current, _, err := readVersioned(s.path)
	if err != nil {
		return nil, err
	}
	updated, err := fn(current)
	if err != nil {
		return nil, err
	}
	if err := replaceAtomic(s.path, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func readVersioned(path string) ([]byte, Version, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, Version{}, nil
	}
	if err != nil {
		return nil, Version{}, fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return data, Version{Sum: hex.EncodeToString(sum[:]), Size: int64(len(data))}, nil
}

// replaceAtomic writes data to a temp file in the target directory, fsyncs
// it, and renames it over the destination so readers never observe a
// partial write.
func replaceAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
