package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/triadhq/triad/internal/metrics"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// configured timeout.
var ErrLockTimeout = errors.New("fsstore: lock acquisition timed out")

// lockMeta is the owner record written into the lock file on exclusive
// acquisition. It exists to make stale locks diagnosable: the flock itself
// is released by the kernel when the owner dies, but a hung-but-alive
// owner or a leaked descriptor shows up here.
type lockMeta struct {
	PID        int       `json:"pid"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock is a timeout-bounded advisory lock over a sidecar lock file.
// Shared acquisition is used by readers, exclusive by writers. Acquisition
// polls with flock(LOCK_NB) rather than blocking so the timeout and stale
// detection can run between attempts.
type FileLock struct {
	path   string
	cfg    Config
	owner  string
	logger *slog.Logger

	nowFn func() time.Time
}

// NewFileLock creates a lock over the given sidecar path.
func NewFileLock(path string, cfg Config, logger *slog.Logger) *FileLock {
	return &FileLock{
		path:   path,
		cfg:    cfg.withDefaults(),
		owner:  fmt.Sprintf("%s:%d", hostname(), os.Getpid()),
		logger: logger.With("component", "filelock", "lock_path", path),
		nowFn:  time.Now,
	}
}

// AcquireShared acquires the lock in shared mode for reading.
func (l *FileLock) AcquireShared(ctx context.Context) (func(), error) {
	return l.acquire(ctx, unix.LOCK_SH)
}

// AcquireExclusive acquires the lock in exclusive mode for writing.
func (l *FileLock) AcquireExclusive(ctx context.Context) (func(), error) {
	return l.acquire(ctx, unix.LOCK_EX)
}

func (l *FileLock) acquire(ctx context.Context, mode int) (func(), error) {
	deadline := l.nowFn().Add(l.cfg.LockTimeout)
	start := l.nowFn()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	for {
		f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open lock file %s: %w", l.path, err)
		}

		err = unix.Flock(int(f.Fd()), mode|unix.LOCK_NB)
		if err == nil {
			if mode == unix.LOCK_EX {
				l.writeMeta(f)
			}
			metrics.LockWaitSeconds.Observe(l.nowFn().Sub(start).Seconds())
			return func() {
				unix.Flock(int(f.Fd()), unix.LOCK_UN)
				f.Close()
			}, nil
		}
		f.Close()
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("flock %s: %w", l.path, err)
		}

		l.maybeRecoverStale()

		if l.nowFn().After(deadline) {
			metrics.LockTimeoutsTotal.Inc()
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, l.path, l.cfg.LockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// maybeRecoverStale force-releases the lock file when the recorded owner
// has been holding it past the stale threshold and is no longer alive.
// Removing the file invalidates any leaked descriptor's flock for future
// acquirers, which all reopen by path.
func (l *FileLock) maybeRecoverStale() {
	data, err := os.ReadFile(l.path)
	if err != nil || len(data) == 0 {
		return
	}
	var meta lockMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return
	}
	if l.nowFn().Sub(meta.AcquiredAt) < l.cfg.LockStaleTimeout {
		return
	}
	if IsPIDAlive(meta.PID) {
		return
	}

	l.logger.Warn("force-releasing stale lock",
		"owner", meta.Owner,
		"owner_pid", meta.PID,
		"held_for", l.nowFn().Sub(meta.AcquiredAt).String())
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Error("failed to remove stale lock file", "error", err)
		return
	}
	metrics.StaleLocksRecovered.Inc()
	if l.cfg.OnStaleLockRecovered != nil {
		l.cfg.OnStaleLockRecovered(l.path, meta.Owner, meta.PID)
	}
}

func (l *FileLock) writeMeta(f *os.File) {
	meta := lockMeta{PID: os.Getpid(), Owner: l.owner, AcquiredAt: l.nowFn()}
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	f.Truncate(0)
	f.WriteAt(data, 0)
}

// IsPIDAlive reports whether a process with the given PID exists. Signal 0
// probes existence without delivering anything; EPERM still means alive.
func IsPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
