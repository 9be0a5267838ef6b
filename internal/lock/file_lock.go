// Package lock keeps a single portpilot daemon per state directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/paveg/portpilot/internal/process"
)

// Static error variables to satisfy err113 linter
var (
	ErrLockTimeout       = errors.New("failed to acquire lock within timeout")
	ErrNotOwner          = errors.New("cannot unlock: we don't own the lock")
	ErrInvalidLockFormat = errors.New("invalid lock file format")
)

const retryInterval = 100 * time.Millisecond

// FileLock is an exclusive lock file holding the owner's pid. A lock whose
// owner is no longer alive is stale and taken over.
type FileLock struct {
	lockFile    string
	lockTimeout time.Duration
	locked      bool
	pid         int
	alive       func(pid int) bool
}

// Info contains information about a lock
type Info struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
	IsStale   bool      `json:"is_stale"`
}

// DefaultPath returns the daemon lock file under dir.
func DefaultPath(dir string) string {
	return filepath.Join(dir, "daemon.lock")
}

// NewFileLock creates a lock on lockFile that waits up to timeout in Lock.
func NewFileLock(lockFile string, timeout time.Duration) *FileLock {
	return &FileLock{
		lockFile:    lockFile,
		lockTimeout: timeout,
		pid:         os.Getpid(),
		alive:       process.IsAlive,
	}
}

// Lock acquires the file lock, clearing a stale one. It fails with
// ErrLockTimeout when another live process keeps it past the timeout.
func (fl *FileLock) Lock() error {
	if fl.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(fl.lockFile), 0o750); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	deadline := time.Now().Add(fl.lockTimeout)
	for {
		acquired, err := fl.tryCreate()
		if err != nil {
			return err
		}
		if acquired {
			fl.locked = true
			return nil
		}

		if info, err := fl.GetLockInfo(); err != nil || info.IsStale {
			_ = os.Remove(fl.lockFile) //nolint:errcheck // Best effort cleanup of stale lock
			continue
		}

		if !time.Now().Before(deadline) {
			holder := ""
			if info, err := fl.GetLockInfo(); err == nil {
				holder = fmt.Sprintf(" (held by pid %d)", info.PID)
			}
			return fmt.Errorf("%w: %v%s", ErrLockTimeout, fl.lockTimeout, holder)
		}
		time.Sleep(retryInterval)
	}
}

// tryCreate writes our pid and time to a temporary file and links it into
// place, so the lock file never exists half-written.
func (fl *FileLock) tryCreate() (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(fl.lockFile), ".lock-*")
	if err != nil {
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // the link keeps the data

	_, err = fmt.Fprintf(tmp, "%d\n%d\n", fl.pid, time.Now().Unix())
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return false, fmt.Errorf("failed to write lock data: %w", err)
	}

	if err := os.Link(tmp.Name(), fl.lockFile); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	return true, nil
}

// Unlock releases the file lock
func (fl *FileLock) Unlock() error {
	if !fl.locked {
		return nil
	}

	info, err := fl.GetLockInfo()
	if err == nil && info.PID != fl.pid {
		return ErrNotOwner
	}

	if err := os.Remove(fl.lockFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	fl.locked = false
	return nil
}

// IsLocked reports whether we hold the lock or a live process does.
func (fl *FileLock) IsLocked() bool {
	if fl.locked {
		return true
	}
	info, err := fl.GetLockInfo()
	return err == nil && !info.IsStale
}

// GetLockInfo returns information about the current lock holder
func (fl *FileLock) GetLockInfo() (*Info, error) {
	data, err := os.ReadFile(fl.lockFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return nil, ErrInvalidLockFormat
	}

	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("%w: pid %q", ErrInvalidLockFormat, fields[0])
	}
	timestamp, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q", ErrInvalidLockFormat, fields[1])
	}

	return &Info{
		PID:       pid,
		Timestamp: time.Unix(timestamp, 0),
		IsStale:   pid != fl.pid && !fl.alive(pid),
	}, nil
}

// ForceClearLock removes the lock file regardless of ownership.
func (fl *FileLock) ForceClearLock() error {
	if err := os.Remove(fl.lockFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to force clear lock: %w", err)
	}
	fl.locked = false
	return nil
}
