package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	writeLockFile    = "pt.lock"
	drainLockFile    = "drain.lock"
	writeLockTimeout = 2 * time.Second
	initialBackoff   = 5 * time.Millisecond
	maxBackoff       = 50 * time.Millisecond
)

// ErrLockBusy is returned when another process holds a lock
var ErrLockBusy = errors.New("lock held by another process")

// fileLocker manages exclusive access using OS file locks.
// The lock is released when the process exits, including crashes.
type fileLocker struct {
	lockPath string
	lockFile *os.File
}

func newFileLocker(path string) *fileLocker {
	return &fileLocker{lockPath: path}
}

// acquire attempts to get the lock, retrying with backoff until timeout.
// A zero timeout makes a single attempt.
func (l *fileLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.lockFile = f

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff

	for {
		if err := l.tryLock(); err == nil {
			l.writeHolder()
			return nil
		}

		if !time.Now().Before(deadline) {
			holder := l.readHolder()
			l.lockFile.Close()
			l.lockFile = nil
			return fmt.Errorf("%w after %v (holder: %s)", ErrLockBusy, timeout, holder)
		}

		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (l *fileLocker) release() error {
	if l.lockFile == nil {
		return nil
	}
	l.lockFile.Truncate(0)
	l.unlock()
	err := l.lockFile.Close()
	l.lockFile = nil
	return err
}

// writeHolder records the current process in the lock file for diagnostics.
func (l *fileLocker) writeHolder() {
	if l.lockFile == nil {
		return
	}
	l.lockFile.Truncate(0)
	l.lockFile.Seek(0, 0)
	fmt.Fprintf(l.lockFile, "pid:%d\ntime:%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	l.lockFile.Sync()
}

func (l *fileLocker) readHolder() string {
	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		return "unknown"
	}

	var pid, timestamp string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if strings.HasPrefix(line, "pid:") {
			pid = strings.TrimPrefix(line, "pid:")
		} else if strings.HasPrefix(line, "time:") {
			timestamp = strings.TrimPrefix(line, "time:")
		}
	}
	if pid == "" {
		return "unknown"
	}

	pidInt, err := strconv.Atoi(pid)
	if err == nil && !isProcessAlive(pidInt) {
		return fmt.Sprintf("pid:%s since %s (stale, process dead)", pid, timestamp)
	}
	return fmt.Sprintf("pid:%s since %s", pid, timestamp)
}

// DrainLock serializes drain passes across processes sharing a data dir
type DrainLock struct {
	l *fileLocker
}

// AcquireDrainLock takes the drain lock, waiting up to timeout.
// Returns an error matching ErrLockBusy if another process is draining.
func (db *DB) AcquireDrainLock(timeout time.Duration) (*DrainLock, error) {
	l := newFileLocker(filepath.Join(db.dataDir, drainLockFile))
	if err := l.acquire(timeout); err != nil {
		return nil, err
	}
	return &DrainLock{l: l}, nil
}

// Release drops the drain lock
func (d *DrainLock) Release() error {
	if d == nil {
		return nil
	}
	return d.l.release()
}

// PIDLock holds an exclusive lock for the lifetime of a long-running process
type PIDLock = DrainLock

// AcquirePIDLock prevents two daemons from serving the same data dir
func AcquirePIDLock(dataDir string) (*PIDLock, error) {
	l := newFileLocker(filepath.Join(dataDir, "daemon.pid"))
	if err := l.acquire(0); err != nil {
		return nil, err
	}
	return &PIDLock{l: l}, nil
}

// tryLock and unlock are implemented in platform-specific files:
// - lock_unix.go for Unix systems (flock)
// - lock_windows.go for Windows (LockFileEx)
