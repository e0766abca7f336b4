//go:build unix

package db

import (
	"golang.org/x/sys/unix"
)

// tryLock attempts to acquire an exclusive lock without blocking.
func (l *fileLocker) tryLock() error {
	return unix.Flock(int(l.lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func (l *fileLocker) unlock() {
	if l.lockFile != nil {
		unix.Flock(int(l.lockFile.Fd()), unix.LOCK_UN)
	}
}

// isProcessAlive sends signal 0 to check whether pid exists.
func isProcessAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
