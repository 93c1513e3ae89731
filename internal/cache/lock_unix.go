//go:build unix

package cache

import (
	"errors"

	"golang.org/x/sys/unix"
)

func (l *fileLock) tryLock() error {
	for {
		err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (l *fileLock) unlock() {
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
}

// isProcessAlive reports whether pid exists; EPERM means it does but
// belongs to another user.
func isProcessAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
