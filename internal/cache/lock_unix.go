//go:build unix

package cache

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// fileLock holds an exclusive flock(2) on a dedicated lock file. flock is
// advisory and applies to the inode, so the lock file must never be renamed
// or replaced while locks may be held; the cache publish renames only the
// data file, the lock file stays stable on disk.
type fileLock struct {
	file *os.File
}

// acquireLock polls a non-blocking exclusive flock with exponential backoff
// until the timeout expires.
func acquireLock(path string, timeout time.Duration) (*fileLock, error) {
	file, openError := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if openError != nil {
		return nil, fmt.Errorf("opening lock file: %w", openError)
	}

	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond
	for {
		flockError := flockRetryEINTR(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if flockError == nil {
			return &fileLock{file: file}, nil
		}
		if !errors.Is(flockError, unix.EWOULDBLOCK) && !errors.Is(flockError, unix.EAGAIN) {
			_ = file.Close()
			return nil, fmt.Errorf("flock: %w", flockError)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			_ = file.Close()
			return nil, fmt.Errorf("lock timeout after %s", timeout)
		}
		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}
		time.Sleep(sleep)
		if backoff < 25*time.Millisecond {
			backoff *= 2
		}
	}
}

func (l *fileLock) release() error {
	if l.file == nil {
		return nil
	}
	unlockError := flockRetryEINTR(int(l.file.Fd()), unix.LOCK_UN)
	closeError := l.file.Close()
	l.file = nil
	return errors.Join(unlockError, closeError)
}

// flockRetryEINTR retries flock when a signal interrupts the syscall.
func flockRetryEINTR(fd int, how int) error {
	const maxRetries = 10000
	var err error
	for range maxRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}
	return err
}
