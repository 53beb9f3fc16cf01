package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultLockTimeout bounds how long WithLock waits for a contended lock.
const DefaultLockTimeout = 10 * time.Second

// lockPollInterval is how often a contended lock is retried.
const lockPollInterval = 50 * time.Millisecond

// ErrLockTimeout is returned when a lock could not be acquired in time.
var ErrLockTimeout = errors.New("timed out waiting for file lock")

// WithLock runs fn while holding an exclusive advisory lock on lockPath.
// The lock is released on every exit path, including a panic in fn.
// A non-positive timeout uses DefaultLockTimeout.
func WithLock(lockPath string, timeout time.Duration, fn func() error) (err error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // closing also drops the flock
	}()

	if err := acquire(f, timeout); err != nil {
		return err
	}
	defer func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck // unlock best-effort
	}()

	return fn()
}

func acquire(f *os.File, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("acquire lock %s: %w", f.Name(), err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, f.Name())
		}
		time.Sleep(lockPollInterval)
	}
}

// AppendLocked appends data to path under an advisory lock on path+".lock".
// Losing lock ordering on a log is tolerable but blocking is not, so when
// the lock cannot be obtained the append is retried without it. The
// returned bool reports whether the lock was held.
func AppendLocked(path string, data []byte, timeout time.Duration) (bool, error) {
	var appendErr error
	lockErr := WithLock(path+".lock", timeout, func() error {
		appendErr = appendFile(path, data)
		return nil
	})
	if lockErr == nil {
		return true, appendErr
	}
	return false, appendFile(path, data)
}

func appendFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close() //nolint:errcheck // cleanup in error path
		return fmt.Errorf("write: %w", err)
	}
	return f.Close()
}
