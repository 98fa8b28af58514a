// Package filelock wraps advisory flock(2) locks used to share link records
// and the ledger between processes.
package filelock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock blocks until it holds a lock on f. Exclusive locks exclude every other
// lock; shared locks exclude only exclusive ones.
func Lock(f *os.File, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("locking %s: %w", f.Name(), err)
		}
		return nil
	}
}

// Unlock releases the lock held on f.
func Unlock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlocking %s: %w", f.Name(), err)
	}
	return nil
}

// With opens path with flag, holds an exclusive lock on it while fn runs, and
// closes it afterwards.
func With(path string, flag int, fn func(f *os.File) error) error {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := Lock(f, true); err != nil {
		return err
	}
	defer func() { _ = Unlock(f) }()

	return fn(f)
}
