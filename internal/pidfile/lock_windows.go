//go:build windows

package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Lock is an exclusive "<pidfile>.lock" file. Windows has no flock, so the
// lock is the existence of the file.
type Lock struct {
	path string
}

// Acquire creates the lock file exclusively.
func Acquire(path string) (*Lock, error) {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	_ = f.Close()
	return &Lock{path: lockPath}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
