// Package pidfile persists the root PID of a detached server so a later
// invocation can find it again.
//
// The file holds a single decimal PID. Writes are last-writer-wins; Acquire
// offers an advisory flock for callers that want to serialize starts.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrNoPIDFile is returned by Read when the file does not exist.
	ErrNoPIDFile = errors.New("pid file not found")
	// ErrInvalidPID is returned by Read when the content is not a positive integer.
	ErrInvalidPID = errors.New("invalid pid in file")
	// ErrLocked is returned by Acquire when another process holds the lock.
	ErrLocked = errors.New("pid file is locked by another process")
)

// DefaultPath returns the conventional PID file location for a base directory.
func DefaultPath(baseDir string) string {
	return filepath.Join(baseDir, "bin", "server.pid")
}

// Write stores pid at path, replacing any previous content.
// The parent directory is created when missing.
func Write(path string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create pid dir %s: %w", dir, err)
	}
	// write-then-rename keeps readers from seeing a half written file
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create pid file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close pid file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod pid file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("install pid file: %w", err)
	}
	return nil
}

// Read returns the PID stored at path.
// A missing file yields ErrNoPIDFile, unparsable content ErrInvalidPID.
func Read(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNoPIDFile, path)
		}
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	// only the first line is the pid; later lines are ignored
	line, _, _ := strings.Cut(string(b), "\n")
	s := strings.TrimSpace(line)
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q in %s", ErrInvalidPID, s, path)
	}
	return pid, nil
}

// Remove deletes the PID file. A file that is already gone is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
