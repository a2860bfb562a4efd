//go:build windows

package proctree

import (
	"errors"
	"fmt"
	"os"
)

// Windows has no graceful signal for arbitrary processes, so TERM and KILL
// both terminate the process.
func sendSignal(pid int, _ Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("%w: %d", ErrProcessNotFound, pid)
	}
	defer func() { _ = p.Release() }()
	if err := p.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("%w: %d", ErrProcessNotFound, pid)
		}
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("%w: %d", ErrPermissionDenied, pid)
		}
		return err
	}
	return nil
}
