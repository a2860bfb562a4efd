//go:build !windows

package proctree

import (
	"errors"
	"fmt"
	"syscall"
)

func sendSignal(pid int, sig Signal) error {
	s := syscall.SIGTERM
	if sig == SignalKill {
		s = syscall.SIGKILL
	}
	err := syscall.Kill(pid, s)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		return fmt.Errorf("%w: %d", ErrProcessNotFound, pid)
	case errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %d", ErrPermissionDenied, pid)
	default:
		return err
	}
}
