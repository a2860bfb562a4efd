package supervisor

import (
	"errors"

	"github.com/loykin/srvctl/internal/config"
	"github.com/loykin/srvctl/internal/launcher"
	"github.com/loykin/srvctl/internal/proctree"
	"github.com/loykin/srvctl/internal/signalbridge"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitNotRunning  = 3
	ExitInterrupted = 130
)

// ExitCode maps an operation error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, config.ErrInvalid),
		errors.Is(err, launcher.ErrBaseDirMissing),
		errors.Is(err, launcher.ErrLogDirMissing):
		return ExitUsage
	case errors.Is(err, proctree.ErrPermissionDenied):
		return ExitPermissionDenied
	case errors.Is(err, signalbridge.ErrInterrupted):
		return ExitInterrupted
	case errors.Is(err, ErrNotRunning):
		return ExitNotRunning
	}
	return ExitFailure
}
