//go:build !windows

package launcher

import (
	"context"
	"os/exec"
	"syscall"
)

// configureSysProcAttr gives daemons their own session so they outlive the
// terminal; attached children get their own process group so the terminal's
// interrupt reaches only the supervisor.
func configureSysProcAttr(cmd *exec.Cmd, detached bool) {
	attrs := &syscall.SysProcAttr{}
	if detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}

func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}
