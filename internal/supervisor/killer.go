package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/loykin/srvctl/internal/privilege"
	"github.com/loykin/srvctl/internal/proctree"
)

// ExitPermissionDenied is the exit status of `killtree` when a signal was
// refused. ExecKiller maps it back to proctree.ErrPermissionDenied.
const ExitPermissionDenied = 77

// ExecKiller terminates a tree by re-executing the supervisor binary as
// `<self> killtree <pid>` through the privilege gate.
type ExecKiller struct {
	Gate     privilege.Gate
	Self     string // path of the srvctl executable
	Grace    time.Duration
	KillWait time.Duration
	Stdout   io.Writer
	Stderr   io.Writer
}

func (k *ExecKiller) TerminateTree(ctx context.Context, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("%w: %d", proctree.ErrInvalidPID, pid)
	}
	args := []string{"killtree"}
	if k.Grace > 0 {
		args = append(args, "--grace", k.Grace.String())
	}
	if k.KillWait > 0 {
		args = append(args, "--kill-wait", k.KillWait.String())
	}
	args = append(args, strconv.Itoa(pid))
	cmd := k.Gate.Command(k.Self, args...)
	cmd.Stdout = valOrWriter(k.Stdout, os.Stdout)
	cmd.Stderr = valOrWriter(k.Stderr, os.Stderr)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start killtree: %w", err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()
	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return ctx.Err()
	}
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() == ExitPermissionDenied {
		return fmt.Errorf("%w: killtree %d", proctree.ErrPermissionDenied, pid)
	}
	return fmt.Errorf("killtree %d: %w", pid, err)
}

// SelectKiller returns the in-process terminator when the gate already
// holds the privilege and an ExecKiller otherwise.
func SelectKiller(gate privilege.Gate, inProcess TreeKiller, reexec *ExecKiller) TreeKiller {
	if gate.Elevated() || reexec == nil {
		return inProcess
	}
	return reexec
}

func valOrWriter(w io.Writer, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
