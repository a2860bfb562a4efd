// Package privilege models the escalated-privilege context the supervisor
// needs before it spawns or kills a server.
//
// A Gate is passed explicitly to the launcher and the supervisor so the
// dependency is visible and can be replaced in tests.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// ErrPrivilege is returned when the privilege probe fails.
var ErrPrivilege = errors.New("privilege check failed")

// Gate verifies and applies privilege escalation.
type Gate interface {
	// Ensure runs the privilege probe. It must be called before any spawn or kill.
	Ensure(ctx context.Context) error
	// Command returns a command that runs name with escalated privileges.
	// The command is not bound to a context: a detached child must outlive
	// the invocation that spawned it.
	Command(name string, args ...string) *exec.Cmd
	// Elevated reports whether the current process already holds the privilege,
	// in which case Command does not need to escalate.
	Elevated() bool
}

// Sudo escalates through an external command such as sudo(8).
type Sudo struct {
	// Path is the escalation program. Defaults to "sudo".
	Path string
	// Probe is the trivial command run by Ensure. Defaults to ["true"].
	Probe []string
	// Stdin, Stdout and Stderr are attached to the probe so the escalation
	// program can prompt. They default to the process streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// euid is overridable for tests.
	euid func() int
}

// NewSudo returns a Sudo gate using path (or "sudo") and the given probe.
func NewSudo(path string, probe []string) *Sudo {
	return &Sudo{Path: path, Probe: probe}
}

func (s *Sudo) path() string {
	if strings.TrimSpace(s.Path) == "" {
		return "sudo"
	}
	return s.Path
}

func (s *Sudo) probe() []string {
	if len(s.Probe) == 0 {
		return []string{"true"}
	}
	return s.Probe
}

// Elevated reports true when running as root.
func (s *Sudo) Elevated() bool {
	if s.euid != nil {
		return s.euid() == 0
	}
	return os.Geteuid() == 0
}

// Ensure runs "<path> <probe...>" synchronously and fails on a non-zero exit
// or when the escalation program cannot be started.
func (s *Sudo) Ensure(ctx context.Context) error {
	probe := s.probe()
	// #nosec G204
	cmd := exec.CommandContext(ctx, s.path(), probe...)
	cmd.Stdin = valOrReader(s.Stdin, os.Stdin)
	cmd.Stdout = valOrWriter(s.Stdout, os.Stdout)
	cmd.Stderr = valOrWriter(s.Stderr, os.Stderr)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrPrivilege, s.path(), strings.Join(probe, " "), err)
	}
	return nil
}

// Command wraps name with the escalation program unless already elevated.
func (s *Sudo) Command(name string, args ...string) *exec.Cmd {
	if s.Elevated() {
		// #nosec G204
		return exec.Command(name, args...)
	}
	// #nosec G204
	return exec.Command(s.path(), append([]string{name}, args...)...)
}

// None is a Gate that never escalates. Used when privilege mode is off.
type None struct{}

func (None) Ensure(context.Context) error { return nil }

func (None) Command(name string, args ...string) *exec.Cmd {
	// #nosec G204
	return exec.Command(name, args...)
}

func (None) Elevated() bool { return true }

func valOrReader(r io.Reader, def io.Reader) io.Reader {
	if r == nil {
		return def
	}
	return r
}

func valOrWriter(w io.Writer, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
