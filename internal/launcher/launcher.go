// Package launcher spawns a server script either attached to the terminal
// (Foreground, Debug) or detached as a daemon whose PID is persisted.
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/srvctl/internal/pidfile"
	"github.com/loykin/srvctl/internal/privilege"
)

var (
	ErrBaseDirMissing     = errors.New("base directory does not exist")
	ErrLogDirMissing      = errors.New("log directory does not exist")
	ErrExecutableNotFound = errors.New("server script not found")
	ErrSpawnFailed        = errors.New("failed to spawn server")
	ErrBuildFailed        = errors.New("build step failed")
	// ErrPIDNotRecorded accompanies a non-nil Running: the daemon is up but
	// its PID file could not be written, so the caller must terminate it.
	ErrPIDNotRecorded = errors.New("daemon pid not recorded")
)

// Mode selects how the server is attached to the invoking terminal.
type Mode int

const (
	Daemon Mode = iota
	Foreground
	Debug
)

func (m Mode) String() string {
	switch m {
	case Daemon:
		return "daemon"
	case Foreground:
		return "foreground"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Attached reports whether the supervisor stays resident for the child's lifetime.
func (m Mode) Attached() bool { return m == Foreground || m == Debug }

// Runtime describes how a server script is executed.
type Runtime struct {
	Interpreter      string   // e.g. "node"; may include flags
	DebugInterpreter string   // used in Debug mode
	ScriptExt        string   // appended to the server name, e.g. ".js"
	Wrapper          []string // optional environment manager prefix; disables escalation
	BuildCommand     string   // shell command run in BaseDir when Request.Build is set
}

// Request is one launch.
type Request struct {
	Server  string
	BaseDir string
	LogDir  string // defaults to <BaseDir>/log
	PIDFile string // defaults to <BaseDir>/bin/server.pid
	Mode    Mode
	Build   bool
	Env     []string // full child environment in K=V form; nil inherits
}

// WithDefaults fills LogDir and PIDFile from BaseDir.
func (r Request) WithDefaults() Request {
	if r.LogDir == "" && r.BaseDir != "" {
		r.LogDir = filepath.Join(r.BaseDir, "log")
	}
	if r.PIDFile == "" && r.BaseDir != "" {
		r.PIDFile = pidfile.DefaultPath(r.BaseDir)
	}
	return r
}

// LogPath is the append-only log stream of a daemon run.
func (r Request) LogPath() string {
	return filepath.Join(r.LogDir, r.Server+".log")
}

// Running is a spawned server.
type Running struct {
	PID       int
	StartedAt time.Time
	Mode      Mode
	LogPath   string

	done chan struct{}
	err  error
}

// Wait blocks until an attached child exits and returns its exit error.
// For daemons it returns nil immediately.
func (r *Running) Wait() error {
	<-r.done
	return r.err
}

// Done is closed once the child has been reaped.
func (r *Running) Done() <-chan struct{} { return r.done }

// Launcher spawns servers through a privilege gate.
type Launcher struct {
	Gate    privilege.Gate
	Runtime Runtime
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  *slog.Logger

	now func() time.Time
}

// New returns a Launcher writing to the process streams.
func New(gate privilege.Gate, rt Runtime, logger *slog.Logger) *Launcher {
	if gate == nil {
		gate = privilege.None{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{Gate: gate, Runtime: rt, Stdout: os.Stdout, Stderr: os.Stderr, Logger: logger}
}

// Banner returns the separator written ahead of every launch.
func Banner(at time.Time, server string) string {
	return fmt.Sprintf("\n%s ========== Starting server %s ==========\n\n", at.UTC().Format(time.RFC3339), server)
}

// Launch validates req, runs the optional build and spawns the server.
// On ErrPIDNotRecorded the returned Running is non-nil and names the live
// daemon; every other error comes with a nil Running.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Running, error) {
	req = req.WithDefaults()
	script, err := l.validate(req)
	if err != nil {
		return nil, err
	}
	if req.Build {
		if err := l.build(ctx, req); err != nil {
			return nil, err
		}
	}
	cmd := l.command(req, script)
	cmd.Dir = req.BaseDir
	if req.Env != nil {
		cmd.Env = req.Env
	}
	switch req.Mode {
	case Daemon:
		return l.startDaemon(cmd, req)
	case Debug:
		return l.startDebug(cmd, req)
	default:
		return l.startForeground(cmd, req)
	}
}

func (l *Launcher) validate(req Request) (string, error) {
	if strings.TrimSpace(req.Server) == "" {
		return "", fmt.Errorf("%w: empty server name", ErrExecutableNotFound)
	}
	if fi, err := os.Stat(req.BaseDir); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrBaseDirMissing, req.BaseDir)
	}
	if fi, err := os.Stat(req.LogDir); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrLogDirMissing, req.LogDir)
	}
	script := filepath.Join(req.BaseDir, req.Server+l.Runtime.ScriptExt)
	fi, err := os.Stat(script)
	if err != nil || !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, script)
	}
	return script, nil
}

func (l *Launcher) build(ctx context.Context, req Request) error {
	if strings.TrimSpace(l.Runtime.BuildCommand) == "" {
		return fmt.Errorf("%w: no build command configured", ErrBuildFailed)
	}
	cmd := shellCommand(ctx, l.Runtime.BuildCommand)
	cmd.Dir = req.BaseDir
	if req.Env != nil {
		cmd.Env = req.Env
	}
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	l.Logger.Info("running build", "dir", req.BaseDir, "command", l.Runtime.BuildCommand)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	return nil
}

// command assembles [Wrapper...] Interpreter Script, escalated via the gate
// unless a wrapper is configured.
func (l *Launcher) command(req Request, script string) *exec.Cmd {
	interp := l.Runtime.Interpreter
	if req.Mode == Debug && l.Runtime.DebugInterpreter != "" {
		interp = l.Runtime.DebugInterpreter
	}
	// an interpreter may carry its own flags, e.g. "node --inspect-brk"
	argv := append(strings.Fields(interp), script)
	if len(l.Runtime.Wrapper) > 0 {
		args := append(append([]string{}, l.Runtime.Wrapper[1:]...), argv...)
		// #nosec G204
		return exec.Command(l.Runtime.Wrapper[0], args...)
	}
	return l.Gate.Command(argv[0], argv[1:]...)
}

func (l *Launcher) startDaemon(cmd *exec.Cmd, req Request) (*Running, error) {
	logPath := req.LogPath()
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644) // #nosec G302
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", logPath, err)
	}
	defer func() { _ = f.Close() }()

	started := l.clock()
	if _, err := io.WriteString(f, Banner(started, req.Server)); err != nil {
		return nil, fmt.Errorf("write banner: %w", err)
	}
	cmd.Stdin = nil
	cmd.Stdout = f
	cmd.Stderr = f
	configureSysProcAttr(cmd, true)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	done := make(chan struct{})
	close(done)
	run := &Running{PID: pid, StartedAt: started, Mode: Daemon, LogPath: logPath, done: done}
	if err := pidfile.Write(req.PIDFile, pid); err != nil {
		// the root may be an escalated wrapper this process cannot signal,
		// so tree termination is left to the caller's killer
		return run, fmt.Errorf("%w: pid %d: %w", ErrPIDNotRecorded, pid, err)
	}
	l.Logger.Info("server started", "server", req.Server, "pid", pid, "mode", req.Mode.String(),
		"pid_file", req.PIDFile, "log", logPath)
	return run, nil
}

func (l *Launcher) startForeground(cmd *exec.Cmd, req Request) (*Running, error) {
	started := l.clock()
	if _, err := io.WriteString(l.Stdout, Banner(started, req.Server)); err != nil {
		return nil, fmt.Errorf("write banner: %w", err)
	}
	cmd.Stdin = nil
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	configureSysProcAttr(cmd, false)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	run := &Running{PID: cmd.Process.Pid, StartedAt: started, Mode: req.Mode, done: make(chan struct{})}
	l.Logger.Info("server started", "server", req.Server, "pid", run.PID, "mode", req.Mode.String())
	go func() {
		run.err = cmd.Wait()
		close(run.done)
	}()
	return run, nil
}

func (l *Launcher) startDebug(cmd *exec.Cmd, req Request) (*Running, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	started := l.clock()
	if _, err := io.WriteString(l.Stdout, Banner(started, req.Server)); err != nil {
		return nil, fmt.Errorf("write banner: %w", err)
	}
	cmd.Stdin = nil
	configureSysProcAttr(cmd, false)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	run := &Running{PID: cmd.Process.Pid, StartedAt: started, Mode: Debug, done: make(chan struct{})}
	l.Logger.Info("server started", "server", req.Server, "pid", run.PID, "mode", Debug.String())

	var mu sync.Mutex
	var pumps sync.WaitGroup
	pump := func(r io.Reader) {
		defer pumps.Done()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			mu.Lock()
			_, _ = io.WriteString(l.Stdout, line+"\n")
			mu.Unlock()
		}
	}
	pumps.Add(2)
	go pump(stdout)
	go pump(stderr)
	go func() {
		// pipes must be drained before Wait closes them
		pumps.Wait()
		run.err = cmd.Wait()
		close(run.done)
	}()
	return run, nil
}

func (l *Launcher) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}
