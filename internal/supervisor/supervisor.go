// Package supervisor composes the privilege gate, launcher, PID registry,
// tree terminator and signal bridge into the start, stop, killtree and
// status operations.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/srvctl/internal/config"
	"github.com/loykin/srvctl/internal/detector"
	"github.com/loykin/srvctl/internal/history"
	"github.com/loykin/srvctl/internal/launcher"
	"github.com/loykin/srvctl/internal/metrics"
	"github.com/loykin/srvctl/internal/pidfile"
	"github.com/loykin/srvctl/internal/privilege"
	"github.com/loykin/srvctl/internal/proctree"
	"github.com/loykin/srvctl/internal/render"
	"github.com/loykin/srvctl/internal/signalbridge"
)

var (
	// ErrNoPID means stop could not determine which process to terminate.
	ErrNoPID = errors.New("no pid to stop")
	// ErrAlreadyRunning is returned by a daemon start when the PID file
	// names a live process or another start holds the lock.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrNotRunning is reported by status when nothing is running.
	ErrNotRunning = errors.New("server not running")
)

// Launcher spawns a server.
type Launcher interface {
	Launch(ctx context.Context, req launcher.Request) (*launcher.Running, error)
}

// TreeKiller terminates a process tree.
type TreeKiller interface {
	TerminateTree(ctx context.Context, pid int) error
}

// Bridge relays interrupts of an attached run to a TreeKiller.
type Bridge interface {
	// Arm subscribes to interrupts before the child exists.
	Arm() SignalWatch
}

// SignalWatch is an armed Bridge subscription.
type SignalWatch interface {
	Run(ctx context.Context, pid int, done <-chan struct{}) error
	Disarm()
}

// Supervisor runs lifecycle operations for one server.
type Supervisor struct {
	Gate     privilege.Gate
	Launcher Launcher
	// Killer is used by stop and by the bridge; it escalates when needed.
	Killer TreeKiller
	// Terminator runs in-process; killtree uses it directly.
	Terminator TreeKiller
	Bridge     Bridge
	Provider   proctree.Provider
	History    history.Sink // optional
	Renderer   render.Renderer
	RenderSets map[string][]render.File
	Out        io.Writer // user-facing hints
	Logger     *slog.Logger

	now func() time.Time
}

// StartOptions tune a start beyond the launch request.
type StartOptions struct {
	Force     bool   // start even when the PID file names a live process
	RenderSet string // render this config set before launching
}

// Start renders configuration when asked, passes the privilege gate and
// launches the server. Daemon starts return once the PID is persisted;
// attached starts block until the child exits or is interrupted.
func (s *Supervisor) Start(ctx context.Context, req launcher.Request, opts StartOptions) error {
	req = req.WithDefaults()
	log := s.logger().With("server", req.Server, "mode", req.Mode.String())
	if strings.TrimSpace(req.BaseDir) == "" {
		return fmt.Errorf("%w: base directory is required", config.ErrInvalid)
	}
	if fi, err := os.Stat(req.BaseDir); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %s", launcher.ErrBaseDirMissing, req.BaseDir)
	}
	if opts.RenderSet != "" {
		if _, err := s.Render(opts.RenderSet); err != nil {
			return err
		}
	}
	if err := s.Gate.Ensure(ctx); err != nil {
		return err
	}

	if req.Mode == launcher.Daemon {
		lock, err := pidfile.Acquire(req.PIDFile)
		if err != nil {
			if errors.Is(err, pidfile.ErrLocked) {
				return fmt.Errorf("%w: another start holds %s.lock", ErrAlreadyRunning, req.PIDFile)
			}
			return err
		}
		defer func() { _ = lock.Release() }()
		if !opts.Force {
			d := detector.PIDFileDetector{PIDFile: req.PIDFile}
			if alive, err := d.Alive(); err == nil && alive {
				return fmt.Errorf("%w: %s names a live process (use --force to start anyway)", ErrAlreadyRunning, d.Describe())
			}
		}
	}

	// the attached child leads its own process group, so the terminal's
	// interrupt only reaches this process; subscribe before it exists
	var watch SignalWatch
	if req.Mode.Attached() {
		watch = s.Bridge.Arm()
		defer watch.Disarm()
	}

	run, err := s.Launcher.Launch(ctx, req)
	metrics.ObserveLaunch(req.Server, req.Mode.String(), s.clock(), err)
	if errors.Is(err, launcher.ErrPIDNotRecorded) && run != nil {
		return s.abandonDaemon(ctx, run.PID, err)
	}
	if err != nil {
		return err
	}
	rec := history.Record{Server: req.Server, PID: run.PID, Mode: req.Mode.String(), BaseDir: req.BaseDir, StartedAt: run.StartedAt}
	s.record(ctx, history.EventStart, rec)

	if !req.Mode.Attached() {
		_, _ = fmt.Fprintf(s.out(), "Started %s as pid %d (log %s)\n", req.Server, run.PID, run.LogPath)
		return nil
	}

	bridgeErr := watch.Run(ctx, run.PID, run.Done())
	switch {
	case bridgeErr == nil:
		err := run.Wait()
		if err != nil {
			rec.Error = err.Error()
			err = fmt.Errorf("server %s exited: %w", req.Server, err)
		}
		s.record(ctx, history.EventExit, rec)
		log.Info("server exited", "pid", run.PID, "error", err)
		return err
	case errors.Is(bridgeErr, signalbridge.ErrInterrupted):
		<-run.Done()
		s.record(ctx, history.EventInterrupt, rec)
		return bridgeErr
	default:
		rec.Error = bridgeErr.Error()
		s.record(ctx, history.EventInterrupt, rec)
		return bridgeErr
	}
}

// abandonDaemon terminates a daemon whose PID could not be persisted; an
// untracked daemon could never be stopped.
func (s *Supervisor) abandonDaemon(ctx context.Context, pid int, cause error) error {
	kerr := s.Killer.TerminateTree(context.WithoutCancel(ctx), pid)
	if kerr == nil {
		return cause
	}
	s.logger().Error("failed to terminate untracked daemon", "pid", pid, "error", kerr)
	if errors.Is(kerr, proctree.ErrPermissionDenied) {
		_, _ = fmt.Fprintf(s.out(), "Daemon %d is running without a PID file; run manually:\n  %s\n", pid, proctree.ManualCommand(pid))
	}
	return errors.Join(cause, fmt.Errorf("terminate untracked daemon %d: %w", pid, kerr))
}

// StopRequest names the process to stop. Target is a PID or a PID file
// path; when empty PIDFile or the base directory default is used.
type StopRequest struct {
	Target  string
	BaseDir string
	PIDFile string
	Server  string // label for history and metrics
}

// Stop resolves the PID, passes the privilege gate, terminates the tree
// and clears the PID file that named it.
func (s *Supervisor) Stop(ctx context.Context, req StopRequest) error {
	pid, path, err := resolvePID(req)
	if err != nil {
		return err
	}
	log := s.logger().With("pid", pid)
	if err := s.Gate.Ensure(ctx); err != nil {
		return err
	}

	if alive, _ := (detector.PIDDetector{PID: pid}).Alive(); !alive {
		log.Info("process already gone; sweeping any remaining tree")
	}
	begin := s.clock()
	err = s.Killer.TerminateTree(ctx, pid)
	metrics.ObserveStop(serverName(req), s.clock().Sub(begin), err)
	rec := history.Record{Server: serverName(req), PID: pid, BaseDir: req.BaseDir}
	if err != nil {
		if errors.Is(err, proctree.ErrPermissionDenied) {
			_, _ = fmt.Fprintf(s.out(), "Unable to stop process tree %d; run manually:\n  %s\n", pid, proctree.ManualCommand(pid))
		}
		rec.Error = err.Error()
		s.record(ctx, history.EventStop, rec)
		return err
	}
	if path != "" {
		if err := pidfile.Remove(path); err != nil {
			log.Warn("failed to remove pid file", "path", path, "error", err)
		}
	}
	s.record(ctx, history.EventStop, rec)
	log.Info("process tree stopped")
	return nil
}

// resolvePID returns the PID to stop and the PID file it came from, if any.
func resolvePID(req StopRequest) (int, string, error) {
	target := strings.TrimSpace(req.Target)
	if n, err := strconv.Atoi(target); err == nil && n > 0 {
		return n, "", nil
	}
	path := target
	if path == "" {
		path = req.PIDFile
	}
	if path == "" && req.BaseDir != "" {
		path = pidfile.DefaultPath(req.BaseDir)
	}
	if path == "" {
		return 0, "", fmt.Errorf("%w: give a pid, a pid file or a base directory", config.ErrInvalid)
	}
	pid, err := pidfile.Read(path)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrNoPID, err)
	}
	return pid, path, nil
}

// KillTree terminates pid's tree in-process. It backs the privileged
// `killtree` re-exec, so it never escalates itself.
func (s *Supervisor) KillTree(ctx context.Context, pid int) error {
	return s.Terminator.TerminateTree(ctx, pid)
}

// StatusRequest locates the PID file to inspect.
type StatusRequest struct {
	BaseDir string
	PIDFile string
	Server  string // label for metrics
}

// Status describes the server recorded in a PID file.
type Status struct {
	PIDFile     string
	PID         int
	Running     bool
	StartedAt   time.Time
	Command     string
	Descendants int
	Usage       metrics.Usage
}

// Status inspects the recorded server. A missing or unreadable PID file
// yields a not-running Status and no error.
func (s *Supervisor) Status(ctx context.Context, req StatusRequest) (Status, error) {
	path := req.PIDFile
	if path == "" && req.BaseDir != "" {
		path = pidfile.DefaultPath(req.BaseDir)
	}
	if path == "" {
		return Status{}, fmt.Errorf("%w: give a pid file or a base directory", config.ErrInvalid)
	}
	st := Status{PIDFile: path}
	pid, err := pidfile.Read(path)
	if err != nil {
		if errors.Is(err, pidfile.ErrNoPIDFile) || errors.Is(err, pidfile.ErrInvalidPID) {
			return st, nil
		}
		return st, err
	}
	st.PID = pid
	info, err := detector.Inspect(ctx, pid)
	if err != nil {
		return st, nil
	}
	st.Running = true
	st.StartedAt = info.StartedAt
	st.Command = info.Command
	tree := []int{pid}
	if s.Provider != nil {
		if procs, err := s.Provider.Processes(ctx); err == nil {
			tree = proctree.Tree(procs, pid)
			st.Descendants = len(tree) - 1
		}
	}
	st.Usage = metrics.TreeUsage(ctx, tree)
	metrics.SetTree(req.Server, st.Usage.Processes, st.Usage.RSSBytes)
	return st, nil
}

// Render materializes the named config set and returns the written paths.
func (s *Supervisor) Render(set string) ([]string, error) {
	files, ok := s.RenderSets[set]
	if !ok || len(files) == 0 {
		return nil, fmt.Errorf("%w: unknown render set %q", config.ErrInvalid, set)
	}
	written, err := s.Renderer.Render(files)
	for _, p := range written {
		s.logger().Info("updated config file", "path", p)
	}
	return written, err
}

// Close releases the history sink.
func (s *Supervisor) Close() error {
	if s.History != nil {
		return s.History.Close()
	}
	return nil
}

func (s *Supervisor) record(ctx context.Context, typ history.EventType, rec history.Record) {
	if s.History == nil {
		return
	}
	ev := history.Event{Type: typ, OccurredAt: s.clock(), Record: rec}
	if err := s.History.Send(ctx, ev); err != nil {
		s.logger().Warn("failed to record history event", "event", string(typ), "error", err)
	}
}

func serverName(req StopRequest) string {
	if req.Server != "" {
		return req.Server
	}
	return "unknown"
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Supervisor) out() io.Writer {
	if s.Out != nil {
		return s.Out
	}
	return os.Stderr
}

func (s *Supervisor) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
