package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/srvctl/internal/config"
	"github.com/loykin/srvctl/internal/launcher"
	"github.com/loykin/srvctl/internal/logger"
	"github.com/loykin/srvctl/internal/metrics"
	"github.com/loykin/srvctl/internal/preset"
	"github.com/loykin/srvctl/internal/supervisor"
)

// registry holds srvctl metrics only, so the textfile does not repeat the
// Go runtime collectors node_exporter already exports.
var registry = prometheus.NewRegistry()

type command struct {
	global *GlobalFlags
	stdout io.Writer
	stderr io.Writer

	newSupervisor func(ctx context.Context, o config.Options, log *slog.Logger) (*supervisor.Supervisor, error)
}

func newCommand(g *GlobalFlags, stdout, stderr io.Writer) *command {
	return &command{global: g, stdout: stdout, stderr: stderr, newSupervisor: supervisor.New}
}

// session is one invocation's resolved configuration and supervisor.
type session struct {
	opts   config.Options
	log    *slog.Logger
	sup    *supervisor.Supervisor
	closer io.Closer
}

func (s *session) close() {
	if s.opts.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(s.opts.MetricsTextfile, registry); err != nil {
			s.log.Warn("failed to write metrics textfile", "path", s.opts.MetricsTextfile, "error", err)
		}
	}
	if err := s.sup.Close(); err != nil {
		s.log.Warn("failed to close history sink", "error", err)
	}
	_ = s.closer.Close()
}

// open loads the config file, lets mutate apply command-line overrides and
// builds the supervisor.
func (c *command) open(ctx context.Context, mutate func(*config.FileConfig)) (*session, error) {
	fc, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.global.LogLevel != "" {
		fc.Log.Level = c.global.LogLevel
	}
	if mutate != nil {
		mutate(&fc)
	}
	opts, err := fc.Options()
	if err != nil {
		return nil, err
	}
	log, closer, err := logger.New(opts.Log, c.stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	if err := metrics.Register(registry); err != nil {
		log.Warn("metrics disabled", "error", err)
	}
	sup, err := c.newSupervisor(ctx, opts, log)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	sup.Out = c.stderr
	return &session{opts: opts, log: log, sup: sup, closer: closer}, nil
}

func (c *command) Start(ctx context.Context, server string, f StartFlags) error {
	s, err := c.open(ctx, func(fc *config.FileConfig) {
		setIf(&fc.BaseDir, f.BaseDir)
		setIf(&fc.LogDir, f.LogDir)
		setIf(&fc.PIDFile, f.PIDFile)
		setIf(&fc.Wrapper, f.Wrapper)
		if f.NoSudo {
			fc.Privilege.Enabled = false
		}
	})
	if err != nil {
		return err
	}
	defer s.close()

	mode := launcher.Daemon
	switch {
	case f.Debug:
		mode = launcher.Debug
	case f.Foreground:
		mode = launcher.Foreground
	}
	req := launcher.Request{
		Server:  server,
		BaseDir: s.opts.BaseDir,
		LogDir:  s.opts.LogDir,
		PIDFile: s.opts.PIDFile,
		Mode:    mode,
		Build:   f.Build,
		Env:     s.opts.Env,
	}
	return s.sup.Start(ctx, req, supervisor.StartOptions{Force: f.Force, RenderSet: f.Render})
}

func (c *command) Stop(ctx context.Context, target string, f StopFlags) error {
	s, err := c.open(ctx, func(fc *config.FileConfig) {
		setIf(&fc.BaseDir, f.BaseDir)
		setIf(&fc.PIDFile, f.PIDFile)
		if f.NoSudo {
			fc.Privilege.Enabled = false
		}
	})
	if err != nil {
		return err
	}
	defer s.close()
	return s.sup.Stop(ctx, supervisor.StopRequest{
		Target:  target,
		BaseDir: s.opts.BaseDir,
		PIDFile: s.opts.PIDFile,
	})
}

// KillTree runs the in-process terminator. It is what the escalated
// re-exec executes, so the privilege gate is never consulted.
func (c *command) KillTree(ctx context.Context, arg string, f KillTreeFlags) error {
	pid, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || pid <= 0 {
		return fmt.Errorf("%w: invalid pid %q", config.ErrInvalid, arg)
	}
	s, err := c.open(ctx, func(fc *config.FileConfig) {
		fc.Privilege.Enabled = false
		fc.History.DSN = ""
		if f.Grace > 0 {
			fc.GracePeriod = f.Grace
		}
		if f.KillWait > 0 {
			fc.KillWait = f.KillWait
		}
	})
	if err != nil {
		return err
	}
	defer s.close()
	return s.sup.KillTree(ctx, pid)
}

type statusView struct {
	PIDFile     string    `json:"pid_file"`
	PID         int       `json:"pid,omitempty"`
	Running     bool      `json:"running"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	Command     string    `json:"command,omitempty"`
	Descendants int       `json:"descendants"`
	RSSBytes    uint64    `json:"rss_bytes"`
	CPUPercent  float64   `json:"cpu_percent"`
}

func (c *command) Status(ctx context.Context, f StatusFlags) error {
	s, err := c.open(ctx, func(fc *config.FileConfig) {
		setIf(&fc.BaseDir, f.BaseDir)
		setIf(&fc.PIDFile, f.PIDFile)
	})
	if err != nil {
		return err
	}
	defer s.close()
	st, err := s.sup.Status(ctx, supervisor.StatusRequest{BaseDir: s.opts.BaseDir, PIDFile: s.opts.PIDFile})
	if err != nil {
		return err
	}
	v := statusView{
		PIDFile:     st.PIDFile,
		PID:         st.PID,
		Running:     st.Running,
		StartedAt:   st.StartedAt,
		Command:     st.Command,
		Descendants: st.Descendants,
		RSSBytes:    st.Usage.RSSBytes,
		CPUPercent:  st.Usage.CPUPercent,
	}
	if f.JSON {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return err
		}
	} else {
		printStatus(c.stdout, v)
	}
	if !st.Running {
		return supervisor.ErrNotRunning
	}
	return nil
}

func printStatus(w io.Writer, v statusView) {
	if !v.Running {
		if v.PID > 0 {
			_, _ = fmt.Fprintf(w, "not running (stale pid %d in %s)\n", v.PID, v.PIDFile)
			return
		}
		_, _ = fmt.Fprintf(w, "not running (no pid in %s)\n", v.PIDFile)
		return
	}
	_, _ = fmt.Fprintf(w, "running pid=%d descendants=%d rss=%dKiB cpu=%.1f%%\n",
		v.PID, v.Descendants, v.RSSBytes/1024, v.CPUPercent)
	if !v.StartedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "  started %s (up %s)\n", v.StartedAt.Format(time.RFC3339),
			time.Since(v.StartedAt).Truncate(time.Second))
	}
	if v.Command != "" {
		_, _ = fmt.Fprintf(w, "  command %s\n", v.Command)
	}
}

func (c *command) Render(ctx context.Context, set string, f RenderFlags) error {
	s, err := c.open(ctx, func(fc *config.FileConfig) {
		setIf(&fc.BaseDir, f.BaseDir)
	})
	if err != nil {
		return err
	}
	defer s.close()
	written, err := s.sup.Render(set)
	for _, p := range written {
		_, _ = fmt.Fprintln(c.stdout, "Updated custom config file:", p)
	}
	return err
}

// Init writes a starter config. It needs no existing configuration.
func (c *command) Init(f InitFlags) error {
	b, err := preset.NewGenerator().GenerateTOML(preset.Type(f.Type), f.BaseDir)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	if f.Output == "" {
		_, err := c.stdout.Write(b)
		return err
	}
	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", f.Output)
	}
	if err := os.MkdirAll(filepath.Dir(f.Output), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(f.Output, b, 0o600); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.stdout, "wrote", f.Output)
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
