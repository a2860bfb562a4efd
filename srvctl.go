// Package srvctl exposes the server lifecycle supervisor for embedding.
package srvctl

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/srvctl/internal/config"
	"github.com/loykin/srvctl/internal/launcher"
	"github.com/loykin/srvctl/internal/metrics"
	"github.com/loykin/srvctl/internal/supervisor"
)

// Re-export core types for external consumers.

type FileConfig = config.FileConfig

type Options = config.Options

type Request = launcher.Request

type Mode = launcher.Mode

const (
	Daemon     = launcher.Daemon
	Foreground = launcher.Foreground
	Debug      = launcher.Debug
)

type StartOptions = supervisor.StartOptions

type StopRequest = supervisor.StopRequest

type StatusRequest = supervisor.StatusRequest

type Status = supervisor.Status

var (
	ErrInvalidConfig  = config.ErrInvalid
	ErrNoPID          = supervisor.ErrNoPID
	ErrAlreadyRunning = supervisor.ErrAlreadyRunning
	ErrNotRunning     = supervisor.ErrNotRunning
)

// LoadConfig reads a TOML config file; an empty path yields defaults.
func LoadConfig(path string) (FileConfig, error) { return config.Load(path) }

// Supervisor is a thin facade over internal/supervisor.Supervisor.
type Supervisor struct{ inner *supervisor.Supervisor }

func New(ctx context.Context, o Options, logger *slog.Logger) (*Supervisor, error) {
	s, err := supervisor.New(ctx, o, logger)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

func (s *Supervisor) Start(ctx context.Context, req Request, opts StartOptions) error {
	return s.inner.Start(ctx, req, opts)
}
func (s *Supervisor) Stop(ctx context.Context, req StopRequest) error { return s.inner.Stop(ctx, req) }
func (s *Supervisor) KillTree(ctx context.Context, pid int) error     { return s.inner.KillTree(ctx, pid) }
func (s *Supervisor) Status(ctx context.Context, req StatusRequest) (Status, error) {
	return s.inner.Status(ctx, req)
}
func (s *Supervisor) Render(set string) ([]string, error) { return s.inner.Render(set) }
func (s *Supervisor) Close() error                        { return s.inner.Close() }

// ExitCode maps an error returned by the supervisor to a process exit status.
func ExitCode(err error) int { return supervisor.ExitCode(err) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr. It blocks
// like http.Server.ListenAndServe.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
