//go:build !windows

package srvctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "log"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "mail.sh"), []byte("exec sleep 30\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	fc, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	fc.BaseDir = base
	fc.Interpreter = "/bin/sh"
	fc.ScriptExt = ".sh"
	fc.Privilege.Enabled = false
	fc.GracePeriod = 2 * time.Second
	fc.KillWait = time.Second
	o, err := fc.Options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	return o
}

func TestFacadeDaemonStartStatusStop(t *testing.T) {
	ctx := context.Background()
	o := testOptions(t)
	s, err := New(ctx, o, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = s.Close() }()

	req := Request{Server: "mail", BaseDir: o.BaseDir, LogDir: o.LogDir, Mode: Daemon}
	if err := s.Start(ctx, req, StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, err := s.Status(ctx, StatusRequest{BaseDir: o.BaseDir})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	t.Cleanup(func() { _ = syscall.Kill(st.PID, syscall.SIGKILL) })
	if !st.Running || st.PID <= 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if err := s.Start(ctx, req, StartOptions{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: %v", err)
	}
	if err := s.Stop(ctx, StopRequest{BaseDir: o.BaseDir}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(filepath.Join(o.BaseDir, "bin", "server.pid")); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, stat err = %v", err)
	}
}

func TestFacadeErrorsAndExitCodes(t *testing.T) {
	ctx := context.Background()
	o := testOptions(t)
	s, err := New(ctx, o, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = s.Stop(ctx, StopRequest{BaseDir: o.BaseDir})
	if !errors.Is(err, ErrNoPID) {
		t.Fatalf("stop without pid file: %v", err)
	}
	if got := ExitCode(err); got != 1 {
		t.Fatalf("exit code = %d", got)
	}
	if _, err := s.Render("missing"); !errors.Is(err, ErrInvalidConfig) || ExitCode(err) != 2 {
		t.Fatalf("render unknown set: %v", err)
	}
	if got := ExitCode(ErrNotRunning); got != 3 {
		t.Fatalf("not running exit code = %d", got)
	}
}
