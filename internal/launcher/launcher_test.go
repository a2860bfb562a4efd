//go:build !windows

package launcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/loykin/srvctl/internal/pidfile"
	"github.com/loykin/srvctl/internal/privilege"
)

func shRuntime() Runtime {
	return Runtime{Interpreter: "/bin/sh", DebugInterpreter: "/bin/sh", ScriptExt: ".sh"}
}

func newTestLauncher(rt Runtime) (*Launcher, *bytes.Buffer) {
	var out bytes.Buffer
	l := New(privilege.None{}, rt, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.Stdout = &out
	l.Stderr = &out
	l.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return l, &out
}

// newBase creates <base>/log and <base>/<server>.sh with body.
func newBase(t *testing.T, server, body string) string {
	t.Helper()
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "log"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(base, server+".sh"), []byte(body), 0o600))
	return base
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "daemon", Daemon.String())
	assert.Equal(t, "foreground", Foreground.String())
	assert.Equal(t, "debug", Debug.String())
	assert.True(t, Debug.Attached())
	assert.False(t, Daemon.Attached())
}

func TestRequestDefaults(t *testing.T) {
	r := Request{Server: "mail", BaseDir: "/srv/app"}.WithDefaults()
	assert.Equal(t, filepath.Join("/srv/app", "log"), r.LogDir)
	assert.Equal(t, filepath.Join("/srv/app", "bin", "server.pid"), r.PIDFile)
	assert.Equal(t, filepath.Join("/srv/app", "log", "mail.log"), r.LogPath())

	r = Request{BaseDir: "/srv/app", LogDir: "/var/log/x", PIDFile: "/run/x.pid"}.WithDefaults()
	assert.Equal(t, "/var/log/x", r.LogDir)
	assert.Equal(t, "/run/x.pid", r.PIDFile)
}

func TestBanner(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "\n2024-01-02T02:04:05Z ========== Starting server mail ==========\n\n", Banner(at, "mail"))
}

func TestLaunchValidation(t *testing.T) {
	l, _ := newTestLauncher(shRuntime())
	ctx := context.Background()

	_, err := l.Launch(ctx, Request{Server: "mail", BaseDir: filepath.Join(t.TempDir(), "nope")})
	require.ErrorIs(t, err, ErrBaseDirMissing)

	base := t.TempDir()
	_, err = l.Launch(ctx, Request{Server: "mail", BaseDir: base})
	require.ErrorIs(t, err, ErrLogDirMissing)

	require.NoError(t, os.MkdirAll(filepath.Join(base, "log"), 0o750))
	_, err = l.Launch(ctx, Request{Server: "mail", BaseDir: base})
	require.ErrorIs(t, err, ErrExecutableNotFound)

	require.NoError(t, os.MkdirAll(filepath.Join(base, "dir.sh"), 0o750))
	_, err = l.Launch(ctx, Request{Server: "dir", BaseDir: base})
	require.ErrorIs(t, err, ErrExecutableNotFound)

	_, err = l.Launch(ctx, Request{Server: " ", BaseDir: base})
	require.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestLaunchForeground(t *testing.T) {
	base := newBase(t, "mail", "echo hello from $PWD\n")
	l, out := newTestLauncher(shRuntime())

	run, err := l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Foreground})
	require.NoError(t, err)
	assert.Greater(t, run.PID, 0)
	assert.Equal(t, Foreground, run.Mode)
	require.NoError(t, run.Wait())

	select {
	case <-run.Done():
	default:
		t.Fatal("done not closed after Wait")
	}
	got := out.String()
	banner := Banner(l.now(), "mail")
	require.True(t, strings.HasPrefix(got, banner), "banner must precede output: %q", got)
	assert.Contains(t, got, "hello from")

	_, err = os.Stat(pidfile.DefaultPath(base))
	assert.True(t, errors.Is(err, os.ErrNotExist), "foreground runs do not write a pid file")
}

func TestLaunchForegroundExitStatus(t *testing.T) {
	base := newBase(t, "mail", "exit 4\n")
	l, _ := newTestLauncher(shRuntime())
	run, err := l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Foreground})
	require.NoError(t, err)
	err = run.Wait()
	require.Error(t, err)
	var ee interface{ ExitCode() int }
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 4, ee.ExitCode())
}

func TestLaunchDebugMirrorsTrimmedLines(t *testing.T) {
	base := newBase(t, "mail", "echo '   one   '\necho '  two' 1>&2\n")
	l, out := newTestLauncher(shRuntime())
	run, err := l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Debug})
	require.NoError(t, err)
	require.NoError(t, run.Wait())

	got := out.String()
	require.True(t, strings.HasPrefix(got, Banner(l.now(), "mail")))
	assert.Contains(t, got, "\none\n")
	assert.Contains(t, got, "\ntwo\n")
}

func TestLaunchDebugUsesDebugInterpreter(t *testing.T) {
	base := newBase(t, "mail", "echo unused\n")
	rt := shRuntime()
	rt.DebugInterpreter = filepath.Join(t.TempDir(), "missing-debugger")
	l, _ := newTestLauncher(rt)
	_, err := l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Debug})
	require.ErrorIs(t, err, ErrSpawnFailed)
}

func TestLaunchInterpreterFlags(t *testing.T) {
	base := newBase(t, "mail", "echo traced\n")
	rt := shRuntime()
	rt.DebugInterpreter = "/bin/sh -x"
	l, out := newTestLauncher(rt)
	run, err := l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Debug})
	require.NoError(t, err)
	require.NoError(t, run.Wait())
	assert.Contains(t, out.String(), "+ echo traced")
}

func TestLaunchDaemon(t *testing.T) {
	base := newBase(t, "mail", "echo daemon-out\nexec sleep 30\n")
	l, out := newTestLauncher(shRuntime())

	run, err := l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Daemon})
	require.NoError(t, err)
	t.Cleanup(func() { _ = syscall.Kill(run.PID, syscall.SIGKILL) })
	require.NoError(t, run.Wait())

	pid, err := pidfile.Read(pidfile.DefaultPath(base))
	require.NoError(t, err)
	assert.Equal(t, run.PID, pid)
	assert.Empty(t, out.String(), "daemon output goes to the log file")

	logPath := filepath.Join(base, "log", "mail.log")
	assert.Equal(t, logPath, run.LogPath)
	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(logPath)
		return strings.Contains(string(b), "daemon-out")
	}, 3*time.Second, 20*time.Millisecond)
	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	banner := Banner(l.now(), "mail")
	assert.Less(t, strings.Index(string(b), banner), strings.Index(string(b), "daemon-out"))

	// a daemon leads its own session
	sid, err := unix.Getsid(run.PID)
	require.NoError(t, err)
	assert.Equal(t, run.PID, sid)
	pgid, err := syscall.Getpgid(run.PID)
	require.NoError(t, err)
	assert.Equal(t, run.PID, pgid)
}

func TestLaunchDaemonPIDWriteFailureReturnsLiveDaemon(t *testing.T) {
	base := newBase(t, "mail", "exec sleep 30\n")
	blocker := filepath.Join(base, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	l, _ := newTestLauncher(shRuntime())

	run, err := l.Launch(context.Background(), Request{
		Server: "mail", BaseDir: base, Mode: Daemon,
		PIDFile: filepath.Join(blocker, "server.pid"),
	})
	require.ErrorIs(t, err, ErrPIDNotRecorded)
	require.NotNil(t, run)
	t.Cleanup(func() { _ = syscall.Kill(run.PID, syscall.SIGKILL) })
	assert.Greater(t, run.PID, 0)
	// left running for the caller's tree killer
	assert.NoError(t, syscall.Kill(run.PID, 0))
}

func TestLaunchDaemonAppendsLog(t *testing.T) {
	base := newBase(t, "mail", "exit 0\n")
	logPath := filepath.Join(base, "log", "mail.log")
	require.NoError(t, os.WriteFile(logPath, []byte("previous run\n"), 0o600))
	l, _ := newTestLauncher(shRuntime())

	for i := 0; i < 2; i++ {
		_, err := l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Daemon})
		require.NoError(t, err)
	}
	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "previous run\n"))
	assert.Equal(t, 2, strings.Count(string(b), "Starting server mail"))
}

func TestLaunchBuild(t *testing.T) {
	base := newBase(t, "mail", "exit 0\n")
	rt := shRuntime()
	rt.BuildCommand = "echo built > built.txt"
	l, _ := newTestLauncher(rt)
	run, err := l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Foreground, Build: true})
	require.NoError(t, err)
	require.NoError(t, run.Wait())
	_, err = os.Stat(filepath.Join(base, "built.txt"))
	require.NoError(t, err)
}

func TestLaunchBuildFailureSpawnsNothing(t *testing.T) {
	base := newBase(t, "mail", "touch spawned\n")
	rt := shRuntime()
	rt.BuildCommand = "exit 3"
	l, _ := newTestLauncher(rt)
	_, err := l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Foreground, Build: true})
	require.ErrorIs(t, err, ErrBuildFailed)
	_, err = os.Stat(filepath.Join(base, "spawned"))
	assert.True(t, os.IsNotExist(err))

	rt.BuildCommand = ""
	l, _ = newTestLauncher(rt)
	_, err = l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Foreground, Build: true})
	require.ErrorIs(t, err, ErrBuildFailed)
}

func TestLaunchWrapper(t *testing.T) {
	base := newBase(t, "mail", "echo wrapped=$WRAPPED\n")
	rt := shRuntime()
	rt.Wrapper = []string{"/usr/bin/env", "WRAPPED=yes"}
	l, out := newTestLauncher(rt)
	run, err := l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Foreground})
	require.NoError(t, err)
	require.NoError(t, run.Wait())
	assert.Contains(t, out.String(), "wrapped=yes")
}

func TestLaunchEnv(t *testing.T) {
	base := newBase(t, "mail", "echo port=$PORT\n")
	l, out := newTestLauncher(shRuntime())
	run, err := l.Launch(context.Background(), Request{
		Server: "mail", BaseDir: base, Mode: Foreground,
		Env: []string{"PATH=" + os.Getenv("PATH"), "PORT=2525"},
	})
	require.NoError(t, err)
	require.NoError(t, run.Wait())
	assert.Contains(t, out.String(), "port=2525")
}

func TestLaunchSpawnFailure(t *testing.T) {
	base := newBase(t, "mail", "exit 0\n")
	rt := shRuntime()
	rt.Interpreter = filepath.Join(t.TempDir(), "no-such-interpreter")
	l, _ := newTestLauncher(rt)
	_, err := l.Launch(context.Background(), Request{Server: "mail", BaseDir: base, Mode: Daemon})
	require.ErrorIs(t, err, ErrSpawnFailed)
	_, err = pidfile.Read(pidfile.DefaultPath(base))
	require.ErrorIs(t, err, pidfile.ErrNoPIDFile)
}
