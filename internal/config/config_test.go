package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "srvctl.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

func envValue(list []string, key string) string {
	for _, kv := range list {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

func TestLoadDefaults(t *testing.T) {
	fc, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "node", fc.Interpreter)
	assert.Equal(t, "node-debug", fc.DebugInterpreter)
	assert.Equal(t, ".js", fc.ScriptExt)
	assert.Equal(t, 5*time.Second, fc.GracePeriod)
	assert.Equal(t, 2*time.Second, fc.KillWait)
	assert.True(t, fc.UseOSEnv)
	assert.True(t, fc.Privilege.Enabled)
	assert.Equal(t, "sudo", fc.Privilege.Command)
	assert.Equal(t, []string{"true"}, fc.Privilege.Probe)
	assert.Equal(t, "info", fc.Log.Level)
}

func TestOptionsDerivePathsFromBaseDir(t *testing.T) {
	fc, err := Load("")
	require.NoError(t, err)
	fc.BaseDir = "/srv/mail/"
	o, err := fc.Options()
	require.NoError(t, err)
	assert.Equal(t, "/srv/mail", o.BaseDir)
	assert.Equal(t, filepath.Join("/srv/mail", "log"), o.LogDir)
	assert.Equal(t, filepath.Join("/srv/mail", "bin", "server.pid"), o.PIDFile)
	assert.Equal(t, filepath.Join("/srv/mail", "config"), o.Render.ConfigDir)
	assert.Equal(t, filepath.Join("/srv/mail", "config", "templates"), o.Render.TemplatesDir)
	assert.Equal(t, "node", o.Runtime.Interpreter)
	assert.Empty(t, o.Runtime.Wrapper)
}

func TestOptionsWithoutBaseDir(t *testing.T) {
	fc, err := Load("")
	require.NoError(t, err)
	o, err := fc.Options()
	require.NoError(t, err)
	assert.Empty(t, o.LogDir)
	assert.Empty(t, o.PIDFile)
}

func TestLoadFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "mail.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SMTP_PORT=25\nMODE=file\n"), 0o600))
	file := writeTOML(t, `
base_dir = "/srv/mail"
log_dir = "/var/log/mail"
pid_file = "/run/mail.pid"
interpreter = "/usr/bin/node"
script_ext = ".mjs"
wrapper = "/opt/nvm/nvm-exec --silent"
build_command = "npm run build"
grace_period = "10s"
kill_wait = "500ms"
use_os_env = false
env = ["MODE=config", "HOME_DIR=${SMTP_PORT}-x"]
env_files = ["`+envFile+`"]

[privilege]
enabled = false

[log]
level = "debug"
file = "/var/log/srvctl.log"
max_backups = 5

[history]
dsn = "sqlite:///var/lib/srvctl/history.db"

[metrics]
textfile = "/var/lib/node_exporter/srvctl.prom"

[render]
config_dir = "/srv/mail/etc"

[[render.files]]
set = "prod"
name = "app.json"
vars = { port = "8080", host = "mail.example.com" }
`)
	fc, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, fc.GracePeriod)
	assert.Equal(t, 500*time.Millisecond, fc.KillWait)
	assert.False(t, fc.Privilege.Enabled)
	require.Len(t, fc.Render.Files, 1)
	assert.Equal(t, "8080", fc.Render.Files[0].Vars["port"])

	o, err := fc.Options()
	require.NoError(t, err)
	assert.Equal(t, "/var/log/mail", o.LogDir)
	assert.Equal(t, "/run/mail.pid", o.PIDFile)
	assert.Equal(t, []string{"/opt/nvm/nvm-exec", "--silent"}, o.Runtime.Wrapper)
	assert.Equal(t, ".mjs", o.Runtime.ScriptExt)
	assert.Equal(t, "npm run build", o.Runtime.BuildCommand)
	assert.Equal(t, "debug", o.Log.Level)
	assert.Equal(t, 5, o.Log.MaxBackups)
	assert.Equal(t, "sqlite:///var/lib/srvctl/history.db", o.HistoryDSN)
	assert.Equal(t, "/var/lib/node_exporter/srvctl.prom", o.MetricsTextfile)
	assert.Equal(t, "/srv/mail/etc", o.Render.ConfigDir)

	// env list overrides env files; no OS env
	assert.Equal(t, "config", envValue(o.Env, "MODE"))
	assert.Equal(t, "25", envValue(o.Env, "SMTP_PORT"))
	assert.Equal(t, "25-x", envValue(o.Env, "HOME_DIR"))
	assert.Len(t, o.Env, 3)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SRVCTL_BASE_DIR", "/from/env")
	t.Setenv("SRVCTL_GRACE_PERIOD", "1s")
	t.Setenv("SRVCTL_PRIVILEGE_ENABLED", "false")
	t.Setenv("SRVCTL_LOG_LEVEL", "warn")
	file := writeTOML(t, "base_dir = \"/from/file\"\n")
	fc, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", fc.BaseDir)
	assert.Equal(t, time.Second, fc.GracePeriod)
	assert.False(t, fc.Privilege.Enabled)
	assert.Equal(t, "warn", fc.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Load(writeTOML(t, "base_dir = [unterminated"))
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Load(writeTOML(t, "grace_period = \"soon\"\n"))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestValidateReportsAllProblems(t *testing.T) {
	fc, err := Load("")
	require.NoError(t, err)
	fc.Interpreter = " "
	fc.ScriptExt = "js"
	fc.GracePeriod = 0
	fc.KillWait = -time.Second
	fc.Privilege.Command = ""
	fc.Log.Level = "chatty"
	fc.Env = []string{"NOEQUALS"}
	fc.Render.Files = []RenderFile{{Set: "prod"}, {Set: "prod", Name: "../escape.json"}}

	err = fc.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{
		"interpreter", "script_ext", "grace_period", "kill_wait",
		"privilege.command", "chatty", "NOEQUALS", "render.files[0]", "render.files[1]",
	} {
		assert.Contains(t, err.Error(), want)
	}
	_, err = fc.Options()
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestOptionsMissingEnvFile(t *testing.T) {
	fc, err := Load("")
	require.NoError(t, err)
	fc.EnvFiles = []string{filepath.Join(t.TempDir(), "absent.env")}
	_, err = fc.Options()
	require.ErrorIs(t, err, ErrInvalid)
}
