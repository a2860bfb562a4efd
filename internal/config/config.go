// Package config loads srvctl settings from an optional TOML file and
// SRVCTL_* environment variables and resolves them into validated Options.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/srvctl/internal/env"
	"github.com/loykin/srvctl/internal/launcher"
	"github.com/loykin/srvctl/internal/logger"
	"github.com/loykin/srvctl/internal/pidfile"
	"github.com/loykin/srvctl/internal/proctree"
)

// ErrInvalid marks configuration and usage errors.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix is the prefix of environment overrides, e.g. SRVCTL_BASE_DIR.
const EnvPrefix = "SRVCTL"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	BaseDir          string        `toml:"base_dir" mapstructure:"base_dir"`
	LogDir           string        `toml:"log_dir" mapstructure:"log_dir"`
	PIDFile          string        `toml:"pid_file" mapstructure:"pid_file"`
	Interpreter      string        `toml:"interpreter" mapstructure:"interpreter"`
	DebugInterpreter string        `toml:"debug_interpreter" mapstructure:"debug_interpreter"`
	ScriptExt        string        `toml:"script_ext" mapstructure:"script_ext"`
	Wrapper          string        `toml:"wrapper" mapstructure:"wrapper"`
	BuildCommand     string        `toml:"build_command" mapstructure:"build_command"`
	GracePeriod      time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	KillWait         time.Duration `toml:"kill_wait" mapstructure:"kill_wait"`
	Env              []string      `toml:"env" mapstructure:"env"`
	EnvFiles         []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv         bool          `toml:"use_os_env" mapstructure:"use_os_env"`

	Privilege PrivilegeConfig `toml:"privilege" mapstructure:"privilege"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Render    RenderConfig    `toml:"render" mapstructure:"render"`
}

type PrivilegeConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Command string   `toml:"command" mapstructure:"command"`
	Probe   []string `toml:"probe" mapstructure:"probe"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Textfile string `toml:"textfile" mapstructure:"textfile"`
}

type RenderConfig struct {
	ConfigDir    string       `toml:"config_dir" mapstructure:"config_dir"`
	TemplatesDir string       `toml:"templates_dir" mapstructure:"templates_dir"`
	Files        []RenderFile `toml:"files" mapstructure:"files"`
}

// RenderFile is one template materialized by `srvctl render <set>`.
type RenderFile struct {
	Set  string            `toml:"set" mapstructure:"set"`
	Name string            `toml:"name" mapstructure:"name"`
	Vars map[string]string `toml:"vars" mapstructure:"vars"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("base_dir", "")
	v.SetDefault("log_dir", "")
	v.SetDefault("pid_file", "")
	v.SetDefault("interpreter", "node")
	v.SetDefault("debug_interpreter", "node-debug")
	v.SetDefault("script_ext", ".js")
	v.SetDefault("wrapper", "")
	v.SetDefault("build_command", "")
	v.SetDefault("grace_period", proctree.DefaultGrace)
	v.SetDefault("kill_wait", proctree.DefaultKillWait)
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("privilege.enabled", true)
	v.SetDefault("privilege.command", "sudo")
	v.SetDefault("privilege.probe", []string{"true"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("render.config_dir", "")
	v.SetDefault("render.templates_dir", "")
}

// Load reads path (optional; empty means defaults only) and applies
// SRVCTL_* environment overrides.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return FileConfig{}, fmt.Errorf("%w: read %s: %w", ErrInvalid, path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("%w: decode: %w", ErrInvalid, err)
	}
	return fc, nil
}

// Options is the resolved, validated configuration of one invocation.
// It is built once and passed by value.
type Options struct {
	BaseDir     string
	LogDir      string
	PIDFile     string
	Runtime     launcher.Runtime
	GracePeriod time.Duration
	KillWait    time.Duration
	Env         []string // composed child environment

	Privilege       PrivilegeConfig
	Log             logger.Config
	HistoryDSN      string
	MetricsTextfile string
	Render          RenderConfig
}

// Options validates fc and resolves derived paths and the child environment.
func (fc FileConfig) Options() (Options, error) {
	if err := fc.Validate(); err != nil {
		return Options{}, err
	}
	o := Options{
		BaseDir: cleanOrEmpty(fc.BaseDir),
		LogDir:  cleanOrEmpty(fc.LogDir),
		PIDFile: cleanOrEmpty(fc.PIDFile),
		Runtime: launcher.Runtime{
			Interpreter:      fc.Interpreter,
			DebugInterpreter: fc.DebugInterpreter,
			ScriptExt:        fc.ScriptExt,
			Wrapper:          strings.Fields(fc.Wrapper),
			BuildCommand:     fc.BuildCommand,
		},
		GracePeriod: fc.GracePeriod,
		KillWait:    fc.KillWait,
		Privilege:   fc.Privilege,
		Log: logger.Config{
			Level:      fc.Log.Level,
			Color:      fc.Log.Color,
			File:       fc.Log.File,
			MaxSizeMB:  fc.Log.MaxSizeMB,
			MaxBackups: fc.Log.MaxBackups,
			MaxAgeDays: fc.Log.MaxAgeDays,
			Compress:   fc.Log.Compress,
		},
		HistoryDSN:      fc.History.DSN,
		MetricsTextfile: fc.Metrics.Textfile,
		Render:          fc.Render,
	}
	if o.BaseDir != "" {
		if o.LogDir == "" {
			o.LogDir = filepath.Join(o.BaseDir, "log")
		}
		if o.PIDFile == "" {
			o.PIDFile = pidfile.DefaultPath(o.BaseDir)
		}
		if o.Render.ConfigDir == "" {
			o.Render.ConfigDir = filepath.Join(o.BaseDir, "config")
		}
		if o.Render.TemplatesDir == "" {
			o.Render.TemplatesDir = filepath.Join(o.BaseDir, "config", "templates")
		}
	}

	e := env.New(fc.UseOSEnv)
	for _, f := range fc.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return Options{}, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	o.Env = e.Merge(fc.Env)
	return o, nil
}

// Validate checks fc wholesale; all problems are reported together.
func (fc FileConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(fc.Interpreter) == "" {
		errs = append(errs, errors.New("interpreter must not be empty"))
	}
	if fc.ScriptExt != "" && !strings.HasPrefix(fc.ScriptExt, ".") {
		errs = append(errs, fmt.Errorf("script_ext %q must start with '.'", fc.ScriptExt))
	}
	if fc.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("grace_period must be positive, got %s", fc.GracePeriod))
	}
	if fc.KillWait <= 0 {
		errs = append(errs, fmt.Errorf("kill_wait must be positive, got %s", fc.KillWait))
	}
	if fc.Privilege.Enabled && strings.TrimSpace(fc.Privilege.Command) == "" {
		errs = append(errs, errors.New("privilege.command must be set when privilege is enabled"))
	}
	if _, err := logger.ParseLevel(fc.Log.Level); err != nil {
		errs = append(errs, err)
	}
	for i, f := range fc.Render.Files {
		if f.Set == "" || f.Name == "" {
			errs = append(errs, fmt.Errorf("render.files[%d]: set and name are required", i))
		}
		if filepath.Base(f.Name) != f.Name {
			errs = append(errs, fmt.Errorf("render.files[%d]: name %q must be a plain file name", i, f.Name))
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			errs = append(errs, fmt.Errorf("env entry %q must be KEY=VALUE", kv))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func cleanOrEmpty(p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	return filepath.Clean(p)
}
