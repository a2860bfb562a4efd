// Package preset generates starter srvctl configuration files for common
// server runtimes.
package preset

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Type names a runtime preset.
type Type string

const (
	TypeNode   Type = "node"
	TypeJS     Type = "js"
	TypePython Type = "python"
	TypePy     Type = "py"
	TypeShell  Type = "shell"
	TypeSh     Type = "sh"
	TypeBun    Type = "bun"
)

// Preset is the subset of the config file a starter config sets.
// Durations are kept as strings so the file reads naturally.
type Preset struct {
	BaseDir          string    `toml:"base_dir,omitempty"`
	Interpreter      string    `toml:"interpreter"`
	DebugInterpreter string    `toml:"debug_interpreter"`
	ScriptExt        string    `toml:"script_ext"`
	Wrapper          string    `toml:"wrapper,omitempty"`
	BuildCommand     string    `toml:"build_command,omitempty"`
	GracePeriod      string    `toml:"grace_period"`
	KillWait         string    `toml:"kill_wait"`
	Env              []string  `toml:"env,omitempty"`
	Privilege        Privilege `toml:"privilege"`
	Log              Log       `toml:"log"`
}

type Privilege struct {
	Enabled bool   `toml:"enabled"`
	Command string `toml:"command"`
}

type Log struct {
	Level string `toml:"level"`
	Color bool   `toml:"color"`
}

// Generator builds presets.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns the preset for t rooted at baseDir (which may be empty).
func (g *Generator) Generate(t Type, baseDir string) (*Preset, error) {
	p := &Preset{
		BaseDir:     baseDir,
		GracePeriod: "5s",
		KillWait:    "2s",
		Privilege:   Privilege{Enabled: true, Command: "sudo"},
		Log:         Log{Level: "info", Color: true},
	}
	switch Type(strings.ToLower(string(t))) {
	case TypeNode, TypeJS, "":
		p.Interpreter, p.DebugInterpreter, p.ScriptExt = "node", "node --inspect-brk", ".js"
		p.BuildCommand = "npm run build"
		p.Env = []string{"NODE_ENV=production"}
	case TypeBun:
		p.Interpreter, p.DebugInterpreter, p.ScriptExt = "bun", "bun --inspect-brk", ".ts"
		p.BuildCommand = "bun run build"
	case TypePython, TypePy:
		p.Interpreter, p.DebugInterpreter, p.ScriptExt = "python3", "python3 -m pdb", ".py"
		p.Env = []string{"PYTHONUNBUFFERED=1"}
	case TypeShell, TypeSh:
		p.Interpreter, p.DebugInterpreter, p.ScriptExt = "/bin/sh", "/bin/sh -x", ".sh"
		p.Privilege.Enabled = false
	default:
		return nil, fmt.Errorf("unknown preset: %s (supported: %s)", t, strings.Join(g.SupportedTypes(), ", "))
	}
	return p, nil
}

// GenerateTOML renders the preset for t as a config file.
func (g *Generator) GenerateTOML(t Type, baseDir string) ([]byte, error) {
	p, err := g.Generate(t, baseDir)
	if err != nil {
		return nil, err
	}
	b, err := toml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal preset: %w", err)
	}
	header := fmt.Sprintf("# srvctl configuration (%s preset)\n\n", p.Interpreter)
	return append([]byte(header), b...), nil
}

// SupportedTypes lists the canonical preset names.
func (g *Generator) SupportedTypes() []string {
	return []string{string(TypeNode), string(TypeBun), string(TypePython), string(TypeShell)}
}
