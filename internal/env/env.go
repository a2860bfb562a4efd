// Package env composes the environment handed to a launched server.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables over an optional copy of the OS environment.
type Env struct {
	Var   Var  // global variables (K->V)
	UseOS bool // start from os.Environ()

	base Var // cached base from OS environment
}

func New(useOS bool) *Env {
	return &Env{Var: make(Var), UseOS: useOS}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = parse(os.Environ())
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// LoadFile reads KEY=VALUE lines from path into the global variables.
// Blank lines and lines starting with '#' are skipped; surrounding quotes
// on values are removed.
func (e *Env) LoadFile(path string) error {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	for n, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, n+1)
		}
		e.Set(strings.TrimSpace(line[:i]), unquote(strings.TrimSpace(line[i+1:])))
	}
	return nil
}

// Merge composes the final environment list applying order:
// base = OS env (when UseOS)
// then apply global e.Var overrides
// then apply extra (slice of "K=V") overrides
// Values are expanded for ${VAR} against the composed map (one pass, no
// recursion). The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var)
	if e.UseOS {
		if e.base == nil {
			e.FromOS()
		}
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// expand replaces ${KEY} references; unknown keys become empty.
func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+j]])
		s = s[i+j+1:]
	}
	b.WriteString(s)
	return b.String()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
