// Package render materializes configuration files from ${var} templates.
package render

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

var (
	ErrTemplateMissing  = errors.New("config template not found")
	ErrVariableNotFound = errors.New("variable not found in template")
)

// TemplateExt is appended to a file name to locate its template.
const TemplateExt = ".tmpl"

// File is one output file and the variables substituted into it.
type File struct {
	Name string
	Vars map[string]string
}

// Renderer reads <TemplatesDir>/<name>.tmpl and writes <ConfigDir>/<name>.
type Renderer struct {
	ConfigDir    string
	TemplatesDir string
}

// Render processes files in order and returns the written paths. It stops
// at the first failure; files rendered before it are left in place.
func (r Renderer) Render(files []File) ([]string, error) {
	written := make([]string, 0, len(files))
	for _, f := range files {
		out, err := r.renderOne(f)
		if err != nil {
			return written, err
		}
		written = append(written, out)
	}
	return written, nil
}

func (r Renderer) renderOne(f File) (string, error) {
	tmpl := filepath.Join(r.TemplatesDir, f.Name+TemplateExt)
	b, err := os.ReadFile(filepath.Clean(tmpl))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTemplateMissing, tmpl)
		}
		return "", fmt.Errorf("read template %s: %w", tmpl, err)
	}
	body, err := Substitute(string(b), f.Vars)
	if err != nil {
		return "", fmt.Errorf("%s: %w", tmpl, err)
	}
	if err := os.MkdirAll(r.ConfigDir, 0o750); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	out := filepath.Join(r.ConfigDir, f.Name)
	if err := os.WriteFile(out, []byte(body), 0o644); err != nil { // #nosec G306
		return "", fmt.Errorf("write %s: %w", out, err)
	}
	return out, nil
}

// Substitute replaces every ${name} (name matched case-insensitively) for
// each variable. A variable that does not occur in body is an error.
func Substitute(body string, vars map[string]string) (string, error) {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		re := regexp.MustCompile(`(?i)\$\{` + regexp.QuoteMeta(name) + `\}`)
		if !re.MatchString(body) {
			return "", fmt.Errorf("%w: %s", ErrVariableNotFound, name)
		}
		body = re.ReplaceAllLiteralString(body, vars[name])
	}
	return body, nil
}
