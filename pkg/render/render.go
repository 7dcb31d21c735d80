package render

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template names for the generated app scaffold.
const (
	Hooks       = "hooks.py.tmpl"
	Setup       = "setup.py.tmpl"
	Manifest    = "manifest.in.tmpl"
	Readme      = "readme.md.tmpl"
	Init        = "init.py.tmpl"
	DocType     = "doctype.py.tmpl"
	DocTypeTest = "test_doctype.py.tmpl"
	PageHTML    = "page.html.tmpl"
	PagePython  = "page.py.tmpl"
	Report      = "report.py.tmpl"
)

var pyEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{
		// py escapes a value for a double-quoted Python string literal.
		"py": pyEscaper.Replace,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// WriteFile renders the named template into dest, creating parent directories.
func (e *Engine) WriteFile(dest, name string, data any) error {
	out, err := e.Render(name, data)
	if err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.WriteFile(dest, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}
