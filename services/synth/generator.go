package synth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"appbuilder/pkg/render"
	"appbuilder/services/prd"
)

var scaffoldDirs = []string{"config", "fixtures", "public/css", "public/js", "templates", "www"}

var nonIdentifier = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Config configures a Generator.
type Config struct {
	// Format is the archive format, tar.gz (default) or tar.zst.
	Format string
	// Signer signs build manifests when set.
	Signer *Signer
	Now    func() time.Time
	Logger zerolog.Logger
	// LookPath and Run locate and run the local build tool during Setup.
	LookPath func(file string) (string, error)
	Run      func(ctx context.Context, dir, name string, args ...string) error
}

// Generator renders a RequirementModel into a Frappe app tree and packages it.
type Generator struct {
	engine   *render.Engine
	format   string
	signer   *Signer
	now      func() time.Time
	logger   zerolog.Logger
	lookPath func(string) (string, error)
	run      func(context.Context, string, string, ...string) error
}

// New constructs a Generator with its embedded templates.
func New(cfg Config) (*Generator, error) {
	engine, err := render.New()
	if err != nil {
		return nil, err
	}
	g := &Generator{
		engine:   engine,
		format:   normalizeFormat(cfg.Format),
		signer:   cfg.Signer,
		now:      cfg.Now,
		logger:   cfg.Logger,
		lookPath: cfg.LookPath,
		run:      cfg.Run,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.lookPath == nil {
		g.lookPath = exec.LookPath
	}
	if g.run == nil {
		g.run = runCommand
	}
	return g, nil
}

// Format reports the archive format Package writes.
func (g *Generator) Format() string {
	if g == nil {
		return FormatTarGz
	}
	return g.format
}

// AppPath returns the directory Generate writes the app into.
func AppPath(workDir, name string) string {
	return filepath.Join(workDir, name)
}

// Build runs Generate, Setup and Package in order.
func (g *Generator) Build(ctx context.Context, model *prd.RequirementModel, app AppConfig, workDir string) (*Package, error) {
	appPath, err := g.Generate(ctx, model, app, workDir)
	if err != nil {
		return nil, err
	}
	if err := g.Setup(ctx, appPath); err != nil {
		return nil, err
	}
	return g.Package(ctx, appPath, app.Name)
}

type appData struct {
	AppConfig
	Fixtures []string
}

type docData struct {
	Year       int
	Publisher  string
	ClassName  string
	RefDoctype string
}

type pageData struct {
	Title   string
	Content string
}

// Generate writes the app tree for model under <workDir>/<name> and returns
// its path. Any existing tree at that path is replaced.
func (g *Generator) Generate(ctx context.Context, model *prd.RequirementModel, app AppConfig, workDir string) (string, error) {
	if g == nil {
		return "", errors.New("nil generator")
	}
	if err := app.Validate(); err != nil {
		return "", err
	}
	if model == nil {
		model = prd.NewRequirementModel()
	}
	app = app.WithDefaults()

	appPath := AppPath(workDir, app.Name)
	if err := os.RemoveAll(appPath); err != nil {
		return "", fmt.Errorf("reset %s: %w", appPath, err)
	}
	w := &treeWriter{engine: g.engine, root: appPath, module: filepath.Join(appPath, app.Name)}
	now := g.now()

	steps := []struct {
		name string
		run  func() error
	}{
		{"scaffold", func() error { return w.scaffold() }},
		{"metadata", func() error { return w.metadata(appPath, app, model) }},
		{"doctypes", func() error { return w.doctypes(model.Entities, app, now) }},
		{"pages", func() error { return w.pages(model.Pages) }},
		{"reports", func() error { return w.reports(model.Reports, app, now) }},
		{"web forms", func() error { return w.webForms(model.WebForms, now) }},
		{"workflows", func() error { return w.workflows(model.Workflows, now) }},
		{"fixtures", func() error { return w.fixtures(model.Fixtures) }},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := step.run(); err != nil {
			return "", fmt.Errorf("generate %s: %w", step.name, err)
		}
	}

	g.logger.Info().
		Str("app", app.Name).
		Str("path", appPath).
		Int("doctypes", len(model.Entities)).
		Int("pages", len(model.Pages)).
		Int("reports", len(model.Reports)).
		Msg("app generated")
	return appPath, nil
}

// Setup checks the packaging files exist and, when bench is installed,
// installs the app in editable mode.
func (g *Generator) Setup(ctx context.Context, appPath string) error {
	if g == nil {
		return errors.New("nil generator")
	}
	for _, name := range []string{"setup.py", "MANIFEST.in", "requirements.txt"} {
		if _, err := os.Stat(filepath.Join(appPath, name)); err != nil {
			return fmt.Errorf("required file missing: %s: %w", name, err)
		}
	}
	if _, err := g.lookPath("bench"); err != nil {
		g.logger.Debug().Str("path", appPath).Msg("bench not found, skipping dependency install")
		return nil
	}
	g.logger.Info().Str("path", appPath).Msg("installing app dependencies")
	if err := g.run(ctx, appPath, "pip", "install", "-e", "."); err != nil {
		return fmt.Errorf("pip install: %w", err)
	}
	return nil
}

func runCommand(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

type treeWriter struct {
	engine *render.Engine
	root   string
	module string
}

// inside rejects destinations that resolve outside the app directory.
func (w *treeWriter) inside(path string) error {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || !filepath.IsLocal(rel) {
		return fmt.Errorf("%w: %s", ErrUnsafePath, path)
	}
	return nil
}

func (w *treeWriter) write(path string, data []byte) error {
	if err := w.inside(path); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (w *treeWriter) renderFile(path, name string, data any) error {
	if err := w.inside(path); err != nil {
		return err
	}
	return w.engine.WriteFile(path, name, data)
}

func (w *treeWriter) writeJSON(path string, v any) error {
	data, err := marshalDescriptor(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return w.write(path, data)
}

func (w *treeWriter) scaffold() error {
	for _, dir := range scaffoldDirs {
		p := filepath.Join(w.module, filepath.FromSlash(dir))
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", p, err)
		}
	}
	return nil
}

func (w *treeWriter) metadata(appPath string, app AppConfig, model *prd.RequirementModel) error {
	data := appData{AppConfig: app}
	for _, f := range model.Fixtures {
		data.Fixtures = append(data.Fixtures, f.Name)
	}

	rendered := []struct {
		dest     string
		template string
	}{
		{filepath.Join(appPath, "setup.py"), render.Setup},
		{filepath.Join(appPath, "MANIFEST.in"), render.Manifest},
		{filepath.Join(appPath, "README.md"), render.Readme},
		{filepath.Join(w.module, "__init__.py"), render.Init},
		{filepath.Join(w.module, "hooks.py"), render.Hooks},
	}
	for _, r := range rendered {
		if err := w.renderFile(r.dest, r.template, data); err != nil {
			return err
		}
	}

	plain := []struct {
		dest    string
		content string
	}{
		{filepath.Join(appPath, "requirements.txt"), "frappe>=13.0.0\n"},
		{filepath.Join(w.module, "modules.txt"), strings.Join(model.Modules(), "\n") + "\n"},
		{filepath.Join(w.module, "config", "__init__.py"), ""},
	}
	for _, p := range plain {
		if err := w.write(p.dest, []byte(p.content)); err != nil {
			return err
		}
	}
	return nil
}

// ClassName turns an entity name into a Python class name.
func ClassName(name string) string {
	return nonIdentifier.ReplaceAllString(strings.ReplaceAll(name, " ", ""), "")
}

func (w *treeWriter) doctypes(entities []prd.EntityDef, app AppConfig, now time.Time) error {
	if len(entities) == 0 {
		return nil
	}
	root := filepath.Join(w.module, "doctype")
	if err := w.write(filepath.Join(root, "__init__.py"), nil); err != nil {
		return err
	}
	for _, e := range entities {
		scrub, err := identifier("doctype", e.Name)
		if err != nil {
			return err
		}
		dir := filepath.Join(root, scrub)
		if err := w.writeJSON(filepath.Join(dir, scrub+".json"), docTypeDescriptor(e, now)); err != nil {
			return err
		}
		data := docData{Year: now.Year(), Publisher: app.Publisher, ClassName: ClassName(e.Name)}
		if err := w.renderFile(filepath.Join(dir, scrub+".py"), render.DocType, data); err != nil {
			return err
		}
		if err := w.renderFile(filepath.Join(dir, "test_"+scrub+".py"), render.DocTypeTest, data); err != nil {
			return err
		}
		if err := w.write(filepath.Join(dir, "__init__.py"), nil); err != nil {
			return err
		}
	}
	return nil
}

func identifier(kind, name string) (string, error) {
	scrub := prd.Scrub(name)
	if scrub == "" {
		return "", fmt.Errorf("%w: %s name %q has no identifier characters", ErrUnsafePath, kind, name)
	}
	return scrub, nil
}

func pageRoute(p prd.PageDef) (string, error) {
	route := strings.Trim(p.Route, "/")
	if route == "" || !filepath.IsLocal(filepath.FromSlash(route)) {
		return identifier("page", p.Name)
	}
	return route, nil
}

func (w *treeWriter) pages(pages []prd.PageDef) error {
	for _, p := range pages {
		route, err := pageRoute(p)
		if err != nil {
			return err
		}
		dir := filepath.Join(w.module, "www", filepath.FromSlash(route))
		title := p.Title
		if title == "" {
			title = p.Name
		}
		data := pageData{Title: title, Content: p.Content}
		if err := w.renderFile(filepath.Join(dir, "index.html"), render.PageHTML, data); err != nil {
			return err
		}
		if p.Dynamic {
			if err := w.renderFile(filepath.Join(dir, "index.py"), render.PagePython, data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *treeWriter) reports(reports []prd.ReportDef, app AppConfig, now time.Time) error {
	for _, r := range reports {
		if r.RefDoctype == "" {
			r.RefDoctype = prd.DefaultRefDoctype
		}
		if r.ReportType == "" {
			r.ReportType = prd.DefaultReportType
		}
		scrub, err := identifier("report", r.Name)
		if err != nil {
			return err
		}
		dir := filepath.Join(w.module, "report", scrub)
		if err := w.writeJSON(filepath.Join(dir, scrub+".json"), reportDescriptor(r, now)); err != nil {
			return err
		}
		data := docData{Year: now.Year(), Publisher: app.Publisher, RefDoctype: r.RefDoctype}
		if err := w.renderFile(filepath.Join(dir, scrub+".py"), render.Report, data); err != nil {
			return err
		}
		if err := w.write(filepath.Join(dir, "__init__.py"), nil); err != nil {
			return err
		}
	}
	return nil
}

func (w *treeWriter) webForms(forms []prd.WebFormDef, now time.Time) error {
	for _, f := range forms {
		if f.Doctype == "" {
			f.Doctype = prd.DefaultRefDoctype
		}
		if f.Route == "" {
			f.Route = prd.Slug(f.Name)
		}
		scrub, err := identifier("web form", f.Name)
		if err != nil {
			return err
		}
		dest := filepath.Join(w.module, "fixtures", scrub+"_web_form.json")
		if err := w.writeJSON(dest, webFormDescriptor(f, now)); err != nil {
			return err
		}
	}
	return nil
}

func (w *treeWriter) workflows(flows []prd.WorkflowDef, now time.Time) error {
	for _, f := range flows {
		if f.Doctype == "" {
			f.Doctype = prd.DefaultRefDoctype
		}
		scrub, err := identifier("workflow", f.Name)
		if err != nil {
			return err
		}
		dest := filepath.Join(w.module, "fixtures", scrub+"_workflow.json")
		if err := w.writeJSON(dest, workflowDescriptor(f, now)); err != nil {
			return err
		}
	}
	return nil
}

func (w *treeWriter) fixtures(fixtures []prd.FixtureDef) error {
	for _, f := range fixtures {
		scrub, err := identifier("fixture", f.Name)
		if err != nil {
			return err
		}
		dest := filepath.Join(w.module, "fixtures", scrub+".json")
		if err := w.write(dest, []byte(f.Payload)); err != nil {
			return err
		}
	}
	return nil
}
