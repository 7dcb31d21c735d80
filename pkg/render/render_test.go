package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type appData struct {
	Name, Title, Description, Publisher, Email, License, Version string
	Fixtures                                                     []string
}

func TestRenderReadme(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := e.Render(Readme, appData{Title: "Library", Description: "Books", License: "MIT"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := "## Library\n\nBooks\n\n#### License\n\nMIT\n"
	if got != want {
		t.Fatalf("Render() = %q, want %q", got, want)
	}
}

func TestRenderHooksEscapesStrings(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.Render(Hooks, appData{Name: "library", Title: `The "Lib"`, Publisher: "Acme", Email: "a@b.c", License: "MIT"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	for _, want := range []string{
		`app_name = "library"`,
		`app_title = "The \"Lib\""`,
		`# after_install = "library.install.after_install"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("hooks.py missing %q", want)
		}
	}
	if strings.Contains(got, "fixtures = [") {
		t.Error("hooks.py declares fixtures when none were given")
	}

	got, err = e.Render(Hooks, appData{Name: "library", Fixtures: []string{"Role", "Workflow"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, `fixtures = ["Role", "Workflow"]`) {
		t.Errorf("hooks.py fixtures line missing:\n%s", got)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Render("missing.tmpl", nil); err == nil {
		t.Fatal("Render() of unknown template succeeded")
	}

	var nilEngine *Engine
	if _, err := nilEngine.Render(Readme, nil); err == nil {
		t.Fatal("nil engine rendered")
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "a", "b", "MANIFEST.in")
	if err := e.WriteFile(dest, Manifest, appData{Name: "crm"}); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "recursive-exclude crm *.pyc\n") {
		t.Fatalf("MANIFEST.in = %q", data)
	}
}
