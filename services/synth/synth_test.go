package synth

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"filippo.io/age"

	"appbuilder/services/prd"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func noBench(string) (string, error) { return "", errors.New("not found") }

func newTestGenerator(t *testing.T, cfg Config) *Generator {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = fixedNow
	}
	if cfg.LookPath == nil {
		cfg.LookPath = noBench
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

const salesPRD = `# Sales PRD

## DocType: Sales Order
Module: Selling
Field: Customer (Link, Customer)
Field: Order Date (Date, Required)
Field: Status (Select, Draft, Submitted)
Field: Grand Total (Currency)

## Page: Order Board
Dynamic: yes
Open orders at a glance.

## Report: Open Orders
DocType: Sales Order

## Web Form: Order Request
DocType: Sales Order
Field: Customer

## Workflow: Order Approval
DocType: Sales Order
Transition: Draft -> Approved (Approve)

## Fixture: Roles
` + "```json\n[{\"doctype\": \"Role\", \"role_name\": \"Sales\"}]\n```\n"

func TestAppConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		app     AppConfig
		wantErr bool
	}{
		{name: "valid", app: AppConfig{Name: "sales_app"}},
		{name: "missing", app: AppConfig{}, wantErr: true},
		{name: "leading digit", app: AppConfig{Name: "1app"}, wantErr: true},
		{name: "dash", app: AppConfig{Name: "sales-app"}, wantErr: true},
		{name: "path", app: AppConfig{Name: "../etc"}, wantErr: true},
		{name: "semver", app: AppConfig{Name: "crm", Version: "2.1.0"}},
		{name: "prerelease", app: AppConfig{Name: "crm", Version: "v1.0.0-rc.1"}},
		{name: "short version", app: AppConfig{Name: "crm", Version: "3"}},
		{name: "version traversal", app: AppConfig{Name: "crm", Version: "../x"}, wantErr: true},
		{name: "version slash", app: AppConfig{Name: "crm", Version: "1.0/2"}, wantErr: true},
		{name: "version dots", app: AppConfig{Name: "crm", Version: "1.0.0-a..b"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.app.Validate()
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidAppConfig) {
				t.Fatalf("Validate() error = %v, want ErrInvalidAppConfig", err)
			}
		})
	}
}

func TestAppConfigWithDefaults(t *testing.T) {
	got := AppConfig{Name: "crm", License: "GPL"}.WithDefaults()
	want := AppConfig{
		Name:        "crm",
		Title:       "crm",
		Description: DefaultDescription,
		Publisher:   DefaultPublisher,
		Email:       DefaultEmail,
		License:     "GPL",
		Version:     DefaultVersion,
	}
	if got != want {
		t.Fatalf("WithDefaults() = %+v, want %+v", got, want)
	}
}

func TestGenerateLayout(t *testing.T) {
	g := newTestGenerator(t, Config{})
	workDir := t.TempDir()

	appPath, err := g.Generate(context.Background(), prd.Extract(salesPRD), AppConfig{Name: "sales"}, workDir)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if appPath != filepath.Join(workDir, "sales") {
		t.Fatalf("appPath = %q", appPath)
	}

	for _, rel := range []string{
		"setup.py",
		"requirements.txt",
		"MANIFEST.in",
		"README.md",
		"sales/__init__.py",
		"sales/hooks.py",
		"sales/modules.txt",
		"sales/config/__init__.py",
		"sales/public/css",
		"sales/public/js",
		"sales/templates",
		"sales/doctype/sales_order/sales_order.json",
		"sales/doctype/sales_order/sales_order.py",
		"sales/doctype/sales_order/test_sales_order.py",
		"sales/doctype/sales_order/__init__.py",
		"sales/www/order_board/index.html",
		"sales/www/order_board/index.py",
		"sales/report/open_orders/open_orders.json",
		"sales/report/open_orders/open_orders.py",
		"sales/fixtures/order_request_web_form.json",
		"sales/fixtures/order_approval_workflow.json",
		"sales/fixtures/roles.json",
	} {
		if _, err := os.Stat(filepath.Join(appPath, filepath.FromSlash(rel))); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}

	readFile := func(rel string) string {
		t.Helper()
		data, err := os.ReadFile(filepath.Join(appPath, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}

	if got := readFile("requirements.txt"); got != "frappe>=13.0.0\n" {
		t.Errorf("requirements.txt = %q", got)
	}
	if got := readFile("sales/modules.txt"); got != "Core\nSelling\n" {
		t.Errorf("modules.txt = %q", got)
	}
	if got := readFile("README.md"); got != "## sales\n\nGenerated ERPNext App\n\n#### License\n\nMIT\n" {
		t.Errorf("README.md = %q", got)
	}
	if got := readFile("sales/__init__.py"); !strings.Contains(got, `__version__ = "1.0.0"`) {
		t.Errorf("__init__.py = %q", got)
	}
	if got := readFile("sales/doctype/sales_order/sales_order.py"); !strings.Contains(got, "class SalesOrder(Document):") {
		t.Errorf("controller = %q", got)
	}
	if got := readFile("sales/fixtures/roles.json"); got != `[{"doctype": "Role", "role_name": "Sales"}]` {
		t.Errorf("fixture payload = %q", got)
	}
	if got := readFile("sales/report/open_orders/open_orders.py"); !strings.Contains(got, `frappe.get_all("Sales Order",`) {
		t.Errorf("report stub = %q", got)
	}
	if got := readFile("sales/hooks.py"); !strings.Contains(got, `fixtures = ["Roles"]`) {
		t.Errorf("hooks.py missing fixtures line")
	}
}

func TestGenerateDocTypeRoundTrip(t *testing.T) {
	g := newTestGenerator(t, Config{})
	appPath, err := g.Generate(context.Background(), prd.Extract(salesPRD), AppConfig{Name: "sales"}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(appPath, "sales", "doctype", "sales_order", "sales_order.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Name        string   `json:"name"`
		Module      string   `json:"module"`
		FieldOrder  []string `json:"field_order"`
		Fields      []struct {
			Fieldname string `json:"fieldname"`
			Fieldtype string `json:"fieldtype"`
			Reqd      int    `json:"reqd"`
			Options   string `json:"options"`
		} `json:"fields"`
		Permissions []struct {
			Role   string `json:"role"`
			Create int    `json:"create"`
			Delete int    `json:"delete"`
		} `json:"permissions"`
		Creation string `json:"creation"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode schema: %v", err)
	}

	if doc.Name != "Sales Order" || doc.Module != "Selling" {
		t.Fatalf("name/module = %q/%q", doc.Name, doc.Module)
	}
	wantOrder := []string{"customer", "order_date", "status", "grand_total"}
	if !reflect.DeepEqual(doc.FieldOrder, wantOrder) {
		t.Fatalf("field_order = %v, want %v", doc.FieldOrder, wantOrder)
	}
	for i, f := range doc.Fields {
		if f.Fieldname != wantOrder[i] {
			t.Fatalf("fields[%d] = %q, want %q", i, f.Fieldname, wantOrder[i])
		}
	}
	if doc.Fields[0].Fieldtype != "Link" || doc.Fields[0].Options != "Customer" {
		t.Errorf("link field = %+v", doc.Fields[0])
	}
	if doc.Fields[1].Reqd != 1 {
		t.Errorf("order_date reqd = %d", doc.Fields[1].Reqd)
	}
	if doc.Fields[2].Options != "Draft\nSubmitted" {
		t.Errorf("select options = %q", doc.Fields[2].Options)
	}
	if len(doc.Permissions) != 1 || doc.Permissions[0].Role != "System Manager" || doc.Permissions[0].Create != 1 || doc.Permissions[0].Delete != 1 {
		t.Errorf("permissions = %+v", doc.Permissions)
	}
	if doc.Creation != "2026-03-01 12:00:00.000000" {
		t.Errorf("creation = %q", doc.Creation)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	g := newTestGenerator(t, Config{})
	workDir := t.TempDir()
	model := prd.Extract(salesPRD)
	app := AppConfig{Name: "sales", Title: "Sales", Publisher: "Acme"}

	first, err := g.Build(context.Background(), model, app, workDir)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	firstManifest, _ := os.ReadFile(first.ManifestPath)
	firstReadme, _ := os.ReadFile(filepath.Join(workDir, "sales", "README.md"))

	// a stale file from an earlier run must not survive regeneration
	stale := filepath.Join(workDir, "sales", "sales", "stale.txt")
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := g.Build(context.Background(), model, app, workDir)
	if err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	secondManifest, _ := os.ReadFile(second.ManifestPath)
	secondReadme, _ := os.ReadFile(filepath.Join(workDir, "sales", "README.md"))

	if string(firstManifest) != string(secondManifest) {
		t.Fatalf("manifest changed between runs:\n%s\n---\n%s", firstManifest, secondManifest)
	}
	if string(firstReadme) != string(secondReadme) {
		t.Fatal("README changed between runs")
	}
	if first.SHA256 != second.SHA256 {
		t.Fatalf("archive digest changed: %s vs %s", first.SHA256, second.SHA256)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file survived: %v", err)
	}
}

func TestGenerateRejectsInvalidName(t *testing.T) {
	g := newTestGenerator(t, Config{})
	workDir := t.TempDir()
	_, err := g.Generate(context.Background(), prd.NewRequirementModel(), AppConfig{Name: "bad name"}, workDir)
	if !errors.Is(err, ErrInvalidAppConfig) {
		t.Fatalf("Generate() error = %v, want ErrInvalidAppConfig", err)
	}
	entries, _ := os.ReadDir(workDir)
	if len(entries) != 0 {
		t.Fatalf("Generate() wrote %d entries for an invalid app", len(entries))
	}
}

const traversalPRD = `# Hostile PRD

## DocType: ../../../../../doctype_escape
Field: Title (Data)

## Page: ../../../../../page_escape
Route: ../../../../outside

## Report: ../../../../../report_escape

## Web Form: ../../../../../form_escape

## Workflow: ../../../../../flow_escape
Transition: Draft -> Approved (Approve)

## Fixture: ../../../../../escaped
` + "```json\n{\"pwned\": true}\n```\n"

func TestGenerateKeepsNamesInsideApp(t *testing.T) {
	g := newTestGenerator(t, Config{})
	base := t.TempDir()
	workDir := filepath.Join(base, "work", "dep")

	appPath, err := g.Generate(context.Background(), prd.Extract(traversalPRD), AppConfig{Name: "sales"}, workDir)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	for _, rel := range []string{
		"sales/doctype/doctype_escape/doctype_escape.json",
		"sales/www/page_escape/index.html",
		"sales/report/report_escape/report_escape.json",
		"sales/fixtures/form_escape_web_form.json",
		"sales/fixtures/flow_escape_workflow.json",
		"sales/fixtures/escaped.json",
	} {
		if _, err := os.Stat(filepath.Join(appPath, filepath.FromSlash(rel))); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}

	err = filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if rel, _ := filepath.Rel(appPath, path); !filepath.IsLocal(rel) {
			t.Errorf("file written outside the app: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGenerateRejectsNamesWithoutIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		model *prd.RequirementModel
	}{
		{name: "doctype", model: &prd.RequirementModel{Entities: []prd.EntityDef{{Name: "../.."}}}},
		{name: "page", model: &prd.RequirementModel{Pages: []prd.PageDef{{Name: "//", Route: "/"}}}},
		{name: "report", model: &prd.RequirementModel{Reports: []prd.ReportDef{{Name: ".."}}}},
		{name: "web form", model: &prd.RequirementModel{WebForms: []prd.WebFormDef{{Name: "../"}}}},
		{name: "workflow", model: &prd.RequirementModel{Workflows: []prd.WorkflowDef{{Name: "./"}}}},
		{name: "fixture", model: &prd.RequirementModel{Fixtures: []prd.FixtureDef{{Name: "../..", Payload: "{}"}}}},
	}
	g := newTestGenerator(t, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Generate(context.Background(), tt.model, AppConfig{Name: "sales"}, t.TempDir())
			if !errors.Is(err, ErrUnsafePath) {
				t.Fatalf("Generate() error = %v, want ErrUnsafePath", err)
			}
		})
	}
}

func TestTreeWriterRejectsEscapingPaths(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sales")
	w := &treeWriter{root: root, module: filepath.Join(root, "sales")}
	if err := w.write(filepath.Join(root, "..", "outside.txt"), []byte("x")); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("write() error = %v, want ErrUnsafePath", err)
	}
	if err := w.write(filepath.Join(w.module, "fixtures", "ok.json"), []byte("{}")); err != nil {
		t.Fatalf("write() inside app error = %v", err)
	}
}

func TestSetup(t *testing.T) {
	var ran []string
	g := newTestGenerator(t, Config{
		LookPath: func(string) (string, error) { return "/usr/local/bin/bench", nil },
		Run: func(_ context.Context, dir, name string, args ...string) error {
			ran = append(ran, dir+":"+name+" "+strings.Join(args, " "))
			return nil
		},
	})
	appPath, err := g.Generate(context.Background(), nil, AppConfig{Name: "crm"}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Setup(context.Background(), appPath); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if want := []string{appPath + ":pip install -e ."}; !reflect.DeepEqual(ran, want) {
		t.Fatalf("ran = %v, want %v", ran, want)
	}

	if err := os.Remove(filepath.Join(appPath, "MANIFEST.in")); err != nil {
		t.Fatal(err)
	}
	if err := g.Setup(context.Background(), appPath); err == nil {
		t.Fatal("Setup() succeeded without MANIFEST.in")
	}
}

func TestSetupWithoutBench(t *testing.T) {
	g := newTestGenerator(t, Config{
		Run: func(context.Context, string, string, ...string) error {
			t.Fatal("Run called without bench")
			return nil
		},
	})
	appPath, err := g.Generate(context.Background(), nil, AppConfig{Name: "crm"}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Setup(context.Background(), appPath); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
}

func TestPackageAndVerify(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := NewSigner(identity.String())
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	if signer.Recipient() != identity.Recipient().String() {
		t.Fatalf("recipient = %q", signer.Recipient())
	}

	for _, format := range []string{FormatTarGz, FormatTarZst} {
		t.Run(format, func(t *testing.T) {
			g := newTestGenerator(t, Config{Format: format, Signer: signer})
			workDir := t.TempDir()
			pkg, err := g.Build(context.Background(), prd.Extract(salesPRD), AppConfig{Name: "sales"}, workDir)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if pkg.Path != ArchivePath(workDir, "sales", format) {
				t.Fatalf("package path = %q", pkg.Path)
			}
			if pkg.Manifest.Signature == "" {
				t.Fatal("manifest not signed")
			}
			for _, f := range pkg.Manifest.Files {
				if !strings.HasPrefix(f.Path, "sales/") {
					t.Fatalf("entry %q not under app prefix", f.Path)
				}
			}

			manifest, err := VerifyManifest(pkg.Path, pkg.ManifestPath, signer)
			if err != nil {
				t.Fatalf("VerifyManifest() error = %v", err)
			}
			if manifest.Archive.SHA256 != pkg.SHA256 {
				t.Fatalf("manifest digest = %s, want %s", manifest.Archive.SHA256, pkg.SHA256)
			}
			if _, err := VerifyManifest(pkg.Path, pkg.ManifestPath, nil); err != nil {
				t.Fatalf("VerifyManifest() with embedded key error = %v", err)
			}

			other, err := age.GenerateX25519Identity()
			if err != nil {
				t.Fatal(err)
			}
			otherSigner, err := NewSigner(other.String())
			if err != nil {
				t.Fatal(err)
			}
			if _, err := VerifyManifest(pkg.Path, pkg.ManifestPath, otherSigner); err == nil {
				t.Fatal("VerifyManifest() accepted a foreign signer")
			}

			f, err := os.OpenFile(pkg.Path, os.O_APPEND|os.O_WRONLY, 0)
			if err != nil {
				t.Fatal(err)
			}
			_, _ = f.Write([]byte("tamper"))
			f.Close()
			if _, err := VerifyManifest(pkg.Path, pkg.ManifestPath, signer); err == nil {
				t.Fatal("VerifyManifest() accepted a modified archive")
			}
		})
	}
}

func TestVerifyUnsignedManifest(t *testing.T) {
	g := newTestGenerator(t, Config{})
	pkg, err := g.Build(context.Background(), nil, AppConfig{Name: "crm"}, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyManifest(pkg.Path, pkg.ManifestPath, nil); err != nil {
		t.Fatalf("VerifyManifest() unsigned error = %v", err)
	}
	identity, _ := age.GenerateX25519Identity()
	signer, err := NewSigner(identity.String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyManifest(pkg.Path, pkg.ManifestPath, signer); err == nil {
		t.Fatal("VerifyManifest() accepted an unsigned manifest when a signer is required")
	}
}

func TestNewSignerRejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "not-a-key", "age1qyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqs3290gq"} {
		if _, err := NewSigner(key); err == nil {
			t.Errorf("NewSigner(%q) succeeded", key)
		}
	}
}

func TestClassName(t *testing.T) {
	tests := map[string]string{
		"Sales Order":   "SalesOrder",
		"Invoice":       "Invoice",
		"Sales-Invoice": "SalesInvoice",
	}
	for in, want := range tests {
		if got := ClassName(in); got != want {
			t.Errorf("ClassName(%q) = %q, want %q", in, got, want)
		}
	}
}
