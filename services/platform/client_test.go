package platform

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/", APIKey: "key", APISecret: "secret", TempDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	tests := []Config{
		{},
		{BaseURL: "https://frappecloud.com"},
		{BaseURL: "https://frappecloud.com", APIKey: "k"},
	}
	for _, cfg := range tests {
		if _, err := New(cfg); err == nil {
			t.Errorf("New(%+v) succeeded", cfg)
		}
	}
}

func TestCreateSite(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/method/press.api.site.new" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "token key:secret" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = io.WriteString(w, `{"message": {"name": "acme.frappe.cloud", "status": "Pending"}}`)
	})

	site, err := c.CreateSite(context.Background(), "acme", "")
	if err != nil {
		t.Fatalf("CreateSite() error = %v", err)
	}
	want := map[string]string{"subdomain": "acme", "plan": "free", "cluster": "mumbai"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("body = %v, want %v", got, want)
	}
	if site.Name != "acme.frappe.cloud" || site.Status != "Pending" {
		t.Fatalf("site = %+v", site)
	}
}

func TestGetSiteInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/method/press.api.site.get" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if name := r.URL.Query().Get("name"); name != "acme" {
			t.Errorf("name = %q", name)
		}
		_, _ = io.WriteString(w, `{"message": {"status": "Active"}}`)
	})

	site, err := c.GetSiteInfo(context.Background(), "acme")
	if err != nil {
		t.Fatalf("GetSiteInfo() error = %v", err)
	}
	if site.Status != SiteStatusActive || site.Name != "acme" {
		t.Fatalf("site = %+v", site)
	}
}

func TestInstallAppDefaultsVersion(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/method/press.api.site.install_app" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"message": "queued"}`)
	})

	msg, err := c.InstallApp(context.Background(), "acme", "library", "")
	if err != nil {
		t.Fatalf("InstallApp() error = %v", err)
	}
	if msg != "queued" {
		t.Fatalf("message = %q", msg)
	}
	want := map[string]string{"name": "acme", "app": "library", "version": "latest"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("body = %v, want %v", got, want)
	}
}

func TestUploadApp(t *testing.T) {
	appDir := filepath.Join(t.TempDir(), "library")
	if err := os.MkdirAll(filepath.Join(appDir, "library"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "setup.py"), []byte("setup()"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(appDir, "library", "hooks.py"), []byte("app_name = 'library'"), 0o644); err != nil {
		t.Fatal(err)
	}

	var (
		appName  string
		fileName string
		entries  []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/method/press.api.marketplace.upload_app" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		appName = r.FormValue("app_name")
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		fileName = header.Filename

		gz, err := gzip.NewReader(file)
		if err != nil {
			t.Errorf("gzip: %v", err)
			return
		}
		tr := tar.NewReader(gz)
		for {
			h, err := tr.Next()
			if err != nil {
				break
			}
			entries = append(entries, h.Name)
		}
		_, _ = io.WriteString(w, `{"message": "ok"}`)
	})

	if _, err := c.UploadApp(context.Background(), appDir, "library"); err != nil {
		t.Fatalf("UploadApp() error = %v", err)
	}
	if appName != "library" {
		t.Fatalf("app_name = %q", appName)
	}
	if matched, _ := filepath.Match("library-*.tar.gz", fileName); !matched {
		t.Fatalf("file name = %q", fileName)
	}
	sort.Strings(entries)
	want := []string{"library/", "library/library/", "library/library/hooks.py", "library/setup.py"}
	if !reflect.DeepEqual(entries, want) {
		t.Fatalf("entries = %v, want %v", entries, want)
	}

	leftovers, _ := filepath.Glob(filepath.Join(c.tempDir, "*.tar.gz"))
	if len(leftovers) != 0 {
		t.Fatalf("temporary archives left behind: %v", leftovers)
	}
}

func TestUploadAppMissingDirRemovesArchive(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	if _, err := c.UploadApp(context.Background(), filepath.Join(t.TempDir(), "missing"), "library"); err == nil {
		t.Fatal("UploadApp() succeeded for a missing dir")
	}
	leftovers, _ := filepath.Glob(filepath.Join(c.tempDir, "*"))
	if len(leftovers) != 0 {
		t.Fatalf("temporary files left behind: %v", leftovers)
	}
}

func TestListApps(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message": [{"name": "erpnext", "title": "ERPNext"}, {"name": "hrms", "title": "HR"}]}`)
	})
	apps, err := c.ListApps(context.Background())
	if err != nil {
		t.Fatalf("ListApps() error = %v", err)
	}
	want := []App{{Name: "erpnext", Title: "ERPNext"}, {Name: "hrms", Title: "HR"}}
	if !reflect.DeepEqual(apps, want) {
		t.Fatalf("apps = %+v, want %+v", apps, want)
	}
}

func TestAPIErrorCarriesPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"exc_type": "DuplicateEntryError"}`)
	})

	_, err := c.CreateSite(context.Background(), "acme", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Endpoint != "press.api.site.new" || apiErr.Payload != `{"exc_type": "DuplicateEntryError"}` {
		t.Fatalf("api error = %+v", apiErr)
	}
	if StatusCode(err) != http.StatusConflict {
		t.Fatalf("StatusCode() = %d", StatusCode(err))
	}
}

func TestNetworkFailureIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url, APIKey: "k", APISecret: "s"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.GetSiteInfo(context.Background(), "acme")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Err == nil || apiErr.StatusCode != 0 {
		t.Fatalf("error = %#v, want transport *APIError", err)
	}
}
