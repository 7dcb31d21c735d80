package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, middleware, err := Init(context.Background(), "appbuilder-test", "", zerolog.Nop())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, _, err := Init(context.Background(), "", "", zerolog.Nop()); err == nil {
		t.Fatal("Init() without service name succeeded")
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	handler := AccessLog(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/deployments", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["level"] != "error" || entry["method"] != "POST" || entry["path"] != "/v1/deployments" || entry["status"] != float64(http.StatusBadGateway) {
		t.Fatalf("log entry = %v", entry)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json", "appbuilder-test")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["message"] != "kept" || entry["service"] != "appbuilder-test" {
		t.Fatalf("log entry = %v", entry)
	}

	if _, err := NewLogger(&buf, "loud", "json", "x"); err == nil {
		t.Fatal("NewLogger() accepted an unknown level")
	}
	if _, err := NewLogger(&buf, "info", "xml", "x"); err == nil {
		t.Fatal("NewLogger() accepted an unknown format")
	}
}
