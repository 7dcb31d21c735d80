package config

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if !cfg.RunWorkers {
		t.Fatal("RunWorkers = false, want true")
	}
	if cfg.Storage.Provider != "local" {
		t.Fatalf("Storage.Provider = %q, want local", cfg.Storage.Provider)
	}
	if cfg.Frappe.Region != "mumbai" || cfg.Frappe.Plan != "free" {
		t.Fatalf("Frappe defaults = %+v", cfg.Frappe)
	}
	want := Pipeline{
		GenerateConcurrency:   3,
		DeployConcurrency:     2,
		CreateSiteConcurrency: 1,
		SitePollInterval:      10 * time.Second,
		SiteReadyTimeout:      5 * time.Minute,
		QueuePollInterval:     time.Second,
		QueueStallTimeout:     15 * time.Minute,
	}
	if !reflect.DeepEqual(cfg.Pipeline, want) {
		t.Fatalf("Pipeline = %+v, want %+v", cfg.Pipeline, want)
	}
	if cfg.Frappe.Enabled() {
		t.Fatal("Frappe.Enabled() = true without credentials")
	}
}

func TestLoadWithValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name: "zstd packaging",
			env:  map[string]string{"PACKAGE_FORMAT": "tar.zst"},
		},
		{
			name:    "unknown packaging",
			env:     map[string]string{"PACKAGE_FORMAT": "zip"},
			wantErr: true,
		},
		{
			name:    "zero concurrency",
			env:     map[string]string{"DEPLOY_CONCURRENCY": "0"},
			wantErr: true,
		},
		{
			name:    "malformed duration",
			env:     map[string]string{"SITE_READY_TIMEOUT": "soon"},
			wantErr: true,
		},
		{
			name: "frappe credentials",
			env: map[string]string{
				"FRAPPE_CLOUD_URL":        "https://frappecloud.com",
				"FRAPPE_CLOUD_API_KEY":    "key",
				"FRAPPE_CLOUD_API_SECRET": "secret",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWith(context.Background(), envconfig.MapLookuper(tt.env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadWith() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
