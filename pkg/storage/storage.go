package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	gos3 "appbuilder/pkg/s3"
)

const (
	// UploaderTag identifies objects written by this service.
	UploaderTag = "erpnext-app-builder"

	// DefaultSignedURLTTL applies when callers pass a non-positive ttl.
	DefaultSignedURLTTL = time.Hour

	// DefaultVersion is used in keys when an app declares no version.
	DefaultVersion = "1.0.0"

	metaUploadedBy      = "uploaded-by"
	metaUploadTimestamp = "upload-timestamp"
)

// Artifact references an object stored in a backend.
type Artifact struct {
	Key          string    `json:"key"`
	Provider     string    `json:"provider"`
	Bucket       string    `json:"bucket,omitempty"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	URL          string    `json:"url"`
}

// Provider is the capability every storage backend offers.
type Provider interface {
	Name() string
	Upload(ctx context.Context, localPath, key string) (*Artifact, error)
	Download(ctx context.Context, key, localPath string) error
	List(ctx context.Context, prefix string) ([]Artifact, error)
	Delete(ctx context.Context, key string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config selects a backend and carries the settings of each.
type Config struct {
	Provider string
	S3       S3Config
	GCS      GCSConfig
	Azure    AzureConfig
	Local    LocalConfig
	Now      func() time.Time
}

// New constructs the backend named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "aws", "s3":
		return NewS3(ctx, cfg.S3, cfg.Now)
	case "gcp", "gcs":
		return NewGCS(ctx, cfg.GCS, cfg.Now)
	case "azure":
		return NewAzure(cfg.Azure, cfg.Now)
	case "local", "":
		return NewLocal(cfg.Local, cfg.Now)
	default:
		return nil, fmt.Errorf("unsupported storage provider %q", cfg.Provider)
	}
}

// S3Config configures the AWS S3 backend.
type S3Config struct {
	Bucket string
	gos3.Config
}

// AppKey builds the logical key for an app package: apps/<name>/<version>/<name>-<version>.<ext>.
func AppKey(name, version, ext string) string {
	if version == "" {
		version = DefaultVersion
	}
	ext = strings.TrimPrefix(ext, ".")
	return path.Join("apps", name, version, fmt.Sprintf("%s-%s.%s", name, version, ext))
}

// AppPrefix returns the listing prefix for one app, or for every app when name is empty.
func AppPrefix(name string) string {
	if name == "" {
		return "apps/"
	}
	return "apps/" + name + "/"
}

// Provenance returns the metadata attached to every upload.
func Provenance(now time.Time) map[string]string {
	return map[string]string{
		metaUploadedBy:      UploaderTag,
		metaUploadTimestamp: now.UTC().Format(time.RFC3339),
	}
}

// ContentType maps an archive key to its MIME type.
func ContentType(key string) string {
	lower := strings.ToLower(key)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "application/gzip"
	case strings.HasSuffix(lower, ".tar.zst"):
		return "application/zstd"
	case strings.HasSuffix(lower, ".zip"):
		return "application/zip"
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		return "application/yaml"
	case strings.HasSuffix(lower, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultSignedURLTTL
	}
	return ttl
}

func nowFunc(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}

var (
	_ Provider = (*S3)(nil)
	_ Provider = (*GCS)(nil)
	_ Provider = (*Azure)(nil)
	_ Provider = (*Local)(nil)
)
