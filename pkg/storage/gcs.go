package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

// GCS stores artifacts in a Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket string
	now    func() time.Time
}

// NewGCS builds the Cloud Storage backend. Without a credentials file the
// application default credentials are used.
func NewGCS(ctx context.Context, cfg GCSConfig, now func() time.Time) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.ProjectID != "" {
		opts = append(opts, option.WithQuotaProject(cfg.ProjectID))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCS{client: client, bucket: cfg.Bucket, now: nowFunc(now)}, nil
}

func (g *GCS) Name() string { return "gcp" }

func (g *GCS) objectURL(key string) string {
	return fmt.Sprintf("gs://%s/%s", g.bucket, key)
}

func (g *GCS) Upload(ctx context.Context, localPath, key string) (*Artifact, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = ContentType(key)
	w.Metadata = Provenance(g.now())
	if _, err := io.Copy(w, file); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	attrs := w.Attrs()
	return &Artifact{
		Key:          key,
		Provider:     g.Name(),
		Bucket:       g.bucket,
		Size:         attrs.Size,
		LastModified: attrs.Updated,
		URL:          g.objectURL(key),
	}, nil
}

func (g *GCS) Download(ctx context.Context, key, localPath string) error {
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	return writeLocal(localPath, r)
}

func (g *GCS) List(ctx context.Context, prefix string) ([]Artifact, error) {
	var artifacts []Artifact
	it := g.client.Bucket(g.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, Artifact{
			Key:          attrs.Name,
			Provider:     g.Name(),
			Bucket:       g.bucket,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
			URL:          g.objectURL(attrs.Name),
		})
	}
	return artifacts, nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	return g.client.Bucket(g.bucket).Object(key).Delete(ctx)
}

func (g *GCS) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return g.client.Bucket(g.bucket).SignedURL(key, &gcs.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: g.now().Add(ttlOrDefault(ttl)),
		Scheme:  gcs.SigningSchemeV4,
	})
}
