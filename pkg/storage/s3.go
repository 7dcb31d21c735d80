package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	gos3 "appbuilder/pkg/s3"
)

// S3 stores artifacts in an S3 bucket.
type S3 struct {
	client *gos3.Client
	bucket string
	region string
	base   string
	now    func() time.Time
}

// NewS3 builds the S3 backend.
func NewS3(ctx context.Context, cfg S3Config, now func() time.Time) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	client, err := gos3.NewClient(ctx, cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return &S3{
		client: client,
		bucket: cfg.Bucket,
		region: region,
		base:   strings.TrimRight(cfg.Endpoint, "/"),
		now:    nowFunc(now),
	}, nil
}

func (s *S3) Name() string { return "aws" }

func (s *S3) objectURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if s.base != "" {
		return fmt.Sprintf("%s/%s/%s", s.base, s.bucket, escaped)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, escaped)
}

func (s *S3) Upload(ctx context.Context, localPath, key string) (*Artifact, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	now := s.now()
	digest := hex.EncodeToString(hash.Sum(nil))
	if err := s.client.PutObject(ctx, s.bucket, key, file, size, digest, ContentType(key), Provenance(now)); err != nil {
		return nil, err
	}

	return &Artifact{
		Key:          key,
		Provider:     s.Name(),
		Bucket:       s.bucket,
		Size:         size,
		LastModified: now.UTC(),
		URL:          s.objectURL(key),
	}, nil
}

func (s *S3) Download(ctx context.Context, key, localPath string) error {
	body, err := s.client.GetObject(ctx, s.bucket, key)
	if err != nil {
		return err
	}
	defer body.Close()
	return writeLocal(localPath, body)
}

func (s *S3) List(ctx context.Context, prefix string) ([]Artifact, error) {
	objects, err := s.client.ListObjects(ctx, s.bucket, prefix)
	if err != nil {
		return nil, err
	}
	artifacts := make([]Artifact, 0, len(objects))
	for _, obj := range objects {
		artifacts = append(artifacts, Artifact{
			Key:          obj.Key,
			Provider:     s.Name(),
			Bucket:       s.bucket,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			URL:          s.objectURL(obj.Key),
		})
	}
	return artifacts, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	return s.client.DeleteObject(ctx, s.bucket, key)
}

func (s *S3) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.client.PresignGet(ctx, s.bucket, key, ttlOrDefault(ttl))
}

// writeLocal streams r into localPath, creating parent directories.
func writeLocal(localPath string, r io.Reader) error {
	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
