package storage

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const localMetaSuffix = ".meta.json"

var (
	// ErrInvalidKey is returned for keys that would escape the storage root.
	ErrInvalidKey = errors.New("invalid storage key")
	// ErrSignatureExpired is returned by Verify once a signed URL has expired.
	ErrSignatureExpired = errors.New("signed url expired")
	// ErrSignatureInvalid is returned by Verify for a tampered signature.
	ErrSignatureInvalid = errors.New("signed url signature mismatch")
)

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	Dir string
	// BaseURL is the public prefix that serves objects, normally the API download route.
	BaseURL string
	// Secret signs download URLs. A random secret is generated when empty.
	Secret string
}

// Local stores artifacts on the local filesystem and issues HMAC-signed download URLs.
type Local struct {
	dir       string
	baseURL   string
	secret    []byte
	ephemeral bool
	now       func() time.Time
}

type localMeta struct {
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata"`
}

// NewLocal builds the filesystem backend, creating Dir when needed.
func NewLocal(cfg LocalConfig, now func() time.Time) (*Local, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("local storage dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage dir: %w", err)
	}

	secret := []byte(cfg.Secret)
	ephemeral := len(secret) == 0
	if ephemeral {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
	}

	return &Local{
		dir:       cfg.Dir,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secret:    secret,
		ephemeral: ephemeral,
		now:       nowFunc(now),
	}, nil
}

// EphemeralSecret reports whether the signing secret was generated for this
// process. URLs it signs verify nowhere else.
func (l *Local) EphemeralSecret() bool { return l.ephemeral }

func (l *Local) Name() string { return "local" }

func (l *Local) path(key string) (string, error) {
	if key == "" || !filepath.IsLocal(filepath.FromSlash(key)) || strings.HasSuffix(key, localMetaSuffix) {
		return "", ErrInvalidKey
	}
	return filepath.Join(l.dir, filepath.FromSlash(key)), nil
}

func (l *Local) objectURL(key string) string {
	return l.baseURL + "/" + (&url.URL{Path: key}).EscapedPath()
}

func (l *Local) Upload(ctx context.Context, localPath, key string) (*Artifact, error) {
	dest, err := l.path(key)
	if err != nil {
		return nil, err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := writeLocal(dest, src); err != nil {
		return nil, err
	}

	now := l.now()
	meta, err := json.Marshal(localMeta{ContentType: ContentType(key), Metadata: Provenance(now)})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(dest+localMetaSuffix, meta, 0o644); err != nil {
		return nil, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Key:          key,
		Provider:     l.Name(),
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
		URL:          l.objectURL(key),
	}, nil
}

func (l *Local) Download(ctx context.Context, key, localPath string) error {
	src, err := l.Open(key)
	if err != nil {
		return err
	}
	defer src.Close()
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeLocal(localPath, src)
}

// Open returns a reader for the stored object.
func (l *Local) Open(key string) (*os.File, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Metadata returns the provenance recorded at upload.
func (l *Local) Metadata(key string) (map[string]string, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p + localMetaSuffix)
	if err != nil {
		return nil, err
	}
	var meta localMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return meta.Metadata, nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]Artifact, error) {
	var artifacts []Artifact
	err := filepath.WalkDir(l.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasSuffix(p, localMetaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(l.dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		artifacts = append(artifacts, Artifact{
			Key:          key,
			Provider:     l.Name(),
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
			URL:          l.objectURL(key),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return err
	}
	if err := os.Remove(p + localMetaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (l *Local) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := l.path(key); err != nil {
		return "", err
	}
	expires := l.now().Add(ttlOrDefault(ttl)).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", l.sign(key, expires))
	return l.objectURL(key) + "?" + q.Encode(), nil
}

// Verify checks a signature previously issued by SignedURL.
func (l *Local) Verify(key, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	want := l.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrSignatureInvalid
	}
	if l.now().Unix() > exp {
		return ErrSignatureExpired
	}
	return nil
}

func (l *Local) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, l.secret)
	_, _ = io.WriteString(mac, key+"\n"+strconv.FormatInt(expires, 10))
	return hex.EncodeToString(mac.Sum(nil))
}
