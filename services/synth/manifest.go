package synth

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const manifestVersion = "1"

// Manifest records what a package contains. It is written next to the archive.
type Manifest struct {
	Version          string          `yaml:"version"`
	App              string          `yaml:"app"`
	CreatedAt        time.Time       `yaml:"created_at"`
	Format           string          `yaml:"format"`
	Archive          ManifestArchive `yaml:"archive"`
	Signer           string          `yaml:"signer,omitempty"`
	SigningPublicKey string          `yaml:"signing_public_key,omitempty"`
	Signature        string          `yaml:"signature,omitempty"`
	Files            []ManifestFile  `yaml:"files"`
}

// ManifestArchive identifies the archive itself.
type ManifestArchive struct {
	Name   string `yaml:"name"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// ManifestFile describes a single file within the archive.
type ManifestFile struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// SigningBytes marshals the manifest without its signature for signing/verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ReadManifest loads a manifest written by Package.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	return &manifest, nil
}

// VerifyManifest checks an archive against its manifest: the archive digest,
// every listed file, and the signature when one is present. A non-nil signer
// also requires the manifest to be signed by its key.
func VerifyManifest(archivePath, manifestPath string, signer *Signer) (*Manifest, error) {
	manifest, err := ReadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	if manifest.Signature == "" {
		if signer != nil {
			return nil, errors.New("manifest missing signature")
		}
	} else {
		payload, err := manifest.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("marshal manifest for verification: %w", err)
		}
		if err := signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
			return nil, fmt.Errorf("verify manifest signature: %w", err)
		}
	}

	sum, size, err := fileDigest(archivePath)
	if err != nil {
		return nil, err
	}
	if size != manifest.Archive.Size {
		return nil, fmt.Errorf("size mismatch for archive: expected %d got %d", manifest.Archive.Size, size)
	}
	if !strings.EqualFold(sum, manifest.Archive.SHA256) {
		return nil, errors.New("sha256 mismatch for archive")
	}

	files, err := archiveFiles(archivePath, manifest.Format)
	if err != nil {
		return nil, err
	}
	if len(files) != len(manifest.Files) {
		return nil, fmt.Errorf("archive holds %d files, manifest lists %d", len(files), len(manifest.Files))
	}
	for i, want := range manifest.Files {
		got := files[i]
		if got.Path != want.Path {
			return nil, fmt.Errorf("unexpected archive entry %q, manifest lists %q", got.Path, want.Path)
		}
		if got.Size != want.Size || !strings.EqualFold(got.SHA256, want.SHA256) {
			return nil, fmt.Errorf("digest mismatch for %q", want.Path)
		}
	}
	return manifest, nil
}

func fileDigest(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// archiveFiles hashes every regular file in the archive, sorted by path.
func archiveFiles(archivePath, format string) ([]ManifestFile, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	r, err := decompressor(file, format)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var files []ManifestFile
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		hash := sha256.New()
		size, err := io.Copy(hash, tr)
		if err != nil {
			return nil, fmt.Errorf("hash %q: %w", header.Name, err)
		}
		files = append(files, ManifestFile{Path: header.Name, Size: size, SHA256: hex.EncodeToString(hash.Sum(nil))})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
