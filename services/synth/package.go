package synth

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// Archive formats accepted by Package.
const (
	FormatTarGz  = "tar.gz"
	FormatTarZst = "tar.zst"
)

// Package is a packaged app archive and its build manifest.
type Package struct {
	Path         string    `json:"packagePath"`
	ManifestPath string    `json:"manifestPath"`
	Format       string    `json:"format"`
	SHA256       string    `json:"sha256"`
	Size         int64     `json:"size"`
	Manifest     *Manifest `json:"-"`
}

// ArchivePath returns where Package writes the archive for an app in workDir.
func ArchivePath(workDir, name, format string) string {
	return filepath.Join(workDir, name+"."+normalizeFormat(format))
}

// ManifestPath returns where Package writes the build manifest for an app in workDir.
func ManifestPath(workDir, name string) string {
	return filepath.Join(workDir, name+".manifest.yaml")
}

func normalizeFormat(format string) string {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".") {
	case FormatTarZst, "zst", "zstd":
		return FormatTarZst
	default:
		return FormatTarGz
	}
}

type packEntry struct {
	rel  string
	full string
	dir  bool
	mode fs.FileMode
}

// Package compresses appPath into <dir(appPath)>/<name>.<format> with every
// entry under <name>/, then writes the manifest beside it. Entries are sorted
// and stamped with the generator clock so identical trees give identical bytes.
func (g *Generator) Package(ctx context.Context, appPath, name string) (*Package, error) {
	if g == nil {
		return nil, errors.New("nil generator")
	}
	info, err := os.Stat(appPath)
	if err != nil {
		return nil, fmt.Errorf("stat app dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("app dir %q is not a directory", appPath)
	}

	entries, err := collectEntries(ctx, appPath)
	if err != nil {
		return nil, err
	}

	workDir := filepath.Dir(appPath)
	archive := ArchivePath(workDir, name, g.format)
	now := g.now().UTC().Truncate(time.Second)

	files, err := writeArchive(archive, g.format, name, entries, now)
	if err != nil {
		return nil, err
	}

	sum, size, err := fileDigest(archive)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Version:   manifestVersion,
		App:       name,
		CreatedAt: now,
		Format:    g.format,
		Archive:   ManifestArchive{Name: filepath.Base(archive), Size: size, SHA256: sum},
		Files:     files,
	}
	if g.signer != nil {
		manifest.Signer = g.signer.Recipient()
		manifest.SigningPublicKey = g.signer.PublicKeyBase64()
		payload, err := manifest.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("marshal manifest for signing: %w", err)
		}
		sig, err := g.signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("sign manifest: %w", err)
		}
		manifest.Signature = sig
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestPath := ManifestPath(workDir, name)
	if err := os.WriteFile(manifestPath, manifestBytes, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", manifestPath, err)
	}

	g.logger.Info().
		Str("app", name).
		Str("package", archive).
		Int64("size", size).
		Int("files", len(files)).
		Bool("signed", manifest.Signature != "").
		Msg("app packaged")

	return &Package{
		Path:         archive,
		ManifestPath: manifestPath,
		Format:       g.format,
		SHA256:       sum,
		Size:         size,
		Manifest:     manifest,
	}, nil
}

func collectEntries(ctx context.Context, root string) ([]packEntry, error) {
	var entries []packEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == root {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		mode := fs.FileMode(0o644)
		if d.IsDir() {
			mode = 0o755
		}
		entries = append(entries, packEntry{rel: filepath.ToSlash(rel), full: p, dir: d.IsDir(), mode: mode})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, nil
}

func writeArchive(output, format, prefix string, entries []packEntry, modTime time.Time) ([]ManifestFile, error) {
	file, err := os.Create(output)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	defer file.Close()

	encoder, err := compressor(file, format)
	if err != nil {
		return nil, err
	}

	tw := tar.NewWriter(encoder)
	files := make([]ManifestFile, 0, len(entries))
	for _, entry := range entries {
		name := path.Join(prefix, entry.rel)
		header := &tar.Header{
			Name:    name,
			Mode:    int64(entry.mode),
			ModTime: modTime,
		}
		if entry.dir {
			header.Name += "/"
			header.Typeflag = tar.TypeDir
			if err := tw.WriteHeader(header); err != nil {
				return nil, fmt.Errorf("write header for %q: %w", entry.rel, err)
			}
			continue
		}

		mf, err := addFile(tw, header, entry.full)
		if err != nil {
			return nil, fmt.Errorf("copy %q: %w", entry.rel, err)
		}
		files = append(files, mf)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("close %s stream: %w", format, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, file.Close()
}

func addFile(tw *tar.Writer, header *tar.Header, full string) (ManifestFile, error) {
	file, err := os.Open(full)
	if err != nil {
		return ManifestFile{}, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return ManifestFile{}, err
	}
	header.Typeflag = tar.TypeReg
	header.Size = info.Size()
	if err := tw.WriteHeader(header); err != nil {
		return ManifestFile{}, err
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tw, hash), file)
	if err != nil {
		return ManifestFile{}, err
	}
	return ManifestFile{Path: header.Name, Size: size, SHA256: hex.EncodeToString(hash.Sum(nil))}, nil
}

func compressor(w io.Writer, format string) (io.WriteCloser, error) {
	switch format {
	case FormatTarZst:
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return encoder, nil
	default:
		return gzip.NewWriter(w), nil
	}
}

func decompressor(r io.Reader, format string) (io.ReadCloser, error) {
	switch normalizeFormat(format) {
	case FormatTarZst:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return decoder.IOReadCloser(), nil
	default:
		reader, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return reader, nil
	}
}
