package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Local stores objects on the filesystem. It backs development setups without S3.
type Local struct {
	basePath string
	baseURL  string
}

// NewLocal creates the base directory if needed. baseURL prefixes returned object URLs;
// when empty, file:// URLs are returned.
func NewLocal(basePath, baseURL string) (*Local, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create base path: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}
	return &Local{basePath: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (l *Local) fullPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.basePath, clean), nil
}

// Upload writes body to a temp file and renames it into place.
func (l *Local) Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error) {
	p, err := l.fullPath(key)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return "", fmt.Errorf("rename %s: %w", key, err)
	}
	ok = true
	return l.url(key, p), nil
}

// DownloadURL returns the object's URL when it exists.
func (l *Local) DownloadURL(ctx context.Context, key string) (string, error) {
	p, err := l.fullPath(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("stat %s: %w", key, err)
	}
	return l.url(key, p), nil
}

// Path returns the filesystem path of key.
func (l *Local) Path(key string) (string, error) { return l.fullPath(key) }

func (l *Local) url(key, p string) string {
	if l.baseURL != "" {
		return l.baseURL + "/" + strings.TrimLeft(key, "/")
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}
