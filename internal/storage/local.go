package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned when an object key is empty or escapes the storage root.
var ErrInvalidKey = errors.New("storage: invalid object key")

// LocalStorage implements Storage on local disk. Temporary files live in
// tempDir; uploaded objects live under tempDir/public and are addressed by
// publicBaseURL + "/files/" + key.
type LocalStorage struct {
	tempDir       string
	publicBaseURL string
}

// NewLocalStorage creates a new LocalStorage instance.
// If tempDir is empty, os.TempDir()/videogen is used.
// The directory is created if it doesn't exist.
func NewLocalStorage(tempDir, publicBaseURL string) (*LocalStorage, error) {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "videogen")
	}

	if err := os.MkdirAll(tempDir, 0750); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}

	return &LocalStorage{tempDir: tempDir, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

// TempDir returns the temporary directory path.
func (s *LocalStorage) TempDir() string {
	return s.tempDir
}

// PublicDir returns the directory uploaded objects are written to.
func (s *LocalStorage) PublicDir() string {
	return filepath.Join(s.tempDir, "public")
}

// SaveTemp saves data to a temporary file and returns the file path.
// The name is used as a base for the filename with a unique suffix.
func (s *LocalStorage) SaveTemp(ctx context.Context, name string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	f, err := os.CreateTemp(s.tempDir, name+"_*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	fileName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return "", fmt.Errorf("write temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return fileName, nil
}

// LoadTemp reads a temporary file and returns a reader.
func (s *LocalStorage) LoadTemp(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}

	return f, nil
}

// CleanupTemp removes the specified temporary files,
// returning the first error encountered.
func (s *LocalStorage) CleanupTemp(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}

		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove temp file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// Upload writes data to the public directory. Re-uploading a key overwrites it.
func (s *LocalStorage) Upload(ctx context.Context, key string, data io.Reader, _ string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, fmt.Errorf("context cancelled: %w", err)
	}
	clean, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}

	dst := filepath.Join(s.PublicDir(), filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return Object{}, fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload_*")
	if err != nil {
		return Object{}, fmt.Errorf("create object file: %w", err)
	}
	n, err := io.Copy(tmp, data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("commit object: %w", err)
	}

	return Object{Key: clean, URL: s.objectURL(clean), SizeBytes: n}, nil
}

func (s *LocalStorage) objectURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	return s.publicBaseURL + "/files/" + escaped
}

func cleanKey(key string) (string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}
