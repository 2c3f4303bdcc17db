// Package storage provides temporary and persistent file storage capabilities.
// It defines the Storage interface used by the generation pipeline for
// provider downloads, extracted frames and finished videos, with local disk
// and S3 implementations.
package storage

import (
	"context"
	"io"
)

// Object describes an uploaded artifact.
type Object struct {
	Key       string
	URL       string
	SizeBytes int64
}

// Storage defines the interface for temporary and persistent file storage.
type Storage interface {
	// SaveTemp saves data to a temporary file and returns the file path.
	// The name parameter is used as a hint for the filename.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// LoadTemp reads a temporary file and returns a reader.
	// The caller is responsible for closing the returned ReadCloser.
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)

	// CleanupTemp removes the specified temporary files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error

	// Upload stores data under key and returns its public location and size.
	Upload(ctx context.Context, key string, data io.Reader, contentType string) (Object, error)
}
