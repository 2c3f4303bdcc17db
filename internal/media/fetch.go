package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/maauso/videogen-api/internal/storage"
)

// ErrDownloadFailed is returned when a remote file cannot be fetched.
var ErrDownloadFailed = errors.New("media: download failed")

// Fetcher downloads remote files into temporary storage.
type Fetcher struct {
	httpClient *http.Client
	store      storage.Storage
}

// NewFetcher creates a Fetcher. A nil client gets a five minute timeout.
func NewFetcher(httpClient *http.Client, store storage.Storage) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Fetcher{httpClient: httpClient, store: store}
}

// Fetch downloads url to a temp file named after name and returns its path.
// The caller owns the file and must clean it up.
func (f *Fetcher) Fetch(ctx context.Context, url, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned %d", ErrDownloadFailed, url, resp.StatusCode)
	}

	path, err := f.store.SaveTemp(ctx, name, resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	return path, nil
}
