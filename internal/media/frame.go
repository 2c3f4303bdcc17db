package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/maauso/videogen-api/internal/storage"
)

// ErrVideoURLRequired is returned when no source video URL is given.
var ErrVideoURLRequired = errors.New("media: video URL is required")

// Frame is an uploaded still image taken from a video.
type Frame struct {
	Key       string
	PublicURL string
}

// FrameResolver extracts the last frame of a remote video and publishes it.
type FrameResolver struct {
	fetcher   *Fetcher
	processor Processor
	store     storage.Storage
	logger    *slog.Logger
}

// NewFrameResolver creates a FrameResolver.
func NewFrameResolver(fetcher *Fetcher, processor Processor, store storage.Storage, logger *slog.Logger) *FrameResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameResolver{fetcher: fetcher, processor: processor, store: store, logger: logger}
}

// ExtractLastFrame downloads videoURL, grabs its last frame and uploads it
// as frames/<keyHint>.png.
func (r *FrameResolver) ExtractLastFrame(ctx context.Context, videoURL, keyHint string) (Frame, error) {
	if videoURL == "" {
		return Frame{}, ErrVideoURLRequired
	}

	videoPath, err := r.fetcher.Fetch(ctx, videoURL, "source")
	if err != nil {
		return Frame{}, err
	}
	framePath := strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + "_last_frame.png"
	defer func() {
		if err := r.store.CleanupTemp(context.WithoutCancel(ctx), []string{videoPath, framePath}); err != nil {
			r.logger.Warn("failed to clean up frame temp files", slog.String("error", err.Error()))
		}
	}()

	if err := r.processor.ExtractLastFrame(ctx, videoPath, framePath); err != nil {
		return Frame{}, fmt.Errorf("extract last frame: %w", err)
	}

	f, err := os.Open(framePath) // #nosec G304 - path is derived from our own temp file
	if err != nil {
		return Frame{}, fmt.Errorf("open frame: %w", err)
	}
	defer func() { _ = f.Close() }()

	obj, err := r.store.Upload(ctx, "frames/"+keyHint+".png", f, "image/png")
	if err != nil {
		return Frame{}, fmt.Errorf("upload frame: %w", err)
	}

	r.logger.Info("extracted last frame",
		slog.String("key", obj.Key),
		slog.Int64("size_bytes", obj.SizeBytes),
	)
	return Frame{Key: obj.Key, PublicURL: obj.URL}, nil
}
