package generation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/library"
	"github.com/maauso/videogen-api/internal/storage"
)

// Downloader fetches a remote file into temporary storage.
type Downloader interface {
	Fetch(ctx context.Context, url, name string) (string, error)
}

// Transcoder produces the secondary web-friendly copy of a video.
type Transcoder interface {
	Transcode(ctx context.Context, src, dst string) error
}

// Finalizer stores a finished provider output and completes the job.
type Finalizer struct {
	jobs       job.Repository
	library    library.Repository
	store      storage.Storage
	downloader Downloader
	transcoder Transcoder
	logger     *slog.Logger
	now        func() time.Time
}

// NewFinalizer creates a Finalizer. A nil transcoder skips secondary artifacts.
func NewFinalizer(jobs job.Repository, lib library.Repository, store storage.Storage, downloader Downloader, transcoder Transcoder, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		jobs:       jobs,
		library:    lib,
		store:      store,
		downloader: downloader,
		transcoder: transcoder,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// VideoKey is the object key of a job's primary artifact.
func VideoKey(userID, jobID string) string {
	return fmt.Sprintf("videos/%s/%s.mp4", userID, jobID)
}

// Finalize persists the output at outputURL as media with the job's ID and
// marks the job COMPLETED. A job that is already COMPLETED returns its media
// ID; a FAILED or CANCELLED job returns ErrJobTerminal before anything is
// downloaded or stored. Any other error leaves the job non-terminal.
func (f *Finalizer) Finalize(ctx context.Context, j *job.Job, outputURL string) (string, error) {
	logger := f.logger.With(slog.String("job_id", j.ID))

	current, err := f.jobs.FindByID(ctx, j.ID)
	if err != nil {
		return "", fmt.Errorf("reload job: %w", err)
	}
	switch current.Status {
	case job.StatusCompleted:
		logger.Debug("job already completed")
		return current.ResultMediaID, nil
	case job.StatusFailed, job.StatusCancelled:
		return "", fmt.Errorf("%w: %s is %s", ErrJobTerminal, j.ID, current.Status)
	}

	path, err := f.downloader.Fetch(ctx, outputURL, "output_"+j.ID)
	if err != nil {
		return "", fmt.Errorf("download output: %w", err)
	}
	temps := []string{path}
	defer func() {
		if err := f.store.CleanupTemp(context.WithoutCancel(ctx), temps); err != nil {
			logger.Warn("failed to clean up finalize temp files", slog.String("error", err.Error()))
		}
	}()

	primary, err := f.upload(ctx, path, VideoKey(j.UserID, j.ID))
	if err != nil {
		return "", fmt.Errorf("upload video: %w", err)
	}

	var secondary *library.Artifact
	if j.Mode == job.ModeImageToVideo && f.transcoder != nil {
		dst := path + "_web.mp4"
		temps = append(temps, dst)
		secondary, err = f.transcode(ctx, path, dst, fmt.Sprintf("videos/%s/%s_web.mp4", j.UserID, j.ID))
		if err != nil {
			logger.Warn("secondary transcode failed, continuing with primary only", slog.String("error", err.Error()))
		}
	}

	m := &library.Media{
		ID:           j.ID,
		UserID:       j.UserID,
		Kind:         library.KindVideo,
		Primary:      primary,
		Secondary:    secondary,
		ThumbnailURL: j.SourceImageURL,
		Generation:   generationFor(j),
	}
	if err := f.library.Upsert(ctx, m); err != nil {
		return "", fmt.Errorf("save media: %w", err)
	}

	applied, err := f.jobs.MarkCompleted(ctx, j.ID, m.ID, f.now())
	if err != nil {
		return "", fmt.Errorf("mark job completed: %w", err)
	}
	if !applied {
		current, err := f.jobs.FindByID(ctx, j.ID)
		if err != nil {
			return "", fmt.Errorf("reload job: %w", err)
		}
		if current.Status == job.StatusCompleted {
			logger.Debug("job already completed")
			return current.ResultMediaID, nil
		}
		return "", fmt.Errorf("%w: %s is %s", ErrJobTerminal, j.ID, current.Status)
	}

	if err := f.library.IncrementGenerated(ctx, j.UserID); err != nil {
		logger.Warn("failed to increment generated counter",
			slog.String("user_id", j.UserID),
			slog.String("error", err.Error()),
		)
	}

	logger.Info("job completed",
		slog.String("media_id", m.ID),
		slog.String("url", primary.URL),
		slog.Int64("size_bytes", primary.SizeBytes),
		slog.Bool("secondary", secondary != nil),
	)
	return m.ID, nil
}

func (f *Finalizer) upload(ctx context.Context, path, key string) (library.Artifact, error) {
	file, err := os.Open(path) // #nosec G304 - path is our own temp file
	if err != nil {
		return library.Artifact{}, err
	}
	defer func() { _ = file.Close() }()

	obj, err := f.store.Upload(ctx, key, file, "video/mp4")
	if err != nil {
		return library.Artifact{}, err
	}
	return library.Artifact{Key: obj.Key, URL: obj.URL, SizeBytes: obj.SizeBytes}, nil
}

func (f *Finalizer) transcode(ctx context.Context, src, dst, key string) (*library.Artifact, error) {
	if err := f.transcoder.Transcode(ctx, src, dst); err != nil {
		return nil, err
	}
	a, err := f.upload(ctx, dst, key)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func generationFor(j *job.Job) *library.Generation {
	text := j.ResolvedPrompt
	if text == "" {
		text = j.Prompt
	}
	return &library.Generation{
		Prompt:         text,
		NegativePrompt: j.NegativePrompt,
		Width:          j.Width,
		Height:         j.Height,
		Seed:           j.Seed,
		HighNoiseLoras: loraScales(j.HighNoiseLoras),
		LowNoiseLoras:  loraScales(j.LowNoiseLoras),
		SourceMediaID:  j.MediaID,
		Mode:           string(j.Mode),
		Model:          j.RunPodModel,
		JobID:          j.ID,
	}
}

func loraScales(sels []job.LoraSelection) []library.LoraScale {
	if len(sels) == 0 {
		return nil
	}
	out := make([]library.LoraScale, 0, len(sels))
	for _, s := range sels {
		out = append(out, library.LoraScale{ID: s.ID, Scale: s.Scale})
	}
	return out
}
