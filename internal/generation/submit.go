// Package generation runs the asynchronous video generation pipeline:
// submitting jobs to the provider, polling their status with a cyclic
// backoff, storing finished videos and refunding failed jobs.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/library"
	"github.com/maauso/videogen-api/internal/lora"
	"github.com/maauso/videogen-api/internal/media"
	"github.com/maauso/videogen-api/internal/prompt"
	"github.com/maauso/videogen-api/internal/queue"
	"github.com/maauso/videogen-api/internal/runpod"
)

// FrameExtractor publishes the last frame of a remote video.
type FrameExtractor interface {
	ExtractLastFrame(ctx context.Context, videoURL, keyHint string) (media.Frame, error)
}

// Settings are the provider defaults applied to every submission.
type Settings struct {
	BaseModel             string
	LoraModel             string
	MaxEdge               int
	MaxSubmissionAttempts int
	DefaultSteps          int
	DefaultGuidance       float64
	FlowShift             float64
	EnableSafetyChecker   bool
	SecondsPerVideoSecond float64
}

func (s Settings) withDefaults() Settings {
	if s.MaxEdge <= 0 {
		s.MaxEdge = 1792
	}
	if s.MaxSubmissionAttempts <= 0 {
		s.MaxSubmissionAttempts = 3
	}
	if s.DefaultSteps <= 0 {
		s.DefaultSteps = 30
	}
	if s.DefaultGuidance <= 0 {
		s.DefaultGuidance = 5
	}
	if s.SecondsPerVideoSecond <= 0 {
		s.SecondsPerVideoSecond = 20
	}
	return s
}

// SubmissionDeps are the collaborators of a SubmissionService.
type SubmissionDeps struct {
	Jobs        job.Repository
	Library     library.Repository
	Client      runpod.Client
	Frames      FrameExtractor
	Moderator   prompt.Moderator
	Optimizer   prompt.Optimizer
	Selector    lora.Selector
	Catalog     *lora.Catalog
	Publisher   queue.Publisher
	Compensator *Compensator
	Logger      *slog.Logger
}

// SubmissionService turns a SUBMITTING job into a provider job.
type SubmissionService struct {
	deps     SubmissionDeps
	settings Settings
	logger   *slog.Logger
}

// NewSubmissionService creates a SubmissionService. Nil moderator,
// optimizer and selector fall back to allow-all, disabled and no-op.
func NewSubmissionService(deps SubmissionDeps, settings Settings) *SubmissionService {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Moderator == nil {
		deps.Moderator = prompt.AllowAll{}
	}
	if deps.Optimizer == nil {
		deps.Optimizer = prompt.DisabledOptimizer{}
	}
	if deps.Selector == nil {
		deps.Selector = lora.NoopSelector{}
	}
	return &SubmissionService{deps: deps, settings: settings.withDefaults(), logger: deps.Logger}
}

// Submit runs one submission attempt for jobID. It is safe to call again
// after any failure; a job that already left SUBMITTING is not resubmitted.
//
// Fatal outcomes fail the job, refund it and return a non-retryable error.
// Transient outcomes count an attempt and return a *RetryableError until the
// attempt limit is reached.
func (s *SubmissionService) Submit(ctx context.Context, jobID string) error {
	j, err := s.deps.Jobs.FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			return fmt.Errorf("load job %s: %w", jobID, err)
		}
		return retryable(fmt.Errorf("load job %s: %w", jobID, err))
	}

	logger := s.logger.With(slog.String("job_id", j.ID))

	switch {
	case j.Status == job.StatusSubmitting:
	case j.IsTerminal():
		logger.Debug("submit skipped, job is terminal", slog.String("status", string(j.Status)))
		return nil
	default:
		// A redelivered submit for an accepted job: make sure polling is armed.
		logger.Info("submit redelivered for accepted job, re-arming poll", slog.String("status", string(j.Status)))
		return s.schedulePoll(ctx, j)
	}

	src, err := s.resolveSource(ctx, j)
	if err != nil {
		if errors.Is(err, ErrSourceUnavailable) {
			return s.fail(ctx, j, err.Error(), err)
		}
		return s.transient(ctx, j, err)
	}

	text := j.Prompt
	if text == "" && src.media.Generation != nil {
		text = src.media.Generation.Prompt
	}

	verdict, err := s.deps.Moderator.Moderate(ctx, text)
	if err != nil {
		return s.transient(ctx, j, fmt.Errorf("moderation: %w", err))
	}
	if !verdict.Allowed {
		reason := "prompt rejected by moderation"
		if verdict.Reason != "" {
			reason += ": " + verdict.Reason
		}
		return s.fail(ctx, j, reason, ErrModerationRejected)
	}

	if j.EnablePromptOptimization {
		text = s.optimize(ctx, logger, text, src.imageURL)
	}

	loras := s.resolveLoras(ctx, logger, j, text)

	model := s.settings.BaseModel
	if loras.Active() {
		model = s.settings.LoraModel
	}
	width, height := ScaleToMaxEdge(j.Width, j.Height, s.settings.MaxEdge)
	seed := ResolveSeed(j.Seed)

	applied, err := s.deps.Jobs.SaveResolvedRequest(ctx, j.ID, job.ResolvedRequest{
		Prompt:         text,
		Width:          width,
		Height:         height,
		Seed:           seed,
		HighNoiseLoras: loras.High,
		LowNoiseLoras:  loras.Low,
		EnableLoras:    loras.Active(),
		RunPodModel:    model,
		SourceImageURL: src.imageURL,
		BaseFrameURL:   src.frameURL,
	})
	if err != nil {
		return retryable(fmt.Errorf("save resolved request: %w", err))
	}
	if !applied {
		logger.Info("submit skipped, job left SUBMITTING concurrently")
		return nil
	}

	steps := j.Steps
	if steps <= 0 {
		steps = s.settings.DefaultSteps
	}
	guidance := j.GuidanceScale
	if guidance <= 0 {
		guidance = s.settings.DefaultGuidance
	}

	res, err := s.deps.Client.Submit(ctx, model, runpod.SubmitRequest{
		Prompt:                   text,
		ImageURL:                 src.imageURL,
		Steps:                    steps,
		Guidance:                 guidance,
		NegativePrompt:           j.NegativePrompt,
		Width:                    width,
		Height:                   height,
		Duration:                 j.VideoLength,
		FlowShift:                s.settings.FlowShift,
		Seed:                     seed,
		EnablePromptOptimization: j.EnablePromptOptimization,
		EnableSafetyChecker:      s.settings.EnableSafetyChecker,
		HighNoiseLoras:           loras.HighWire,
		LowNoiseLoras:            loras.LowWire,
	})
	if err != nil {
		return s.transient(ctx, j, err)
	}

	applied, err = s.deps.Jobs.MarkSubmitted(ctx, j.ID, res.ID)
	if err != nil {
		return retryable(fmt.Errorf("record provider job %s: %w", res.ID, err))
	}
	if !applied {
		logger.Warn("provider accepted job that is no longer SUBMITTING",
			slog.String("runpod_job_id", res.ID),
		)
		return nil
	}

	logger.Info("job submitted",
		slog.String("runpod_job_id", res.ID),
		slog.String("model", model),
		slog.Int("width", width),
		slog.Int("height", height),
		slog.Bool("loras", loras.Active()),
	)

	j.Status = job.StatusInQueue
	return s.schedulePoll(ctx, j)
}

func (s *SubmissionService) schedulePoll(ctx context.Context, j *job.Job) error {
	delay := FirstPollDelay(j.VideoLength, s.settings.SecondsPerVideoSecond)
	msg := queue.Message{Kind: queue.KindPoll, JobID: j.ID, DelayIdx: 0}
	if err := s.deps.Publisher.Publish(ctx, msg, delay); err != nil {
		return retryable(fmt.Errorf("schedule first poll: %w", err))
	}
	return nil
}

type source struct {
	media    *library.Media
	imageURL string
	frameURL string
}

// resolveSource finds the image sent to the provider. Video extension uses
// the last frame of the source video, falling back to its thumbnail.
func (s *SubmissionService) resolveSource(ctx context.Context, j *job.Job) (source, error) {
	m, err := s.deps.Library.Get(ctx, j.MediaID)
	if err != nil {
		if errors.Is(err, library.ErrMediaNotFound) {
			return source{}, fmt.Errorf("%w: source media %s not found", ErrSourceUnavailable, j.MediaID)
		}
		return source{}, fmt.Errorf("load source media: %w", err)
	}

	if j.Mode != job.ModeVideoExtension {
		if m.URL() == "" {
			return source{}, fmt.Errorf("%w: source media %s has no URL", ErrSourceUnavailable, m.ID)
		}
		return source{media: m, imageURL: m.URL()}, nil
	}

	videoURL := j.SourceVideoURL
	if videoURL == "" {
		videoURL = m.URL()
	}
	if s.deps.Frames != nil && videoURL != "" {
		frame, err := s.deps.Frames.ExtractLastFrame(ctx, videoURL, j.ID)
		if err == nil {
			return source{media: m, imageURL: frame.PublicURL, frameURL: frame.PublicURL}, nil
		}
		s.logger.Warn("last frame extraction failed, trying thumbnail",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
	if m.ThumbnailURL != "" {
		return source{media: m, imageURL: m.ThumbnailURL}, nil
	}
	return source{}, fmt.Errorf("%w: no frame or thumbnail for media %s", ErrSourceUnavailable, m.ID)
}

func (s *SubmissionService) optimize(ctx context.Context, logger *slog.Logger, text, imageURL string) string {
	res, err := s.deps.Optimizer.Optimize(ctx, text, imageURL)
	switch {
	case err != nil:
		logger.Warn("prompt optimization failed, using original prompt", slog.String("error", err.Error()))
	case !res.Success || res.Prompt == "":
		logger.Warn("prompt optimization unsuccessful, using original prompt", slog.String("reason", res.Error))
	default:
		return res.Prompt
	}
	return text
}

// resolveLoras adds automatic picks for the prompt to each stage after the
// caller's own LoRAs for that stage.
func (s *SubmissionService) resolveLoras(ctx context.Context, logger *slog.Logger, j *job.Job, text string) lora.Resolved {
	if !j.EnableLoras {
		return lora.Resolved{}
	}

	high := picksFrom(j.HighNoiseLoras)
	low := picksFrom(j.LowNoiseLoras)

	auto, err := s.deps.Selector.Select(ctx, text)
	if err != nil {
		logger.Warn("lora selection failed, continuing without automatic loras", slog.String("error", err.Error()))
	} else {
		high = append(high, auto.Loras...)
		low = append(low, auto.Loras...)
		if len(auto.TriggerWords) > 0 {
			logger.Debug("loras matched prompt", slog.Any("trigger_words", auto.TriggerWords))
		}
	}

	resolved := lora.ResolveStages(s.deps.Catalog, high, low)
	if len(high)+len(low) > 0 && !resolved.Active() {
		logger.Info("loras disabled for job, stages unusable",
			slog.Int("high_requested", len(high)),
			slog.Int("low_requested", len(low)),
		)
	}
	return resolved
}

func picksFrom(sels []job.LoraSelection) []lora.Pick {
	picks := make([]lora.Pick, 0, len(sels))
	for _, sel := range sels {
		picks = append(picks, lora.Pick{ID: sel.ID, Mode: sel.Mode, Scale: sel.Scale})
	}
	return picks
}

// fail moves the job to FAILED, refunds it and returns cause as a
// non-retryable error.
func (s *SubmissionService) fail(ctx context.Context, j *job.Job, reason string, cause error) error {
	applied, err := s.deps.Jobs.MarkFailed(ctx, j.ID, reason)
	if err != nil {
		return retryable(fmt.Errorf("mark job failed: %w", err))
	}
	s.logger.Warn("job failed during submission",
		slog.String("job_id", j.ID),
		slog.String("reason", reason),
		slog.Bool("applied", applied),
	)
	s.deps.Compensator.RefundByID(ctx, j.ID)
	return fmt.Errorf("job %s: %w", j.ID, cause)
}

// transient records a failed attempt. The job fails once the limit is reached.
func (s *SubmissionService) transient(ctx context.Context, j *job.Job, cause error) error {
	attempts, failed, err := s.deps.Jobs.RecordSubmissionFailure(ctx, j.ID, cause.Error(), s.settings.MaxSubmissionAttempts)
	if err != nil {
		return retryable(fmt.Errorf("record submission failure: %w (cause: %w)", err, cause))
	}

	wrapped := fmt.Errorf("%w: %w", ErrSubmission, cause)
	if failed {
		s.logger.Error("submission attempts exhausted",
			slog.String("job_id", j.ID),
			slog.Int("attempts", attempts),
			slog.String("error", cause.Error()),
		)
		s.deps.Compensator.RefundByID(ctx, j.ID)
		return wrapped
	}

	s.logger.Warn("submission attempt failed, will retry",
		slog.String("job_id", j.ID),
		slog.Int("attempts", attempts),
		slog.String("error", cause.Error()),
	)
	return &RetryableError{Err: wrapped, Attempts: attempts}
}
