package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/queue"
	"github.com/maauso/videogen-api/internal/runpod"
)

// PollOutcome is the result of one provider status check.
type PollOutcome struct {
	// Completed is true when the provider finished successfully; OutputURL is then set.
	Completed bool
	// Status is the raw provider status.
	Status    runpod.Status
	OutputURL string
	Error     string
}

// StatusReport is what an interactive status check returns.
type StatusReport struct {
	JobID          string
	Status         job.Status
	ProviderStatus runpod.Status
	ResultMediaID  string
	Error          string
	DelayTime      int64
	ExecutionTime  int64
}

// Poller checks provider status for submitted jobs.
type Poller struct {
	jobs        job.Repository
	client      runpod.Client
	finalizer   *Finalizer
	compensator *Compensator
	publisher   queue.Publisher
	logger      *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(jobs job.Repository, client runpod.Client, finalizer *Finalizer, compensator *Compensator, publisher queue.Publisher, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		jobs:        jobs,
		client:      client,
		finalizer:   finalizer,
		compensator: compensator,
		publisher:   publisher,
		logger:      logger,
	}
}

// jobStatusFor maps a provider status onto the job status it may be mirrored
// to. COMPLETED is left to the Finalizer and FAILED to MarkFailed, so both
// map to the empty status.
func jobStatusFor(s runpod.Status) job.Status {
	switch s {
	case runpod.StatusInQueue:
		return job.StatusInQueue
	case runpod.StatusInProgress:
		return job.StatusInProgress
	case runpod.StatusCancelled:
		return job.StatusCancelled
	default:
		return ""
	}
}

// PollOnce queries the provider for j and persists what it reports. A
// provider failure fails the job; the caller is responsible for refunding.
func (p *Poller) PollOnce(ctx context.Context, j *job.Job) (PollOutcome, error) {
	if j.RunPodJobID == "" {
		return PollOutcome{}, fmt.Errorf("%w: %s", ErrNotSubmitted, j.ID)
	}

	res, err := p.client.Status(ctx, j.RunPodModel, j.RunPodJobID)
	if err != nil {
		if runpod.IsPermanent(err) {
			return PollOutcome{}, fmt.Errorf("%w: %w", ErrProviderRejected, err)
		}
		return PollOutcome{}, fmt.Errorf("%w: %w", ErrProviderPoll, err)
	}

	if _, err := p.jobs.RecordProviderStatus(ctx, j.ID, job.ProviderObservation{
		Status:        jobStatusFor(res.Status),
		DelayTime:     res.DelayTime,
		ExecutionTime: res.ExecutionTime,
	}); err != nil {
		return PollOutcome{}, fmt.Errorf("record provider status: %w", err)
	}

	outcome := PollOutcome{Status: res.Status, Error: res.Error}
	switch res.Status {
	case runpod.StatusCompleted:
		if res.OutputURL == "" {
			p.logger.Error("provider completed without output URL",
				slog.String("job_id", j.ID),
				slog.String("runpod_job_id", j.RunPodJobID),
			)
			return outcome, fmt.Errorf("%w: job %s", ErrMissingOutputURL, j.ID)
		}
		outcome.Completed = true
		outcome.OutputURL = res.OutputURL
	case runpod.StatusFailed, runpod.StatusTimedOut:
		reason := res.Error
		if reason == "" {
			reason = "provider reported " + string(res.Status)
		}
		if _, err := p.jobs.MarkFailed(ctx, j.ID, reason); err != nil {
			return outcome, fmt.Errorf("mark job failed: %w", err)
		}
		p.logger.Warn("provider job failed",
			slog.String("job_id", j.ID),
			slog.String("status", string(res.Status)),
			slog.String("error", reason),
		)
	}
	return outcome, nil
}

// CheckStatus performs one interactive status check. It never reschedules;
// the caller polls again later. A completed job is finalized synchronously.
func (p *Poller) CheckStatus(ctx context.Context, jobID string) (StatusReport, error) {
	j, err := p.jobs.FindByID(ctx, jobID)
	if err != nil {
		return StatusReport{}, err
	}

	switch j.Status {
	case job.StatusFailed:
		p.compensator.Refund(ctx, j)
		return reportFor(j, ""), nil
	case job.StatusCompleted, job.StatusCancelled, job.StatusSubmitting:
		return reportFor(j, ""), nil
	}

	outcome, err := p.PollOnce(ctx, j)
	if err != nil {
		if errors.Is(err, ErrProviderPoll) {
			p.logger.Warn("interactive status check failed, reporting stored status",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
			return reportFor(j, ""), nil
		}
		if errors.Is(err, ErrProviderRejected) {
			p.logger.Error("provider rejected status check, reporting stored status",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
			return reportFor(j, ""), nil
		}
		return StatusReport{}, err
	}

	if outcome.Completed {
		if _, err := p.finalizer.Finalize(ctx, j, outcome.OutputURL); err != nil && !errors.Is(err, ErrJobTerminal) {
			return StatusReport{}, fmt.Errorf("finalize job %s: %w", j.ID, err)
		}
	}

	current, err := p.jobs.FindByID(ctx, jobID)
	if err != nil {
		return StatusReport{}, err
	}
	if current.Status == job.StatusFailed {
		p.compensator.Refund(ctx, current)
	}
	return reportFor(current, outcome.Status), nil
}

func reportFor(j *job.Job, providerStatus runpod.Status) StatusReport {
	return StatusReport{
		JobID:          j.ID,
		Status:         j.Status,
		ProviderStatus: providerStatus,
		ResultMediaID:  j.ResultMediaID,
		Error:          j.Error,
		DelayTime:      j.DelayTime,
		ExecutionTime:  j.ExecutionTime,
	}
}

// HandlePoll is the background path for a poll message. It either finishes
// the job, schedules the next check, or stops.
func (p *Poller) HandlePoll(ctx context.Context, msg queue.Message) error {
	j, err := p.jobs.FindByID(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			p.logger.Warn("poll for unknown job dropped", slog.String("job_id", msg.JobID))
			return nil
		}
		return retryable(fmt.Errorf("load job %s: %w", msg.JobID, err))
	}

	logger := p.logger.With(slog.String("job_id", j.ID), slog.Int("delay_idx", msg.DelayIdx))

	switch j.Status {
	case job.StatusCompleted, job.StatusCancelled:
		logger.Debug("poll skipped, job finished", slog.String("status", string(j.Status)))
		return nil
	case job.StatusFailed:
		p.compensator.Refund(ctx, j)
		return nil
	case job.StatusSubmitting:
		logger.Warn("poll for job that was never accepted, dropping")
		return nil
	}

	outcome, err := p.PollOnce(ctx, j)
	if err != nil {
		if errors.Is(err, ErrProviderPoll) {
			logger.Warn("status check failed, trying again later", slog.String("error", err.Error()))
			return p.reschedule(ctx, j.ID, msg.DelayIdx)
		}
		if errors.Is(err, ErrProviderRejected) {
			logger.Error("provider rejected status check, polling stopped", slog.String("error", err.Error()))
			return nil
		}
		if errors.Is(err, ErrMissingOutputURL) {
			return err
		}
		return retryable(err)
	}

	switch {
	case outcome.Completed:
		if _, err := p.finalizer.Finalize(ctx, j, outcome.OutputURL); err != nil {
			if errors.Is(err, ErrJobTerminal) {
				return nil
			}
			return retryable(fmt.Errorf("finalize job %s: %w", j.ID, err))
		}
		return nil
	case outcome.Status == runpod.StatusInProgress,
		outcome.Status == runpod.StatusInQueue,
		outcome.Status == runpod.StatusPending:
		return p.reschedule(ctx, j.ID, msg.DelayIdx)
	case outcome.Status == runpod.StatusCancelled:
		logger.Info("provider cancelled job, polling stopped")
		return nil
	case outcome.Status == runpod.StatusFailed, outcome.Status == runpod.StatusTimedOut:
		p.compensator.RefundByID(ctx, j.ID)
		return nil
	default:
		logger.Warn("unexpected provider status, polling stopped", slog.String("status", string(outcome.Status)))
		return nil
	}
}

func (p *Poller) reschedule(ctx context.Context, jobID string, idx int) error {
	next, delay := NextBackoff(idx)
	msg := queue.Message{Kind: queue.KindPoll, JobID: jobID, DelayIdx: next}
	if err := p.publisher.Publish(ctx, msg, delay); err != nil {
		return retryable(fmt.Errorf("reschedule poll: %w", err))
	}
	p.logger.Debug("poll rescheduled",
		slog.String("job_id", jobID),
		slog.Int("delay_idx", next),
		slog.Duration("delay", delay),
	)
	return nil
}
