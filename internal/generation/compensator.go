package generation

import (
	"context"
	"log/slog"
	"time"

	"github.com/maauso/videogen-api/internal/credit"
	"github.com/maauso/videogen-api/internal/job"
)

// Compensator returns the credits reserved for a failed job.
type Compensator struct {
	ledger credit.Ledger
	jobs   job.Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewCompensator creates a Compensator.
func NewCompensator(ledger credit.Ledger, jobs job.Repository, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compensator{
		ledger: ledger,
		jobs:   jobs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Refund credits the job's video length back to its owner once. It reports
// whether this call applied the refund and never fails the caller.
func (c *Compensator) Refund(ctx context.Context, j *job.Job) bool {
	if j.Status != job.StatusFailed {
		c.logger.Warn("refund skipped, job is not failed",
			slog.String("job_id", j.ID),
			slog.String("status", string(j.Status)),
		)
		return false
	}
	if !credit.ValidAmount(j.VideoLength) {
		c.logger.Debug("refund skipped, nothing reserved",
			slog.String("job_id", j.ID),
			slog.Float64("video_length", j.VideoLength),
		)
		return false
	}

	refunded, err := c.ledger.Refund(ctx, j.ID, j.UserID, j.VideoLength)
	if err != nil {
		c.logger.Error("refund failed",
			slog.String("job_id", j.ID),
			slog.String("user_id", j.UserID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !refunded {
		c.logger.Info("refund already processed", slog.String("job_id", j.ID))
		return false
	}

	if _, err := c.jobs.MarkRefunded(ctx, j.ID, c.now()); err != nil {
		c.logger.Warn("failed to stamp refund on job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
	c.logger.Info("credits refunded",
		slog.String("job_id", j.ID),
		slog.String("user_id", j.UserID),
		slog.Float64("seconds", j.VideoLength),
	)
	return true
}

// RefundByID reloads the job and refunds it if it is FAILED.
func (c *Compensator) RefundByID(ctx context.Context, jobID string) bool {
	j, err := c.jobs.FindByID(ctx, jobID)
	if err != nil {
		c.logger.Error("refund lookup failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return c.Refund(ctx, j)
}
