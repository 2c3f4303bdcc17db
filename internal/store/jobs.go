package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maauso/videogen-api/internal/job"
)

// Compile-time check that JobRepository implements job.Repository.
var _ job.Repository = (*JobRepository)(nil)

// JobRepository is the Postgres implementation of job.Repository.
// Every mutation is a single conditional UPDATE keyed on the allowed source statuses.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `id, user_id, media_id, mode, prompt, resolved_prompt, negative_prompt, width, height, seed, steps,
	guidance_scale, high_noise_loras, low_noise_loras, video_length, enable_loras, enable_prompt_optimization,
	runpod_model, runpod_job_id, status, delay_time, execution_time, result_media_id, error, submission_error,
	submission_attempts, source_video_url, base_frame_url, source_image_url, created_at, updated_at,
	completed_at, refunded_at`

func (r *JobRepository) Create(ctx context.Context, j *job.Job) error {
	high, err := lorasJSON(j.HighNoiseLoras)
	if err != nil {
		return err
	}
	low, err := lorasJSON(j.LowNoiseLoras)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		         $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33)`,
		j.ID, j.UserID, j.MediaID, string(j.Mode), j.Prompt, j.ResolvedPrompt, j.NegativePrompt, j.Width, j.Height, j.Seed, j.Steps,
		j.GuidanceScale, high, low, j.VideoLength, j.EnableLoras, j.EnablePromptOptimization,
		j.RunPodModel, j.RunPodJobID, string(j.Status), j.DelayTime, j.ExecutionTime, nullString(j.ResultMediaID),
		j.Error, j.SubmissionError, j.SubmissionAttempts, j.SourceVideoURL, j.BaseFrameURL, j.SourceImageURL,
		j.CreatedAt, j.UpdatedAt, nullTime(j.CompletedAt), nullTime(j.RefundedAt))
	if err != nil {
		if isDuplicateKeyError(err) {
			return job.ErrJobExists
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *JobRepository) FindByID(ctx context.Context, id string) (*job.Job, error) {
	var (
		j                       job.Job
		mode, status            string
		high, low               []byte
		resultMediaID           *string
		completedAt, refundedAt *time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id).Scan(
		&j.ID, &j.UserID, &j.MediaID, &mode, &j.Prompt, &j.ResolvedPrompt, &j.NegativePrompt, &j.Width, &j.Height, &j.Seed, &j.Steps,
		&j.GuidanceScale, &high, &low, &j.VideoLength, &j.EnableLoras, &j.EnablePromptOptimization,
		&j.RunPodModel, &j.RunPodJobID, &status, &j.DelayTime, &j.ExecutionTime, &resultMediaID,
		&j.Error, &j.SubmissionError, &j.SubmissionAttempts, &j.SourceVideoURL, &j.BaseFrameURL, &j.SourceImageURL,
		&j.CreatedAt, &j.UpdatedAt, &completedAt, &refundedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	j.Mode = job.Mode(mode)
	j.Status = job.Status(status)
	if resultMediaID != nil {
		j.ResultMediaID = *resultMediaID
	}
	if completedAt != nil {
		j.CompletedAt = completedAt.UTC()
	}
	if refundedAt != nil {
		j.RefundedAt = refundedAt.UTC()
	}
	if err := json.Unmarshal(high, &j.HighNoiseLoras); err != nil {
		return nil, fmt.Errorf("decode high noise loras: %w", err)
	}
	if err := json.Unmarshal(low, &j.LowNoiseLoras); err != nil {
		return nil, fmt.Errorf("decode low noise loras: %w", err)
	}
	return &j, nil
}

func (r *JobRepository) SaveResolvedRequest(ctx context.Context, id string, req job.ResolvedRequest) (bool, error) {
	high, err := lorasJSON(req.HighNoiseLoras)
	if err != nil {
		return false, err
	}
	low, err := lorasJSON(req.LowNoiseLoras)
	if err != nil {
		return false, err
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET resolved_prompt = $2, width = $3, height = $4, seed = $5, high_noise_loras = $6,
		        low_noise_loras = $7, enable_loras = $8, runpod_model = $9, source_image_url = $10,
		        base_frame_url = $11, updated_at = NOW()
		 WHERE id = $1 AND status = $12`,
		id, req.Prompt, req.Width, req.Height, req.Seed, high, low, req.EnableLoras, req.RunPodModel,
		req.SourceImageURL, req.BaseFrameURL, string(job.StatusSubmitting))
	if err != nil {
		return false, fmt.Errorf("save resolved request: %w", err)
	}
	return r.applied(ctx, tag, id)
}

func (r *JobRepository) RecordSubmissionFailure(ctx context.Context, id, reason string, maxAttempts int) (int, bool, error) {
	var (
		attempts int
		status   string
	)
	err := r.pool.QueryRow(ctx,
		`UPDATE jobs SET
		   submission_attempts = submission_attempts + 1,
		   submission_error = $2,
		   status = CASE WHEN submission_attempts + 1 >= $3 THEN $5 ELSE status END,
		   error = CASE WHEN submission_attempts + 1 >= $3 THEN $2 ELSE error END,
		   updated_at = NOW()
		 WHERE id = $1 AND status = $4
		 RETURNING submission_attempts, status`,
		id, reason, maxAttempts, string(job.StatusSubmitting), string(job.StatusFailed),
	).Scan(&attempts, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		// Not SUBMITTING any more: report the current counter without touching it.
		err = r.pool.QueryRow(ctx, `SELECT submission_attempts, status FROM jobs WHERE id = $1`, id).Scan(&attempts, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, job.ErrJobNotFound
		}
	}
	if err != nil {
		return 0, false, fmt.Errorf("record submission failure: %w", err)
	}
	return attempts, job.Status(status) == job.StatusFailed, nil
}

func (r *JobRepository) MarkSubmitted(ctx context.Context, id, runpodJobID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET runpod_job_id = $2, status = $3, submission_error = '', updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, runpodJobID, string(job.StatusInQueue), string(job.StatusSubmitting))
	if err != nil {
		return false, fmt.Errorf("mark submitted: %w", err)
	}
	return r.applied(ctx, tag, id)
}

func (r *JobRepository) RecordProviderStatus(ctx context.Context, id string, obs job.ProviderObservation) (bool, error) {
	allowed := []string{}
	if obs.Status != "" && obs.Status != job.StatusCompleted {
		allowed = statusStrings(job.AllowedFrom(obs.Status))
	}

	var applied bool
	err := r.pool.QueryRow(ctx,
		`WITH prev AS (SELECT status FROM jobs WHERE id = $1 FOR UPDATE)
		 UPDATE jobs SET
		   delay_time = COALESCE($2::bigint, jobs.delay_time),
		   execution_time = COALESCE($3::bigint, jobs.execution_time),
		   status = CASE WHEN prev.status = ANY($5::text[]) THEN $4::text ELSE jobs.status END,
		   updated_at = NOW()
		 FROM prev
		 WHERE jobs.id = $1
		 RETURNING prev.status = ANY($5::text[])`,
		id, obs.DelayTime, obs.ExecutionTime, string(obs.Status), allowed,
	).Scan(&applied)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, job.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("record provider status: %w", err)
	}
	return applied, nil
}

func (r *JobRepository) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, error = $3, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($4)`,
		id, string(job.StatusFailed), reason, statusStrings(job.AllowedFrom(job.StatusFailed)))
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return r.applied(ctx, tag, id)
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id, resultMediaID string, completedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, result_media_id = $3, completed_at = $4, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($5)`,
		id, string(job.StatusCompleted), resultMediaID, completedAt, statusStrings(job.AllowedFrom(job.StatusCompleted)))
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return r.applied(ctx, tag, id)
}

func (r *JobRepository) MarkRefunded(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE jobs SET refunded_at = $2, updated_at = NOW() WHERE id = $1 AND refunded_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark refunded: %w", err)
	}
	return r.applied(ctx, tag, id)
}

// applied turns a conditional update result into (applied, err), telling a
// rejected guard apart from a missing row.
func (r *JobRepository) applied(ctx context.Context, tag pgconn.CommandTag, id string) (bool, error) {
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return false, job.ErrJobNotFound
	}
	return false, nil
}

func lorasJSON(l []job.LoraSelection) ([]byte, error) {
	if l == nil {
		l = []job.LoraSelection{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode loras: %w", err)
	}
	return b, nil
}

func statusStrings(statuses []job.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
