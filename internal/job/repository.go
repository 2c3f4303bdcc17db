package job

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when creating a job whose ID is already taken.
	ErrJobExists = errors.New("job already exists")
)

// ResolvedRequest is the provider request derived during submission.
// It is persisted before the provider is called so a crash after that
// point leaves an auditable record of what was sent.
type ResolvedRequest struct {
	Prompt         string
	Width          int
	Height         int
	Seed           int64
	HighNoiseLoras []LoraSelection
	LowNoiseLoras  []LoraSelection
	EnableLoras    bool
	RunPodModel    string
	SourceImageURL string
	BaseFrameURL   string
}

// ProviderObservation is what a status check reported for a job.
// An empty Status leaves the stored status untouched; nil timings are ignored.
type ProviderObservation struct {
	Status        Status
	DelayTime     *int64
	ExecutionTime *int64
}

// Repository defines the interface for job persistence.
// Every mutation is a targeted update guarded by the state machine, so
// concurrent writers never clobber unrelated fields. Methods returning a
// bool report whether the update was applied; false means the job was in a
// state that does not allow it.
type Repository interface {
	// Create persists a new job. Returns ErrJobExists on duplicate IDs.
	Create(ctx context.Context, job *Job) error

	// FindByID retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	FindByID(ctx context.Context, id string) (*Job, error)

	// SaveResolvedRequest stores the resolved provider request while the job is SUBMITTING.
	SaveResolvedRequest(ctx context.Context, id string, req ResolvedRequest) (bool, error)

	// RecordSubmissionFailure increments the submission attempt counter and
	// stores the error. When the new count reaches maxAttempts the job is
	// moved to FAILED in the same update.
	RecordSubmissionFailure(ctx context.Context, id, reason string, maxAttempts int) (attempts int, failed bool, err error)

	// MarkSubmitted records the provider job handle and moves SUBMITTING to IN_QUEUE.
	MarkSubmitted(ctx context.Context, id, runpodJobID string) (bool, error)

	// RecordProviderStatus mirrors a provider status observation onto the job.
	// Timings are stored even when the status transition is not allowed.
	RecordProviderStatus(ctx context.Context, id string, obs ProviderObservation) (bool, error)

	// MarkFailed moves a non-terminal job to FAILED with a reason.
	MarkFailed(ctx context.Context, id, reason string) (bool, error)

	// MarkCompleted moves a job to COMPLETED, stamping the result media and completion time.
	MarkCompleted(ctx context.Context, id, resultMediaID string, completedAt time.Time) (bool, error)

	// MarkRefunded stamps RefundedAt once. It is informational; the credit
	// ledger is the authority on whether a refund happened.
	MarkRefunded(ctx context.Context, id string, at time.Time) (bool, error)
}
