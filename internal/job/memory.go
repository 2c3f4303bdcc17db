package job

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access.
// Suitable for development and testing; swap for persistent storage in production.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryRepository creates a new in-memory job repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs: make(map[string]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new job.
// Stores a clone to avoid external mutations.
func (r *MemoryRepository) Create(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return ErrJobExists
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

// FindByID retrieves a job by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// SaveResolvedRequest stores the resolved provider request while the job is SUBMITTING.
func (r *MemoryRepository) SaveResolvedRequest(_ context.Context, id string, req ResolvedRequest) (bool, error) {
	return r.update(id, func(j *Job) bool {
		if j.Status != StatusSubmitting {
			return false
		}
		j.ResolvedPrompt = req.Prompt
		j.Width = req.Width
		j.Height = req.Height
		j.Seed = req.Seed
		j.HighNoiseLoras = append([]LoraSelection(nil), req.HighNoiseLoras...)
		j.LowNoiseLoras = append([]LoraSelection(nil), req.LowNoiseLoras...)
		j.EnableLoras = req.EnableLoras
		j.RunPodModel = req.RunPodModel
		j.SourceImageURL = req.SourceImageURL
		j.BaseFrameURL = req.BaseFrameURL
		return true
	})
}

// RecordSubmissionFailure increments the attempt counter of a SUBMITTING job.
func (r *MemoryRepository) RecordSubmissionFailure(_ context.Context, id, reason string, maxAttempts int) (int, bool, error) {
	var (
		attempts int
		failed   bool
	)
	_, err := r.update(id, func(j *Job) bool {
		attempts = j.SubmissionAttempts
		if j.Status != StatusSubmitting {
			failed = j.Status == StatusFailed
			return false
		}
		j.SubmissionAttempts++
		j.SubmissionError = reason
		attempts = j.SubmissionAttempts
		if attempts >= maxAttempts {
			j.Status = StatusFailed
			j.Error = reason
			failed = true
		}
		return true
	})
	return attempts, failed, err
}

// MarkSubmitted records the provider handle and moves the job to IN_QUEUE.
func (r *MemoryRepository) MarkSubmitted(_ context.Context, id, runpodJobID string) (bool, error) {
	return r.update(id, func(j *Job) bool {
		if j.Status != StatusSubmitting {
			return false
		}
		j.RunPodJobID = runpodJobID
		j.Status = StatusInQueue
		j.SubmissionError = ""
		return true
	})
}

// RecordProviderStatus mirrors a provider observation onto the job.
func (r *MemoryRepository) RecordProviderStatus(_ context.Context, id string, obs ProviderObservation) (bool, error) {
	return r.update(id, func(j *Job) bool {
		if obs.DelayTime != nil {
			j.DelayTime = *obs.DelayTime
		}
		if obs.ExecutionTime != nil {
			j.ExecutionTime = *obs.ExecutionTime
		}
		if obs.Status == "" || obs.Status == StatusCompleted || !CanTransition(j.Status, obs.Status) {
			return false
		}
		j.Status = obs.Status
		return true
	})
}

// MarkFailed moves a non-terminal job to FAILED.
func (r *MemoryRepository) MarkFailed(_ context.Context, id, reason string) (bool, error) {
	return r.update(id, func(j *Job) bool {
		if !CanTransition(j.Status, StatusFailed) {
			return false
		}
		j.Status = StatusFailed
		j.Error = reason
		return true
	})
}

// MarkCompleted moves the job to COMPLETED with its result media.
func (r *MemoryRepository) MarkCompleted(_ context.Context, id, resultMediaID string, completedAt time.Time) (bool, error) {
	return r.update(id, func(j *Job) bool {
		if !CanTransition(j.Status, StatusCompleted) {
			return false
		}
		j.Status = StatusCompleted
		j.ResultMediaID = resultMediaID
		j.CompletedAt = completedAt
		return true
	})
}

// MarkRefunded stamps RefundedAt the first time it is called.
func (r *MemoryRepository) MarkRefunded(_ context.Context, id string, at time.Time) (bool, error) {
	return r.update(id, func(j *Job) bool {
		if !j.RefundedAt.IsZero() {
			return false
		}
		j.RefundedAt = at
		return true
	})
}

// update applies fn under the write lock. Timings written by fn persist
// even when fn reports that the guarded change was not applied.
func (r *MemoryRepository) update(id string, fn func(*Job) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	applied := fn(j)
	j.UpdatedAt = r.now()
	return applied, nil
}
