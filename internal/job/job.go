// Package job provides the Job aggregate for video generation requests.
// It includes the Job entity with a state machine aligned with RunPod states,
// as well as the repository port used by the orchestration pipeline.
package job

import (
	"errors"
	"slices"
	"time"

	"github.com/maauso/videogen-api/internal/job/id"
)

// Mode is the kind of generation a job performs.
type Mode string

const (
	// ModeImageToVideo animates a still image.
	ModeImageToVideo Mode = "image-to-video"
	// ModeVideoExtension continues an existing video from its last frame.
	ModeVideoExtension Mode = "video-extension"
)

// IsValid returns true if the mode is known.
func (m Mode) IsValid() bool {
	return m == ModeImageToVideo || m == ModeVideoExtension
}

// Status represents the current state of a Job.
type Status string

const (
	// StatusSubmitting indicates the job is persisted but not yet accepted by the provider.
	StatusSubmitting Status = "SUBMITTING"
	// StatusInQueue indicates the provider accepted the job and it waits for a worker.
	StatusInQueue Status = "IN_QUEUE"
	// StatusInProgress indicates a provider worker is generating the video.
	StatusInProgress Status = "IN_PROGRESS"
	// StatusCompleted indicates the result was stored and the media record exists.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the job will never produce a result.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was cancelled outside the pipeline.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
// IN_QUEUE -> COMPLETED covers providers that finish between two polls.
var validTransitions = map[Status][]Status{
	StatusSubmitting: {StatusInQueue, StatusFailed, StatusCancelled},
	StatusInQueue:    {StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// CanTransition reports whether a job may move from one status to another.
// Re-entering the current non-terminal status is allowed so that repeated
// provider observations are idempotent.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// AllowedFrom returns every status from which a transition to `to` is valid.
// Stores use it to express state guards as conditional updates.
func AllowedFrom(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusSubmitting, StatusInQueue, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// IsTerminal returns true if no component may transition out of the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LoraMode says whether a LoRA was picked automatically or by the user.
type LoraMode string

const (
	LoraModeAuto   LoraMode = "auto"
	LoraModeManual LoraMode = "manual"
)

// LoraSelection is one LoRA applied to a denoising stage.
type LoraSelection struct {
	ID    string   `json:"id"`
	Mode  LoraMode `json:"mode"`
	Scale float64  `json:"scale"`
}

// Job represents one video generation request from submission to terminal outcome.
type Job struct {
	// ID is the caller-assigned unique identifier. The resulting media shares it.
	ID string
	// UserID owns the job and the credits reserved for it.
	UserID string
	// MediaID references the source image or video.
	MediaID string
	Mode    Mode

	Prompt         string
	NegativePrompt string
	Width          int
	Height         int

	// ResolvedPrompt is the text sent to the provider: the request prompt or
	// its fallback, after optimization. Prompt keeps what the caller asked for.
	ResolvedPrompt string

	// Seed is zero until resolved.
	Seed          int64
	Steps         int
	GuidanceScale float64

	// HighNoiseLoras and LowNoiseLoras feed the two denoising stages.
	HighNoiseLoras []LoraSelection
	LowNoiseLoras  []LoraSelection

	// VideoLength is the requested duration in seconds; it is also the credit reservation.
	VideoLength              float64
	EnableLoras              bool
	EnablePromptOptimization bool

	// RunPodModel is the provider model the job was submitted to.
	RunPodModel string
	// RunPodJobID is the provider handle of the latest successful submission.
	RunPodJobID string

	Status Status

	// DelayTime and ExecutionTime are provider-reported, in milliseconds.
	DelayTime     int64
	ExecutionTime int64

	// ResultMediaID is set if and only if Status is COMPLETED.
	ResultMediaID string
	// Error contains the reason the job failed.
	Error string

	SubmissionError    string
	SubmissionAttempts int

	// SourceVideoURL and BaseFrameURL are only used by video extension.
	SourceVideoURL string
	BaseFrameURL   string
	// SourceImageURL is the image actually sent to the provider.
	SourceImageURL string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	// RefundedAt is set once the reserved credits were returned.
	RefundedAt time.Time
}

// New creates a new Job with a generated ID in SUBMITTING status.
func New(userID, mediaID string, mode Mode) *Job {
	return NewWithID(id.Generate(), userID, mediaID, mode)
}

// NewWithID creates a new Job with the specified ID in SUBMITTING status.
func NewWithID(jobID, userID, mediaID string, mode Mode) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        jobID,
		UserID:    userID,
		MediaID:   mediaID,
		Mode:      mode,
		Status:    StatusSubmitting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// LorasActive reports whether the job carries a usable two-stage LoRA set.
func (j *Job) LorasActive() bool {
	return len(j.HighNoiseLoras) > 0 && len(j.HighNoiseLoras) == len(j.LowNoiseLoras)
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	c := *j
	c.HighNoiseLoras = slices.Clone(j.HighNoiseLoras)
	c.LowNoiseLoras = slices.Clone(j.LowNoiseLoras)
	return &c
}
