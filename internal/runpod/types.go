// Package runpod provides an HTTP client for RunPod serverless video generation models.
package runpod

import "encoding/json"

// Status represents the status of a RunPod job.
type Status string

// RunPod job statuses aligned with the RunPod API.
const (
	StatusPending    Status = "PENDING"
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Lora is one LoRA weight file applied to a denoising stage.
type Lora struct {
	Path  string  `json:"path"`
	Scale float64 `json:"scale"`
}

// SubmitRequest contains the generation parameters sent to a model.
type SubmitRequest struct {
	Prompt                   string
	ImageURL                 string
	Steps                    int
	Guidance                 float64
	NegativePrompt           string
	Width                    int
	Height                   int
	Duration                 float64
	FlowShift                float64
	Seed                     int64
	EnablePromptOptimization bool
	EnableSafetyChecker      bool
	// HighNoiseLoras and LowNoiseLoras are only sent when both are non-empty.
	HighNoiseLoras []Lora
	LowNoiseLoras  []Lora
}

// SubmitResult is what RunPod returns when it accepts a job.
type SubmitResult struct {
	ID     string
	Status Status
}

// StatusResult contains the result of a status check.
type StatusResult struct {
	Status Status
	// DelayTime and ExecutionTime are in milliseconds; nil when not reported.
	DelayTime     *int64
	ExecutionTime *int64
	// OutputURL is only set when Status is StatusCompleted.
	OutputURL string
	// Error is only set when Status is StatusFailed.
	Error string
}

// runRequest represents the request body for RunPod's /run endpoint.
type runRequest struct {
	Input runInput `json:"input"`
}

// runInput represents the input field in a RunPod run request.
type runInput struct {
	Prompt                   string  `json:"prompt"`
	Image                    string  `json:"image"`
	NumInferenceSteps        int     `json:"num_inference_steps"`
	Guidance                 float64 `json:"guidance"`
	NegativePrompt           string  `json:"negative_prompt"`
	Size                     string  `json:"size"`
	Duration                 float64 `json:"duration"`
	FlowShift                float64 `json:"flow_shift"`
	Seed                     int64   `json:"seed"`
	EnablePromptOptimization bool    `json:"enable_prompt_optimization"`
	EnableSafetyChecker      bool    `json:"enable_safety_checker"`
	HighNoiseLoras           []Lora  `json:"high_noise_loras,omitempty"`
	LowNoiseLoras            []Lora  `json:"low_noise_loras,omitempty"`
}

// runResponse represents the response from RunPod's /run endpoint.
type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// statusResponse represents the response from RunPod's /status endpoint.
type statusResponse struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	DelayTime     *int64          `json:"delayTime,omitempty"`
	ExecutionTime *int64          `json:"executionTime,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// statusOutput represents the output field of a completed job.
// Failed jobs may report a plain string instead, which is ignored.
type statusOutput struct {
	Result string `json:"result,omitempty"`
}
