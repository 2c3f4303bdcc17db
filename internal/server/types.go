// Package server provides the HTTP API for the video generation service.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/videogen-api/internal/library"
)

// LoraRequest is one LoRA the caller asks for on a denoising stage.
type LoraRequest struct {
	ID    string  `json:"id" validate:"required"`
	Mode  string  `json:"mode" validate:"omitempty,oneof=auto manual"`
	Scale float64 `json:"scale" validate:"gte=0,lte=4"`
}

// CreateJobRequest is the HTTP request body for creating a new job.
type CreateJobRequest struct {
	// ID is an optional caller-chosen job ID. The resulting media shares it.
	ID string `json:"id" validate:"omitempty,max=64"`
	// UserID owns the job and pays for it.
	UserID string `json:"user_id" validate:"required"`
	// MediaID references the source image, or the source video for extensions.
	MediaID string `json:"media_id" validate:"required"`
	// Mode is "image-to-video" or "video-extension".
	Mode string `json:"mode" validate:"required,oneof=image-to-video video-extension"`

	Prompt         string `json:"prompt" validate:"max=4000"`
	NegativePrompt string `json:"negative_prompt" validate:"max=4000"`
	Width          int    `json:"width" validate:"required,min=1,max=8192"`
	Height         int    `json:"height" validate:"required,min=1,max=8192"`

	// Seed is optional; a random seed is picked when it is absent or out of range.
	Seed          *int64  `json:"seed"`
	Steps         int     `json:"steps" validate:"gte=0,lte=100"`
	GuidanceScale float64 `json:"guidance_scale" validate:"gte=0,lte=30"`

	HighNoiseLoras []LoraRequest `json:"high_noise_loras" validate:"omitempty,dive"`
	LowNoiseLoras  []LoraRequest `json:"low_noise_loras" validate:"omitempty,dive"`

	// VideoLength is the requested duration in seconds and the credit reservation.
	VideoLength              float64 `json:"video_length" validate:"required,gt=0,lte=60"`
	EnableLoras              bool    `json:"enable_loras"`
	EnablePromptOptimization bool    `json:"enable_prompt_optimization"`

	// SourceVideoURL overrides the media URL for video extension.
	SourceVideoURL string `json:"source_video_url" validate:"omitempty,url"`
}

// CreateJobResponse is the HTTP response after creating a job.
type CreateJobResponse struct {
	// ID is the unique identifier for the created job.
	ID string `json:"id"`
	// Status is the initial job status.
	Status string `json:"status"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	// ProviderStatus is the raw provider status seen by this check, if any.
	ProviderStatus string `json:"provider_status,omitempty"`
	ResultMediaID  string `json:"result_media_id,omitempty"`
	// VideoURL is the public URL of the result once the job is completed.
	VideoURL      string `json:"video_url,omitempty"`
	Error         string `json:"error,omitempty"`
	DelayTime     int64  `json:"delay_time_ms,omitempty"`
	ExecutionTime int64  `json:"execution_time_ms,omitempty"`
}

// MediaResponse is the HTTP response for a media record.
type MediaResponse struct {
	ID           string              `json:"id"`
	UserID       string              `json:"user_id"`
	Kind         string              `json:"kind"`
	URL          string              `json:"url"`
	WebURL       string              `json:"web_url,omitempty"`
	ThumbnailURL string              `json:"thumbnail_url,omitempty"`
	Generation   *library.Generation `json:"generation,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// AddCreditsRequest is the HTTP request body for topping up a credit pool.
type AddCreditsRequest struct {
	Pool    string  `json:"pool" validate:"required,oneof=purchased plan"`
	Seconds float64 `json:"seconds" validate:"required,gt=0"`
}

// CreditsResponse is a user's credit balance in seconds of video.
type CreditsResponse struct {
	UserID           string  `json:"user_id"`
	PurchasedSeconds float64 `json:"purchased_seconds"`
	PlanSeconds      float64 `json:"plan_seconds"`
	TotalSeconds     float64 `json:"total_seconds"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
