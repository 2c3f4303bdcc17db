// Package library stores media records: uploaded sources and generated videos.
package library

import (
	"context"
	"errors"
	"time"
)

// ErrMediaNotFound is returned when a media record does not exist.
var ErrMediaNotFound = errors.New("media not found")

// Kind is the media type.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Artifact is one stored file belonging to a media record.
type Artifact struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
}

// LoraScale is a LoRA applied to a generation with its resolved scale.
type LoraScale struct {
	ID    string  `json:"id"`
	Scale float64 `json:"scale"`
}

// Generation records how a generated media item was produced.
type Generation struct {
	Prompt         string      `json:"prompt"`
	NegativePrompt string      `json:"negative_prompt,omitempty"`
	Width          int         `json:"width"`
	Height         int         `json:"height"`
	Seed           int64       `json:"seed"`
	HighNoiseLoras []LoraScale `json:"high_noise_loras,omitempty"`
	LowNoiseLoras  []LoraScale `json:"low_noise_loras,omitempty"`
	SourceMediaID  string      `json:"source_media_id"`
	Mode           string      `json:"mode"`
	Model          string      `json:"model"`
	JobID          string      `json:"job_id"`
}

// Media is an image or video owned by a user.
type Media struct {
	ID     string
	UserID string
	Kind   Kind

	// Primary is the main file. Secondary is an optional transcoded copy.
	Primary   Artifact
	Secondary *Artifact

	ThumbnailURL string

	// Generation is nil for uploaded media.
	Generation *Generation

	CreatedAt time.Time
	UpdatedAt time.Time
}

// URL returns the public URL of the primary artifact.
func (m *Media) URL() string {
	return m.Primary.URL
}

// Clone creates a deep copy of the media record.
func (m *Media) Clone() *Media {
	c := *m
	if m.Secondary != nil {
		s := *m.Secondary
		c.Secondary = &s
	}
	if m.Generation != nil {
		g := *m.Generation
		g.HighNoiseLoras = append([]LoraScale(nil), m.Generation.HighNoiseLoras...)
		g.LowNoiseLoras = append([]LoraScale(nil), m.Generation.LowNoiseLoras...)
		c.Generation = &g
	}
	return &c
}

// Repository persists media records and per-user counters.
type Repository interface {
	// Get returns the media record or ErrMediaNotFound.
	Get(ctx context.Context, id string) (*Media, error)

	// Upsert inserts the record or replaces an existing one with the same ID.
	// CreatedAt of an existing record is preserved.
	Upsert(ctx context.Context, m *Media) error

	// IncrementGenerated bumps the user's generated-media counter.
	IncrementGenerated(ctx context.Context, userID string) error

	// GeneratedCount returns the user's generated-media counter.
	GeneratedCount(ctx context.Context, userID string) (int64, error)
}
