// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrRunPodAPIKeyRequired is returned when RUNPOD_API_KEY is not set.
	ErrRunPodAPIKeyRequired = errors.New("config: RUNPOD_API_KEY is required")
	// ErrRunPodBaseModelRequired is returned when RUNPOD_BASE_MODEL is empty.
	ErrRunPodBaseModelRequired = errors.New("config: RUNPOD_BASE_MODEL is required")
	// ErrInvalidMaxEdge is returned when MAX_EDGE is not positive.
	ErrInvalidMaxEdge = errors.New("config: MAX_EDGE must be positive")
	// ErrInvalidMaxSubmissionAttempts is returned when MAX_SUBMISSION_ATTEMPTS is not positive.
	ErrInvalidMaxSubmissionAttempts = errors.New("config: MAX_SUBMISSION_ATTEMPTS must be positive")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port          int    `env:"PORT, default=8080" json:"port"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL, default=http://localhost:8080" json:"public_base_url"`

	// RunPod settings
	RunPodAPIKey    string        `env:"RUNPOD_API_KEY, required" json:"-"` // Masked in JSON
	RunPodBaseURL   string        `env:"RUNPOD_BASE_URL, default=https://api.runpod.ai/v2" json:"runpod_base_url"`
	RunPodBaseModel string        `env:"RUNPOD_BASE_MODEL, default=wan-2-2-i2v-720" json:"runpod_base_model"`
	RunPodLoraModel string        `env:"RUNPOD_LORA_MODEL, default=wan-2-2-i2v-720-lora" json:"runpod_lora_model"`
	RunPodTimeout   time.Duration `env:"RUNPOD_TIMEOUT, default=30s" json:"runpod_timeout"`
	RunPodRPS       float64       `env:"RUNPOD_RPS, default=5" json:"runpod_rps"`

	// Persistence settings. Empty URLs select the in-memory implementations.
	DatabaseURL      string `env:"DATABASE_URL" json:"-"` // Masked in JSON
	DatabaseMaxConns int    `env:"DATABASE_MAX_CONNS, default=10" json:"database_max_conns"`
	AutoMigrate      bool   `env:"AUTO_MIGRATE, default=true" json:"auto_migrate"`
	RedisURL         string `env:"REDIS_URL" json:"-"` // Masked in JSON

	// Queue settings
	QueueName          string `env:"QUEUE_NAME, default=videogen" json:"queue_name"`
	QueueMaxDeliveries int    `env:"QUEUE_MAX_DELIVERIES, default=5" json:"queue_max_deliveries"`
	WorkerConcurrency  int    `env:"WORKER_CONCURRENCY, default=4" json:"worker_concurrency"`

	// Storage settings
	TempDir string `env:"TEMP_DIR, default=/tmp/videogen" json:"temp_dir"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Collaborators. Empty URLs disable moderation and optimization.
	ModerationURL       string        `env:"MODERATION_URL" json:"moderation_url,omitempty"`
	OptimizerURL        string        `env:"OPTIMIZER_URL" json:"optimizer_url,omitempty"`
	CollaboratorTimeout time.Duration `env:"COLLABORATOR_TIMEOUT, default=10s" json:"collaborator_timeout"`
	LoraCatalogPath     string        `env:"LORA_CATALOG_PATH" json:"lora_catalog_path,omitempty"`

	// Generation settings
	MaxEdge                int     `env:"MAX_EDGE, default=1792" json:"max_edge"`
	MaxSubmissionAttempts  int     `env:"MAX_SUBMISSION_ATTEMPTS, default=3" json:"max_submission_attempts"`
	DefaultSteps           int     `env:"DEFAULT_STEPS, default=30" json:"default_steps"`
	DefaultGuidance        float64 `env:"DEFAULT_GUIDANCE, default=5" json:"default_guidance"`
	FlowShift              float64 `env:"FLOW_SHIFT, default=5" json:"flow_shift"`
	EnableSafetyChecker    bool    `env:"ENABLE_SAFETY_CHECKER, default=true" json:"enable_safety_checker"`
	SecondsPerVideoSecond  float64 `env:"ESTIMATED_SECONDS_PER_VIDEO_SECOND, default=20" json:"estimated_seconds_per_video_second"`
	FFmpegTranscodeEnabled bool    `env:"TRANSCODE_ENABLED, default=true" json:"transcode_enabled"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// DatabaseEnabled returns true if a Postgres URL is configured.
func (c *Config) DatabaseEnabled() bool {
	return c.DatabaseURL != ""
}

// RedisEnabled returns true if a Redis URL is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "RUNPOD_API_KEY") {
			return nil, ErrRunPodAPIKeyRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.RunPodAPIKey == "" {
		return ErrRunPodAPIKeyRequired
	}
	if c.RunPodBaseModel == "" {
		return ErrRunPodBaseModelRequired
	}
	if c.MaxEdge <= 0 {
		return ErrInvalidMaxEdge
	}
	if c.MaxSubmissionAttempts <= 0 {
		return ErrInvalidMaxSubmissionAttempts
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, RunPodBaseURL: %s, RunPodBaseModel: %s, RunPodLoraModel: %s, Database: %s, Redis: %s, QueueName: %s, TempDir: %s, S3Bucket: %s, S3Region: %s, MaxEdge: %d, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.RunPodBaseURL,
		c.RunPodBaseModel,
		c.RunPodLoraModel,
		mask(c.DatabaseURL),
		mask(c.RedisURL),
		c.QueueName,
		c.TempDir,
		c.S3Bucket,
		c.S3Region,
		c.MaxEdge,
		c.LogFormat,
		c.LogLevel,
	)
}

// mask reports only whether a secret-bearing value is set.
func mask(v string) string {
	if v == "" {
		return "<unset>"
	}
	return "<set>"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
