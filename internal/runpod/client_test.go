package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// setTestEnv sets the RUNPOD_API_KEY env var for the duration of the test.
func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RUNPOD_API_KEY", "test-key")
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusInQueue, false},
		{StatusInProgress, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusTimedOut, true},
		{Status("UNKNOWN"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestNewClient_MissingAPIKey(t *testing.T) {
	t.Setenv("RUNPOD_API_KEY", "")

	_, err := NewClient()
	if !errors.Is(err, ErrAPIKeyNotSet) {
		t.Errorf("expected ErrAPIKeyNotSet, got %v", err)
	}
}

func TestNewClient_Success(t *testing.T) {
	setTestEnv(t)

	client, err := NewClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client == nil {
		t.Fatal("expected non-nil client")
	}
	if client.apiKey != "test-key" {
		t.Errorf("expected apiKey from env, got '%s'", client.apiKey)
	}
}

func TestNewClient_WithAPIKeyOptionOverridesEnv(t *testing.T) {
	setTestEnv(t)

	client, err := NewClient(WithAPIKey("explicit-api-key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.apiKey != "explicit-api-key" {
		t.Errorf("expected apiKey to be 'explicit-api-key', got '%s'", client.apiKey)
	}
}

func TestSubmit_Success(t *testing.T) {
	setTestEnv(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/wan-base/run" {
			t.Errorf("expected /wan-base/run, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer test-key, got %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected application/json, got %s", r.Header.Get("Content-Type"))
		}

		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if req.Input.Image != "https://cdn.example.com/source.png" {
			t.Errorf("unexpected image: %s", req.Input.Image)
		}
		if req.Input.Size != "1792*896" {
			t.Errorf("expected size 1792*896, got %s", req.Input.Size)
		}
		if req.Input.Seed != 42 {
			t.Errorf("expected seed 42, got %d", req.Input.Seed)
		}

		_ = json.NewEncoder(w).Encode(runResponse{ID: "rp-123", Status: "IN_QUEUE"})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))

	res, err := client.Submit(context.Background(), "wan-base", SubmitRequest{
		Prompt:   "a cat surfing",
		ImageURL: "https://cdn.example.com/source.png",
		Width:    1792,
		Height:   896,
		Seed:     42,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ID != "rp-123" {
		t.Errorf("expected rp-123, got %s", res.ID)
	}
	if res.Status != StatusInQueue {
		t.Errorf("expected IN_QUEUE, got %s", res.Status)
	}
}

func TestSubmit_LorasOnlySentAsPair(t *testing.T) {
	setTestEnv(t)

	var raw map[string]map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw = nil
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_ = json.NewEncoder(w).Encode(runResponse{ID: "rp-1"})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))
	loras := []Lora{{Path: "s3://loras/surf_high.safetensors", Scale: 1}}

	_, err := client.Submit(context.Background(), "wan-lora", SubmitRequest{HighNoiseLoras: loras, LowNoiseLoras: loras})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := raw["input"]["high_noise_loras"]; !ok {
		t.Error("expected high_noise_loras to be sent")
	}
	if _, ok := raw["input"]["low_noise_loras"]; !ok {
		t.Error("expected low_noise_loras to be sent")
	}

	_, err = client.Submit(context.Background(), "wan-base", SubmitRequest{HighNoiseLoras: loras})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := raw["input"]["high_noise_loras"]; ok {
		t.Error("expected unpaired LoRAs to be omitted")
	}
}

func TestSubmit_Error(t *testing.T) {
	setTestEnv(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(runResponse{Error: "invalid input"})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))

	_, err := client.Submit(context.Background(), "wan-base", SubmitRequest{})
	if !errors.Is(err, ErrSubmitFailed) {
		t.Errorf("expected ErrSubmitFailed, got %v", err)
	}
}

func TestSubmit_MissingModel(t *testing.T) {
	setTestEnv(t)

	client, _ := NewClient()

	_, err := client.Submit(context.Background(), "", SubmitRequest{})
	if !errors.Is(err, ErrModelRequired) {
		t.Errorf("expected ErrModelRequired, got %v", err)
	}
}

func TestSubmit_NoRetry(t *testing.T) {
	setTestEnv(t)

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithBaseBackoff(time.Millisecond))

	_, err := client.Submit(context.Background(), "wan-base", SubmitRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Errorf("expected 503 to be reported as retryable, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}
}

func TestSubmit_ContextCancelled(t *testing.T) {
	setTestEnv(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second) // Simulate slow response
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Submit(ctx, "wan-base", SubmitRequest{})
	if err == nil {
		t.Error("expected error due to context cancellation")
	}
}

func TestStatus_AllStatuses(t *testing.T) {
	setTestEnv(t)

	tests := []struct {
		name           string
		body           string
		expectedStatus Status
		expectedOutput string
		expectedError  string
		expectedDelay  *int64
	}{
		{
			name:           "IN_QUEUE",
			body:           `{"id":"rp-1","status":"IN_QUEUE","delayTime":1500}`,
			expectedStatus: StatusInQueue,
			expectedDelay:  ptr(int64(1500)),
		},
		{
			name:           "IN_PROGRESS",
			body:           `{"id":"rp-1","status":"IN_PROGRESS"}`,
			expectedStatus: StatusInProgress,
		},
		{
			name:           "COMPLETED",
			body:           `{"id":"rp-1","status":"COMPLETED","delayTime":10,"executionTime":9000,"output":{"result":"https://out.example.com/v.mp4"}}`,
			expectedStatus: StatusCompleted,
			expectedOutput: "https://out.example.com/v.mp4",
			expectedDelay:  ptr(int64(10)),
		},
		{
			name:           "COMPLETED without output",
			body:           `{"id":"rp-1","status":"COMPLETED"}`,
			expectedStatus: StatusCompleted,
		},
		{
			name:           "FAILED",
			body:           `{"id":"rp-1","status":"FAILED","error":"processing failed","output":"traceback"}`,
			expectedStatus: StatusFailed,
			expectedError:  "processing failed",
		},
		{
			name:           "CANCELLED",
			body:           `{"id":"rp-1","status":"CANCELLED"}`,
			expectedStatus: StatusCancelled,
		},
		{
			name:           "TIMED_OUT",
			body:           `{"id":"rp-1","status":"TIMED_OUT"}`,
			expectedStatus: StatusTimedOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("expected GET, got %s", r.Method)
				}
				if r.URL.Path != "/wan-base/status/rp-1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, _ := NewClient(WithBaseURL(server.URL))

			result, err := client.Status(context.Background(), "wan-base", "rp-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Status != tt.expectedStatus {
				t.Errorf("expected status %v, got %v", tt.expectedStatus, result.Status)
			}
			if result.OutputURL != tt.expectedOutput {
				t.Errorf("expected output %q, got %q", tt.expectedOutput, result.OutputURL)
			}
			if result.Error != tt.expectedError {
				t.Errorf("expected error %q, got %q", tt.expectedError, result.Error)
			}
			if tt.expectedDelay != nil && (result.DelayTime == nil || *result.DelayTime != *tt.expectedDelay) {
				t.Errorf("expected delay %d, got %v", *tt.expectedDelay, result.DelayTime)
			}
		})
	}
}

func TestStatus_EmptyJobID(t *testing.T) {
	setTestEnv(t)

	client, _ := NewClient()

	_, err := client.Status(context.Background(), "wan-base", "")
	if !errors.Is(err, ErrJobIDRequired) {
		t.Errorf("expected ErrJobIDRequired, got %v", err)
	}
}

func TestRetry_TransientFailure(t *testing.T) {
	setTestEnv(t)

	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := atomic.AddInt32(&attempts, 1)
		if count < 3 {
			// First two attempts fail with 503
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("service unavailable"))
			return
		}
		_ = json.NewEncoder(w).Encode(statusResponse{ID: "rp-1", Status: "IN_PROGRESS"})
	}))
	defer server.Close()

	client, _ := NewClient(
		WithBaseURL(server.URL),
		WithMaxRetries(3),
		WithBaseBackoff(10*time.Millisecond),
	)

	result, err := client.Status(context.Background(), "wan-base", "rp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusInProgress {
		t.Errorf("expected IN_PROGRESS, got %v", result.Status)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_MaxRetriesExceeded(t *testing.T) {
	setTestEnv(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("service unavailable"))
	}))
	defer server.Close()

	client, _ := NewClient(
		WithBaseURL(server.URL),
		WithMaxRetries(2),
		WithBaseBackoff(10*time.Millisecond),
	)

	_, err := client.Status(context.Background(), "wan-base", "rp-1")
	if !errors.Is(err, ErrServerError) {
		t.Errorf("expected wrapped ErrServerError, got %v", err)
	}
}

func TestRetry_NonRetryableError(t *testing.T) {
	setTestEnv(t)

	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest) // 400 is not retryable
		_, _ = w.Write([]byte("bad request"))
	}))
	defer server.Close()

	client, _ := NewClient(
		WithBaseURL(server.URL),
		WithMaxRetries(3),
		WithBaseBackoff(10*time.Millisecond),
	)

	_, err := client.Status(context.Background(), "wan-base", "rp-1")
	if !errors.Is(err, ErrRequestFailed) {
		t.Errorf("expected ErrRequestFailed, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("expected 1 attempt (no retries for 400), got %d", attempts)
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", fmt.Errorf("%w with status 404: gone", ErrRequestFailed), true},
		{"missing model", ErrModelRequired, true},
		{"missing job id", ErrJobIDRequired, true},
		{"server error", &retryableError{err: fmt.Errorf("%w 503: busy", ErrServerError)}, false},
		{"retries exhausted", fmt.Errorf("runpod: max retries exceeded: %w", &retryableError{err: ErrRateLimited}), false},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetry_RateLimited(t *testing.T) {
	setTestEnv(t)

	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := atomic.AddInt32(&attempts, 1)
		if count < 2 {
			w.WriteHeader(http.StatusTooManyRequests) // 429 is retryable
			_, _ = w.Write([]byte("rate limited"))
			return
		}
		_ = json.NewEncoder(w).Encode(statusResponse{ID: "rp-1", Status: "COMPLETED"})
	}))
	defer server.Close()

	client, _ := NewClient(
		WithBaseURL(server.URL),
		WithMaxRetries(3),
		WithBaseBackoff(10*time.Millisecond),
	)

	result, err := client.Status(context.Background(), "wan-base", "rp-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %v", result.Status)
	}
}

func TestWithRateLimit(t *testing.T) {
	setTestEnv(t)

	client, _ := NewClient(WithRateLimit(0.5))
	if client.limiter == nil {
		t.Fatal("expected limiter to be configured")
	}
	if client.limiter.Burst() != 1 {
		t.Errorf("expected burst 1, got %d", client.limiter.Burst())
	}

	disabled, _ := NewClient(WithRateLimit(0))
	if disabled.limiter != nil {
		t.Error("expected zero rate to disable the limiter")
	}
}

func TestWithHTTPClient(t *testing.T) {
	setTestEnv(t)

	customClient := &http.Client{Timeout: 60 * time.Second}
	client, err := NewClient(WithHTTPClient(customClient))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.httpClient != customClient {
		t.Error("expected custom HTTP client to be set")
	}
}

func ptr[T any](v T) *T { return &v }
