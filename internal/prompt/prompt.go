// Package prompt provides the moderation and optimization collaborators
// consulted before a prompt is sent to the video model.
package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrUnexpectedStatus is returned when a collaborator answers with a non-2xx status.
	ErrUnexpectedStatus = errors.New("prompt: unexpected response status")
	// ErrURLRequired is returned when an HTTP collaborator is built without a URL.
	ErrURLRequired = errors.New("prompt: collaborator URL is required")
)

// Verdict is the outcome of moderating a prompt.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Moderator decides whether a prompt may be generated.
// An error means the decision could not be made, not that the prompt was rejected.
type Moderator interface {
	Moderate(ctx context.Context, prompt string) (Verdict, error)
}

// OptimizeResult is the outcome of rewriting a prompt.
type OptimizeResult struct {
	Success bool
	Prompt  string
	Error   string
}

// Optimizer rewrites a prompt for the given source image.
type Optimizer interface {
	Optimize(ctx context.Context, prompt, imageURL string) (OptimizeResult, error)
}

// AllowAll approves every prompt.
type AllowAll struct{}

// Moderate always allows.
func (AllowAll) Moderate(context.Context, string) (Verdict, error) {
	return Verdict{Allowed: true}, nil
}

// DisabledOptimizer reports failure so callers keep the original prompt.
type DisabledOptimizer struct{}

// Optimize returns an unsuccessful result.
func (DisabledOptimizer) Optimize(_ context.Context, prompt, _ string) (OptimizeResult, error) {
	return OptimizeResult{Success: false, Prompt: prompt, Error: "optimizer not configured"}, nil
}

// client is the shared JSON-over-HTTP transport for collaborators.
type client struct {
	url        string
	httpClient *http.Client
}

func newClient(url string, timeout time.Duration) (client, error) {
	if url == "" {
		return client{}, ErrURLRequired
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return client{url: url, httpClient: &http.Client{Timeout: timeout}}, nil
}

func (c client) post(ctx context.Context, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
