package prompt

import (
	"context"
	"fmt"
	"time"
)

// HTTPModerator calls a moderation endpoint with {"prompt"} and expects {"success","reason"}.
type HTTPModerator struct {
	c client
}

// NewHTTPModerator creates a moderator posting to url.
func NewHTTPModerator(url string, timeout time.Duration) (*HTTPModerator, error) {
	c, err := newClient(url, timeout)
	if err != nil {
		return nil, err
	}
	return &HTTPModerator{c: c}, nil
}

type moderateRequest struct {
	Prompt string `json:"prompt"`
}

type moderateResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Moderate asks the service whether prompt is allowed.
func (m *HTTPModerator) Moderate(ctx context.Context, prompt string) (Verdict, error) {
	var resp moderateResponse
	if err := m.c.post(ctx, moderateRequest{Prompt: prompt}, &resp); err != nil {
		return Verdict{}, fmt.Errorf("prompt: moderate: %w", err)
	}
	return Verdict{Allowed: resp.Success, Reason: resp.Reason}, nil
}

// HTTPOptimizer calls an optimization endpoint with {"prompt","image_url"}
// and expects {"success","prompt","error"}.
type HTTPOptimizer struct {
	c client
}

// NewHTTPOptimizer creates an optimizer posting to url.
func NewHTTPOptimizer(url string, timeout time.Duration) (*HTTPOptimizer, error) {
	c, err := newClient(url, timeout)
	if err != nil {
		return nil, err
	}
	return &HTTPOptimizer{c: c}, nil
}

type optimizeRequest struct {
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url"`
}

type optimizeResponse struct {
	Success bool   `json:"success"`
	Prompt  string `json:"prompt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Optimize asks the service to rewrite prompt. A successful answer without a
// prompt is reported as a failure.
func (o *HTTPOptimizer) Optimize(ctx context.Context, prompt, imageURL string) (OptimizeResult, error) {
	var resp optimizeResponse
	if err := o.c.post(ctx, optimizeRequest{Prompt: prompt, ImageURL: imageURL}, &resp); err != nil {
		return OptimizeResult{}, fmt.Errorf("prompt: optimize: %w", err)
	}
	if resp.Success && resp.Prompt == "" {
		return OptimizeResult{Success: false, Error: "empty optimized prompt"}, nil
	}
	return OptimizeResult{Success: resp.Success, Prompt: resp.Prompt, Error: resp.Error}, nil
}
