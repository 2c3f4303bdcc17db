package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Static errors for RunPod client operations.
var (
	// ErrModelRequired is returned when the model (endpoint ID) is not provided.
	ErrModelRequired = errors.New("runpod: model is required")
	// ErrAPIKeyNotSet is returned when the RUNPOD_API_KEY environment variable is not set.
	ErrAPIKeyNotSet = errors.New("runpod: RUNPOD_API_KEY environment variable is not set")
	// ErrJobIDRequired is returned when the job ID is not provided.
	ErrJobIDRequired = errors.New("runpod: job ID is required")
	// ErrNoJobIDReturned is returned when the submit response contains no job ID.
	ErrNoJobIDReturned = errors.New("runpod: submit failed: no job ID returned")
	// ErrSubmitFailed is returned when the submit operation fails.
	ErrSubmitFailed = errors.New("runpod: submit failed")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("runpod: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("runpod: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("runpod: request failed")
)

// Client defines the interface for interacting with the RunPod API.
type Client interface {
	// Submit sends a generation job to the given model and returns the provider handle.
	// It makes a single attempt; callers own the retry policy.
	Submit(ctx context.Context, model string, req SubmitRequest) (SubmitResult, error)

	// Status checks the status of a job previously submitted to model.
	Status(ctx context.Context, model, jobID string) (StatusResult, error)
}

// HTTPClient is the HTTP implementation of the RunPod Client interface.
type HTTPClient struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
	limiter     *rate.Limiter
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(hc *HTTPClient) {
		hc.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithBaseURL sets a custom base URL for the RunPod API.
func WithBaseURL(url string) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseURL = url
	}
}

// WithMaxRetries sets the maximum number of retries for transient status-check failures.
func WithMaxRetries(n int) ClientOption {
	return func(hc *HTTPClient) {
		hc.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseBackoff = d
	}
}

// WithRateLimit caps outgoing requests per second. Zero or negative disables pacing.
func WithRateLimit(rps float64) ClientOption {
	return func(hc *HTTPClient) {
		if rps <= 0 {
			hc.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		hc.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient creates a new RunPod HTTP client.
// The API key can be set via the WithAPIKey option. If not provided,
// it is read from the environment variable RUNPOD_API_KEY.
func NewClient(opts ...ClientOption) (*HTTPClient, error) {
	c := &HTTPClient{
		baseURL:     "https://api.runpod.ai/v2",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxRetries:  3,
		baseBackoff: 1 * time.Second,
	}

	// Apply options first to allow WithAPIKey to set the API key
	for _, opt := range opts {
		opt(c)
	}

	// If API key was not set via option, try environment variable
	if c.apiKey == "" {
		c.apiKey = os.Getenv("RUNPOD_API_KEY")
	}

	if c.apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	return c, nil
}

// Submit sends a generation job to RunPod and returns the provider job handle.
func (c *HTTPClient) Submit(ctx context.Context, model string, req SubmitRequest) (SubmitResult, error) {
	if model == "" {
		return SubmitResult{}, ErrModelRequired
	}

	input := runInput{
		Prompt:                   req.Prompt,
		Image:                    req.ImageURL,
		NumInferenceSteps:        req.Steps,
		Guidance:                 req.Guidance,
		NegativePrompt:           req.NegativePrompt,
		Size:                     strconv.Itoa(req.Width) + "*" + strconv.Itoa(req.Height),
		Duration:                 req.Duration,
		FlowShift:                req.FlowShift,
		Seed:                     req.Seed,
		EnablePromptOptimization: req.EnablePromptOptimization,
		EnableSafetyChecker:      req.EnableSafetyChecker,
	}
	if len(req.HighNoiseLoras) > 0 && len(req.LowNoiseLoras) > 0 {
		input.HighNoiseLoras = req.HighNoiseLoras
		input.LowNoiseLoras = req.LowNoiseLoras
	}

	bodyBytes, err := json.Marshal(runRequest{Input: input})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("runpod: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/run", c.baseURL, model)

	var resp runResponse
	if err := c.doRequest(ctx, http.MethodPost, url, bodyBytes, &resp); err != nil {
		return SubmitResult{}, err
	}

	if resp.ID == "" {
		if resp.Error != "" {
			return SubmitResult{}, fmt.Errorf("%w: %s", ErrSubmitFailed, resp.Error)
		}
		return SubmitResult{}, ErrNoJobIDReturned
	}

	return SubmitResult{ID: resp.ID, Status: Status(resp.Status)}, nil
}

// Status checks the status of a job and returns the result.
func (c *HTTPClient) Status(ctx context.Context, model, jobID string) (StatusResult, error) {
	if model == "" {
		return StatusResult{}, ErrModelRequired
	}
	if jobID == "" {
		return StatusResult{}, ErrJobIDRequired
	}

	url := fmt.Sprintf("%s/%s/status/%s", c.baseURL, model, jobID)

	var resp statusResponse
	if err := c.doRequestWithRetry(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{
		Status:        Status(resp.Status),
		DelayTime:     resp.DelayTime,
		ExecutionTime: resp.ExecutionTime,
	}

	switch result.Status {
	case StatusCompleted:
		var out statusOutput
		if len(resp.Output) > 0 && json.Unmarshal(resp.Output, &out) == nil {
			result.OutputURL = out.Result
		}
	case StatusFailed:
		result.Error = resp.Error
	}

	return result, nil
}

// doRequestWithRetry performs an HTTP request with exponential backoff retry.
func (c *HTTPClient) doRequestWithRetry(ctx context.Context, method, url string, body []byte, result any) error {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("runpod: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2 // Exponential backoff
			}
		}

		err := c.doRequest(ctx, method, url, body, result)
		if err == nil {
			return nil
		}

		// Check if error is retryable
		if !IsRetryable(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("runpod: max retries exceeded: %w", lastErr)
}

// doRequest performs a single HTTP request.
func (c *HTTPClient) doRequest(ctx context.Context, method, url string, body []byte, result any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("runpod: rate limiter: %w", err)
		}
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("runpod: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("runpod: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("runpod: read response: %w", err)}
	}

	// Handle non-2xx status codes
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 5xx errors are retryable
		if resp.StatusCode >= 500 {
			return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, string(respBody))}
		}
		// 429 (rate limit) is retryable
		if resp.StatusCode == http.StatusTooManyRequests {
			return &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, string(respBody))}
		}
		// Other errors are not retryable
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("runpod: unmarshal response: %w", err)
		}
	}

	return nil
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// IsRetryable returns true if the error is a transient transport or server failure.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// IsPermanent reports whether err is a failure that repeating the same request
// cannot fix: a rejected request (4xx other than 429) or a missing model or job ID.
func IsPermanent(err error) bool {
	if err == nil || IsRetryable(err) {
		return false
	}
	return errors.Is(err, ErrRequestFailed) ||
		errors.Is(err, ErrModelRequired) ||
		errors.Is(err, ErrJobIDRequired)
}
