package generation

import (
	"errors"
	"fmt"
)

var (
	// ErrModerationRejected is returned when moderation refuses the prompt. The job is failed and refunded.
	ErrModerationRejected = errors.New("generation: prompt rejected by moderation")
	// ErrSourceUnavailable is returned when no usable source image could be resolved.
	ErrSourceUnavailable = errors.New("generation: no usable source image")
	// ErrSubmission is returned when the provider did not accept a job.
	ErrSubmission = errors.New("generation: provider submission failed")
	// ErrProviderPoll is returned when the provider status could not be read.
	ErrProviderPoll = errors.New("generation: provider status check failed")
	// ErrProviderRejected is returned when the provider refuses a status request
	// outright, for example because it no longer knows the job.
	ErrProviderRejected = errors.New("generation: provider rejected status check")
	// ErrMissingOutputURL is returned when the provider reports success without an output.
	ErrMissingOutputURL = errors.New("generation: provider completed without output URL")
	// ErrNotSubmitted is returned when polling a job that has no provider handle yet.
	ErrNotSubmitted = errors.New("generation: job has not been submitted")
	// ErrJobTerminal is returned when finalizing a job that already ended another way.
	ErrJobTerminal = errors.New("generation: job already in a terminal state")
)

// RetryableError marks a failure that should be retried by redelivering the
// message that triggered it.
type RetryableError struct {
	Err      error
	Attempts int
}

func (e *RetryableError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%v (attempt %d)", e.Err, e.Attempts)
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err, or any error it wraps, is a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

func retryable(err error) error {
	return &RetryableError{Err: err}
}
