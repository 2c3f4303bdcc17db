// Package queue delivers delayed scheduling messages to the generation workers.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind says which pipeline stage a message triggers.
type Kind string

const (
	// KindSubmit asks a worker to submit a SUBMITTING job to the provider.
	KindSubmit Kind = "submit"
	// KindPoll asks a worker to check provider status for a job.
	KindPoll Kind = "poll"
)

// ErrClosed is returned when publishing to a stopped queue.
var ErrClosed = errors.New("queue: closed")

// Message is one scheduling message.
type Message struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	JobID    string `json:"jobId"`
	DelayIdx int    `json:"delayIdx"`
	// Deliveries counts failed handler runs for this message.
	Deliveries int `json:"deliveries,omitempty"`
}

// Handler processes a message. A non-nil error schedules a redelivery.
type Handler func(ctx context.Context, msg Message) error

// Publisher schedules messages for delivery after a delay.
type Publisher interface {
	Publish(ctx context.Context, msg Message, delay time.Duration) error
}

// Consumer delivers due messages to a handler until ctx is cancelled.
type Consumer interface {
	Run(ctx context.Context, handler Handler) error
}

// Queue is both ends of a scheduling queue.
type Queue interface {
	Publisher
	Consumer
}

// RetryDelay returns the redelivery delay after the given number of failed deliveries.
func RetryDelay(deliveries int) time.Duration {
	const (
		base     = 2 * time.Second
		maxDelay = time.Minute
	)
	if deliveries < 1 {
		deliveries = 1
	}
	d := base << (deliveries - 1)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

func withID(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return msg
}
