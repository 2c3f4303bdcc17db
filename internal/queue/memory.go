package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for development and tests.
// Messages are lost when the process exits.
type MemoryQueue struct {
	mu            sync.Mutex
	ready         chan Message
	done          chan struct{}
	timers        map[*time.Timer]struct{}
	dead          []Message
	closed        bool
	maxDeliveries int
	concurrency   int
	retryDelay    func(int) time.Duration
	logger        *slog.Logger
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(maxDeliveries, concurrency int, logger *slog.Logger) *MemoryQueue {
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		ready:         make(chan Message, 1024),
		done:          make(chan struct{}),
		timers:        make(map[*time.Timer]struct{}),
		maxDeliveries: maxDeliveries,
		concurrency:   concurrency,
		retryDelay:    RetryDelay,
		logger:        logger,
	}
}

// Publish schedules msg for delivery after delay.
func (q *MemoryQueue) Publish(_ context.Context, msg Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.schedule(withID(msg), delay)
	return nil
}

// schedule arms a timer that moves msg to the ready channel. Callers hold mu.
func (q *MemoryQueue) schedule(msg Message, delay time.Duration) {
	var t *time.Timer
	t = time.AfterFunc(max(delay, 0), func() {
		q.mu.Lock()
		delete(q.timers, t)
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.ready <- msg:
		case <-q.done:
		}
	})
	q.timers[t] = struct{}{}
}

// Run delivers messages to handler until ctx is cancelled, then stops all pending timers.
func (q *MemoryQueue) Run(ctx context.Context, handler Handler) error {
	sem := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		q.close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q.ready:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				q.deliver(ctx, msg, handler)
			}()
		}
	}
}

func (q *MemoryQueue) deliver(ctx context.Context, msg Message, handler Handler) {
	err := handler(ctx, msg)
	if err == nil || ctx.Err() != nil {
		return
	}

	msg.Deliveries++
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg.Deliveries >= q.maxDeliveries {
		q.logger.Error("queue message exhausted deliveries",
			slog.String("job_id", msg.JobID),
			slog.String("kind", string(msg.Kind)),
			slog.String("error", err.Error()),
		)
		q.dead = append(q.dead, msg)
		return
	}
	if !q.closed {
		q.schedule(msg, q.retryDelay(msg.Deliveries))
	}
}

func (q *MemoryQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	for t := range q.timers {
		t.Stop()
	}
	clear(q.timers)
}

// DeadLetters returns the messages that exhausted their deliveries.
func (q *MemoryQueue) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.dead...)
}
