package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// claimScript moves expired in-flight messages back to the schedule, then
// atomically claims up to ARGV[2] due messages into the in-flight set.
//
// KEYS[1] scheduled zset, KEYS[2] in-flight zset.
// ARGV[1] now (ms), ARGV[2] limit, ARGV[3] visibility deadline (ms).
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[2], m)
  redis.call('ZADD', KEYS[1], ARGV[1], m)
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('ZADD', KEYS[2], ARGV[3], m)
end
return due
`)

// RedisQueue is a delayed queue on a Redis sorted set. Claimed messages stay
// in an in-flight set until acknowledged, so a crashed worker's messages are
// redelivered after the visibility timeout. Messages that fail MaxDeliveries
// times are moved to a dead letter stream.
type RedisQueue struct {
	client   *redis.Client
	name     string
	workerID string
	logger   *slog.Logger

	maxDeliveries int
	concurrency   int
	batchSize     int
	pollInterval  time.Duration
	visibility    time.Duration
	retryDelay    func(int) time.Duration
	now           func() time.Time
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// WithMaxDeliveries sets how many failed deliveries move a message to the DLQ.
func WithMaxDeliveries(n int) RedisOption {
	return func(q *RedisQueue) {
		if n > 0 {
			q.maxDeliveries = n
		}
	}
}

// WithConcurrency sets how many messages are handled in parallel.
func WithConcurrency(n int) RedisOption {
	return func(q *RedisQueue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithPollInterval sets how often the schedule is checked for due messages.
func WithPollInterval(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithVisibilityTimeout sets how long a claimed message may stay unacknowledged.
func WithVisibilityTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) RedisOption {
	return func(q *RedisQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// Connect parses a Redis URL and verifies the connection.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisQueue creates a queue named name on client.
func NewRedisQueue(client *redis.Client, name string, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client:        client,
		name:          name,
		workerID:      fmt.Sprintf("videogen-%s", uuid.New().String()[:8]),
		logger:        slog.Default(),
		maxDeliveries: 5,
		concurrency:   4,
		batchSize:     16,
		pollInterval:  500 * time.Millisecond,
		visibility:    5 * time.Minute,
		retryDelay:    RetryDelay,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) scheduledKey() string { return q.name + ":scheduled" }
func (q *RedisQueue) inflightKey() string  { return q.name + ":inflight" }

// DLQName returns the dead letter stream for this queue.
func (q *RedisQueue) DLQName() string { return q.name + ":dlq" }

// Publish schedules msg for delivery after delay.
func (q *RedisQueue) Publish(ctx context.Context, msg Message, delay time.Duration) error {
	payload, err := json.Marshal(withID(msg))
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(due), Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Run claims due messages and hands them to handler until ctx is cancelled.
// In-flight handlers are awaited before Run returns.
func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	q.logger.Info("queue consumer started",
		slog.String("queue", q.name),
		slog.String("worker_id", q.workerID),
		slog.Int("concurrency", q.concurrency),
	)

	sem := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		claimed, err := q.claim(ctx, min(q.batchSize, q.concurrency-len(sem)))
		if err != nil && ctx.Err() == nil {
			q.logger.Warn("queue claim failed", slog.String("queue", q.name), slog.String("error", err.Error()))
		}

		for _, raw := range claimed {
			sem <- struct{}{}
			wg.Add(1)
			go func(raw string) {
				defer wg.Done()
				defer func() { <-sem }()
				q.deliver(ctx, raw, handler)
			}(raw)
		}

		select {
		case <-ctx.Done():
			q.logger.Info("queue consumer stopped", slog.String("queue", q.name))
			return nil
		case <-ticker.C:
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := q.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.scheduledKey(), q.inflightKey()},
		now.UnixMilli(), limit, now.Add(q.visibility).UnixMilli(),
	).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

// deliver runs handler for one claimed message and settles it.
func (q *RedisQueue) deliver(ctx context.Context, raw string, handler Handler) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		q.logger.Error("dropping malformed queue message", slog.String("queue", q.name), slog.String("error", err.Error()))
		q.deadLetter(ctx, raw, Message{}, fmt.Sprintf("malformed message: %v", err))
		return
	}

	herr := handler(ctx, msg)
	if herr == nil {
		if err := q.client.ZRem(context.WithoutCancel(ctx), q.inflightKey(), raw).Err(); err != nil {
			q.logger.Warn("queue ack failed", slog.String("message_id", msg.ID), slog.String("error", err.Error()))
		}
		return
	}

	// Leave the message in flight on shutdown; the visibility timeout redelivers it.
	if ctx.Err() != nil {
		return
	}

	msg.Deliveries++
	if msg.Deliveries >= q.maxDeliveries {
		q.logger.Error("queue message exhausted deliveries",
			slog.String("message_id", msg.ID),
			slog.String("job_id", msg.JobID),
			slog.String("kind", string(msg.Kind)),
			slog.Int("deliveries", msg.Deliveries),
			slog.String("error", herr.Error()),
		)
		q.deadLetter(ctx, raw, msg, herr.Error())
		return
	}

	delay := q.retryDelay(msg.Deliveries)
	q.logger.Warn("queue message failed, scheduling redelivery",
		slog.String("message_id", msg.ID),
		slog.String("job_id", msg.JobID),
		slog.String("kind", string(msg.Kind)),
		slog.Int("deliveries", msg.Deliveries),
		slog.Duration("retry_in", delay),
		slog.String("error", herr.Error()),
	)

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), raw)
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(q.now().Add(delay).UnixMilli()), Member: string(payload)})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("queue redelivery failed", slog.String("message_id", msg.ID), slog.String("error", err.Error()))
	}
}

// deadLetter removes raw from the in-flight set and appends it to the DLQ stream.
func (q *RedisQueue) deadLetter(ctx context.Context, raw string, msg Message, reason string) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), raw)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DLQName(),
		Values: map[string]interface{}{
			"message_id": msg.ID,
			"jobId":      msg.JobID,
			"kind":       string(msg.Kind),
			"deliveries": strconv.Itoa(msg.Deliveries),
			"reason":     reason,
			"payload":    raw,
			"moved_at":   q.now().UTC().Format(time.RFC3339),
			"worker_id":  q.workerID,
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("failed to move message to DLQ", slog.String("message_id", msg.ID), slog.String("error", err.Error()))
	}
}

// Pending returns the number of scheduled and in-flight messages.
func (q *RedisQueue) Pending(ctx context.Context) (scheduled, inflight int64, err error) {
	pipe := q.client.Pipeline()
	s := pipe.ZCard(ctx, q.scheduledKey())
	f := pipe.ZCard(ctx, q.inflightKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue: pending: %w", err)
	}
	return s.Val(), f.Val(), nil
}
