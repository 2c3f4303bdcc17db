package generation

import (
	"context"
	"log/slog"

	"github.com/maauso/videogen-api/internal/queue"
)

// Dispatcher routes queue messages to the pipeline stage that handles them.
type Dispatcher struct {
	submitter *SubmissionService
	poller    *Poller
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(submitter *SubmissionService, poller *Poller, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{submitter: submitter, poller: poller, logger: logger}
}

// Handle is a queue.Handler. Only retryable errors are returned so the queue
// redelivers; everything else has already been persisted on the job.
func (d *Dispatcher) Handle(ctx context.Context, msg queue.Message) error {
	var err error
	switch msg.Kind {
	case queue.KindSubmit:
		err = d.submitter.Submit(ctx, msg.JobID)
	case queue.KindPoll:
		err = d.poller.HandlePoll(ctx, msg)
	default:
		d.logger.Error("unknown message kind dropped",
			slog.String("kind", string(msg.Kind)),
			slog.String("job_id", msg.JobID),
		)
		return nil
	}

	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return err
	}
	d.logger.Error("message handling failed permanently",
		slog.String("kind", string(msg.Kind)),
		slog.String("job_id", msg.JobID),
		slog.String("error", err.Error()),
	)
	return nil
}

