package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/fluxgraph/internal/taskqueue"
	"github.com/petrijr/fluxgraph/pkg/api"
)

// Processor executes a single task.
type Processor interface {
	Process(ctx context.Context, task *taskqueue.Task) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task *taskqueue.Task) error

func (f ProcessorFunc) Process(ctx context.Context, task *taskqueue.Task) error {
	return f(ctx, task)
}

// Worker pulls tasks from a Queue and executes them using a Processor.
type Worker struct {
	processor Processor
	queue     taskqueue.Queue
	logger    *slog.Logger

	// done is called after every processed task, successful or not.
	done func()
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger used by Run. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDoneHook registers fn to be called after each processed task.
func WithDoneHook(fn func()) Option {
	return func(w *Worker) {
		w.done = fn
	}
}

// New creates a new Worker.
func New(processor Processor, queue taskqueue.Queue, opts ...Option) *Worker {
	w := &Worker{
		processor: processor,
		queue:     queue,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EnqueueHop enqueues a context for processing at a node.
func (w *Worker) EnqueueHop(ctx context.Context, streamID, nodeID string, fc *api.FlowContext, token string) error {
	return EnqueueHop(ctx, w.queue, streamID, nodeID, fc, token)
}

// EnqueueFlushAt enqueues a window flush for a node no earlier than at.
func (w *Worker) EnqueueFlushAt(ctx context.Context, streamID, nodeID string, at time.Time) error {
	return EnqueueFlushAt(ctx, w.queue, streamID, nodeID, at)
}

// EnqueueHop enqueues a hop task on q.
func EnqueueHop(ctx context.Context, q taskqueue.Queue, streamID, nodeID string, fc *api.FlowContext, token string) error {
	return q.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeHop,
		StreamID:   streamID,
		NodeID:     nodeID,
		Context:    fc,
		Token:      token,
		EnqueuedAt: time.Now(),
	})
}

// EnqueueFlushAt enqueues a flush task on q.
func EnqueueFlushAt(ctx context.Context, q taskqueue.Queue, streamID, nodeID string, at time.Time) error {
	return q.Enqueue(ctx, taskqueue.Task{
		ID:         uuid.NewString(),
		Type:       taskqueue.TaskTypeFlush,
		StreamID:   streamID,
		NodeID:     nodeID,
		EnqueuedAt: time.Now(),
		NotBefore:  at,
	})
}

// ProcessOne pulls a single task from the queue and processes it.
// Returns (processed, error):
//   - processed == false: no task processed (ctx cancelled before or while waiting)
//   - processed == true: a task was processed; err indicates whether the processor succeeded.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	if w.done != nil {
		defer w.done()
	}

	if wait := time.Until(task.NotBefore); !task.NotBefore.IsZero() && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return true, ctx.Err()
		case <-timer.C:
		}
	}

	switch task.Type {
	case taskqueue.TaskTypeHop:
		if task.Context == nil {
			return true, errors.New("hop task without context")
		}
		return true, w.processor.Process(ctx, task)
	case taskqueue.TaskTypeFlush:
		return true, w.processor.Process(ctx, task)
	default:
		// Unknown task type; mark as processed but return an error so this isn't silently ignored.
		return true, errors.New("unknown task type: " + string(task.Type))
	}
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return
				}
			}
			// Keep going so a single bad task doesn't kill the worker loop.
			w.logger.ErrorContext(ctx, "worker_task_failed", slog.Any("error", err))
			continue
		}
		if !processed && ctx.Err() != nil {
			return
		}
	}
}
