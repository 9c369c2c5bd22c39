package taskqueue

import (
	"context"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// TaskType tells a node worker what to do with a task.
type TaskType string

const (
	// TaskTypeHop processes one context at one node.
	TaskTypeHop TaskType = "hop"
	// TaskTypeFlush closes a node's batching window on a timer.
	TaskTypeFlush TaskType = "flush"
)

// Task is one hop (or window flush) waiting in a node's pool.
type Task struct {
	ID   string
	Type TaskType

	StreamID string
	NodeID   string

	// Context is the context to process for hop tasks.
	Context *api.FlowContext

	// Token is the correlation token the context arrived with.
	Token string

	EnqueuedAt time.Time

	// NotBefore holds a flush back until its deadline. Zero means the task
	// is due on arrival.
	NotBefore time.Time
}

// Queue feeds tasks to the workers of one node pool.
type Queue interface {
	// Enqueue appends t. It fails only when ctx is already done.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (*Task, error)

	// Len reports how many tasks are queued.
	Len() int
}
