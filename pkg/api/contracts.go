package api

import "context"

// ContextFilter selects contexts from a repository.
// Zero values mean "no filter" for that field.
type ContextFilter struct {
	StreamID string
	TraceID  string
	Status   ContextStatus
	Position string
}

// Match reports whether c satisfies the filter.
func (f ContextFilter) Match(c *FlowContext) bool {
	if f.StreamID != "" && c.StreamID != f.StreamID {
		return false
	}
	if f.TraceID != "" && c.TraceID != f.TraceID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Position != "" && c.Position != f.Position {
		return false
	}
	return true
}

// ContextRepository persists flow contexts. Each Save is transactional for
// a single context row and upserts by ID.
type ContextRepository interface {
	Save(ctx context.Context, fc *FlowContext) error
	FindByID(ctx context.Context, id string) (*FlowContext, error)
	FindByTrace(ctx context.Context, traceID string) ([]*FlowContext, error)
	// List returns contexts matching the filter, used by recovery scans.
	List(ctx context.Context, filter ContextFilter) ([]*FlowContext, error)
	// Delete removes a context. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
}

// EventKind classifies a messenger notification.
type EventKind string

const (
	EventWaiting    EventKind = "context.waiting"
	EventCompleted  EventKind = "context.completed"
	EventArchived   EventKind = "context.archived"
	EventFailed     EventKind = "context.failed"
	EventUnmatched  EventKind = "context.unmatched"
	EventTerminated EventKind = "context.terminated"
)

// Notification is what a Messenger delivers to its subscribers.
type Notification struct {
	ContextID string    `json:"contextId"`
	Kind      EventKind `json:"kind"`
}

// Messenger propagates context notifications across processes.
type Messenger interface {
	Notify(ctx context.Context, contextID string, kind EventKind) error
}

// Lock is a held named lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// LockProvider hands out named mutual exclusion, local or distributed.
// Lock blocks until the lock is acquired or ctx is done.
type LockProvider interface {
	Lock(ctx context.Context, key string) (Lock, error)
}

// ConditionEvaluator evaluates a boolean rule against a context's data.
// Implementations must be pure with respect to their inputs.
type ConditionEvaluator interface {
	Evaluate(businessData, passData map[string]any, rule string) (bool, error)
}

// TaskHandler runs the task of an auto-state node over one batching window
// of contexts and returns the contexts to forward.
type TaskHandler interface {
	Handle(ctx context.Context, batch []*FlowContext) ([]*FlowContext, error)
}

// HandlerFunc adapts a function to TaskHandler.
type HandlerFunc func(ctx context.Context, batch []*FlowContext) ([]*FlowContext, error)

func (f HandlerFunc) Handle(ctx context.Context, batch []*FlowContext) ([]*FlowContext, error) {
	return f(ctx, batch)
}

// Env bundles the collaborators every node runtime needs.
type Env struct {
	Repository ContextRepository
	Messenger  Messenger
	Locks      LockProvider
	Evaluator  ConditionEvaluator
	Observer   Observer
}
