package api

import (
	"context"

	"github.com/petrijr/fluxgraph/pkg/stream"
)

// Engine is the high-level engine API.
//
// Contexts move through compiled graphs asynchronously on per-node worker
// pools; Wait blocks until every queued hop has been processed.
type Engine interface {
	// RegisterDefinition validates def and registers it under its stream
	// identifier. Registering the same stream identifier twice fails.
	RegisterDefinition(def *FlowDefinition) error

	// RegisterHandler binds a task handler to the task id auto-state nodes
	// refer to.
	RegisterHandler(taskID string, h TaskHandler) error

	// Definition returns the registered definition of a stream.
	Definition(streamID string) (*FlowDefinition, error)

	// Versions lists the registered versions of a flow meta id.
	Versions(metaID string) []string

	// Compile returns the start publisher of a stream's graph, building the
	// graph on first use. Every call returns the same publisher.
	Compile(ctx context.Context, streamID string) (*stream.Publisher[map[string]any], error)

	// Submit creates a root context at the start node and returns it once it
	// is persisted and queued.
	Submit(ctx context.Context, streamID string, data map[string]any) (*FlowContext, error)

	// Feed connects an external emitter to the start node and starts it.
	// token tags buffered items that were emitted without one.
	Feed(ctx context.Context, streamID string, emitter *stream.Publisher[map[string]any], token string) error

	// FeedAt is Feed entering the graph at nodeID instead of the start node.
	FeedAt(ctx context.Context, streamID, nodeID string, emitter *stream.Publisher[map[string]any], token string) error

	// Complete finishes a context WAITING at a manual-state node.
	Complete(ctx context.Context, contextID string, data map[string]any, operator string) error

	// Resume re-enters a PENDING, ERROR or RECOVERY context at its position.
	Resume(ctx context.Context, contextID string) error

	// Recover resumes every persisted PENDING context of a registered stream.
	// It is meant to run on startup, before new work is submitted, and
	// returns how many contexts were queued.
	Recover(ctx context.Context) (int, error)

	// Terminate cancels a lineage: live contexts of the trace are persisted
	// as TERMINATED and workers drop the ones still queued. It returns how
	// many contexts were terminated.
	Terminate(ctx context.Context, traceID string) (int, error)

	FindByTrace(ctx context.Context, traceID string) ([]*FlowContext, error)
	FindByID(ctx context.Context, id string) (*FlowContext, error)

	// Recovery returns the contexts held for manual recovery because their
	// persistence kept failing.
	Recovery() []*FlowContext

	// Archived returns the publisher that receives every context reaching
	// the end node of a stream.
	Archived(ctx context.Context, streamID string) (*stream.Publisher[*FlowContext], error)

	// Wait blocks until no hop is queued or running, or ctx is done.
	Wait(ctx context.Context) error

	// Close stops the worker pools and releases the repository.
	Close() error
}
