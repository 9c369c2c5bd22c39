package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
	"github.com/petrijr/fluxgraph/pkg/worker"
)

type pending struct {
	fc    *api.FlowContext
	token string
}

// window collects contexts arriving at an auto-state node until BatchSize
// of them are present, or until FlushAfter elapsed since the window opened.
// Closing a window is serialized through the lock provider.
type window struct {
	node *Node
	key  string

	mu    sync.Mutex
	items []pending
	// due is the deadline of the pending flush, zero when none is armed.
	due time.Time
}

func newWindow(n *Node) *window {
	return &window{
		node: n,
		key:  fmt.Sprintf("window:%s:%s", n.graph.streamID, n.spec.MetaID),
	}
}

// add appends p and returns the closed window, if adding p closed it.
func (w *window) add(ctx context.Context, p pending) ([]pending, error) {
	n := w.node
	env := n.graph.env

	l, err := env.Locks.Lock(ctx, w.key)
	if err != nil {
		return nil, fmt.Errorf("window %s: %w", w.key, err)
	}
	defer func() { _ = l.Unlock(context.WithoutCancel(ctx)) }()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.items = append(w.items, p)
	if len(w.items) >= n.opts.BatchSize {
		batch := w.items
		w.items = nil
		w.due = time.Time{}
		return batch, nil
	}
	if n.opts.FlushAfter > 0 && w.due.IsZero() {
		at := env.Now().Add(n.opts.FlushAfter)
		if err := worker.EnqueueFlushAt(ctx, n.pool, n.graph.streamID, n.spec.MetaID, at); err != nil {
			env.Logger.WarnContext(ctx, "window_flush_not_scheduled",
				slog.String("window", w.key),
				slog.Any("error", err),
			)
		} else {
			w.due = at
		}
	}
	return nil, nil
}

// drain closes the window regardless of its size. A non-zero due must match
// the deadline the window was armed with; otherwise the flush belongs to a
// window that already closed and nothing is drained.
func (w *window) drain(ctx context.Context, due time.Time) ([]pending, error) {
	l, err := w.node.graph.env.Locks.Lock(ctx, w.key)
	if err != nil {
		return nil, fmt.Errorf("window %s: %w", w.key, err)
	}
	defer func() { _ = l.Unlock(context.WithoutCancel(ctx)) }()

	w.mu.Lock()
	defer w.mu.Unlock()

	if !due.IsZero() && !due.Equal(w.due) {
		return nil, nil
	}
	w.due = time.Time{}
	batch := w.items
	w.items = nil
	return batch, nil
}
