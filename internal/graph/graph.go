// Package graph compiles flow definitions into live graphs of node runtimes
// connected through publishers, and memoizes them per stream identifier.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/petrijr/fluxgraph/pkg/api"
	"github.com/petrijr/fluxgraph/pkg/stream"
)

// Graph is one compiled flow definition.
type Graph struct {
	def      *api.FlowDefinition
	streamID string
	env      Env

	nodes   map[string]*Node
	start   *Node
	end     *Node
	entry   *stream.Publisher[map[string]any]
	archive *stream.Publisher[*api.FlowContext]
	edges   int

	// busy holds the ids of contexts queued at a node, running there, or
	// waiting in an open window.
	busyMu sync.Mutex
	busy   map[string]struct{}
}

// StreamID returns the stream identifier of the graph.
func (g *Graph) StreamID() string { return g.streamID }

// Definition returns the definition the graph was compiled from.
func (g *Graph) Definition() *api.FlowDefinition { return g.def }

// Entry returns the start node's publisher.
func (g *Graph) Entry() *stream.Publisher[map[string]any] { return g.entry }

// Archive publishes every context that reaches the end node.
func (g *Graph) Archive() *stream.Publisher[*api.FlowContext] { return g.archive }

// Node returns the runtime of a node.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Edges returns how many events were wired.
func (g *Graph) Edges() int { return g.edges }

// InFlight reports whether the context with id is queued or being
// processed by this graph.
func (g *Graph) InFlight(id string) bool {
	g.busyMu.Lock()
	defer g.busyMu.Unlock()
	_, ok := g.busy[id]
	return ok
}

func (g *Graph) claim(id string) bool {
	g.busyMu.Lock()
	defer g.busyMu.Unlock()
	if _, ok := g.busy[id]; ok {
		return false
	}
	g.busy[id] = struct{}{}
	return true
}

func (g *Graph) settle(ids ...string) {
	g.busyMu.Lock()
	defer g.busyMu.Unlock()
	for _, id := range ids {
		delete(g.busy, id)
	}
}

// Enter queues fc for processing at its persisted position. A context that
// is already queued or running is rejected with ErrInvalidTransition.
func (g *Graph) Enter(ctx context.Context, fc *api.FlowContext, token string) error {
	n, ok := g.nodes[fc.Position]
	if !ok {
		return &api.DefinitionError{
			StreamID: g.streamID,
			NodeID:   fc.Position,
			Err:      fmt.Errorf("%w: context %s positioned at unknown node", api.ErrTargetNodeNotFound, fc.ID),
		}
	}
	return n.enqueue(ctx, fc, token)
}

// Submit creates a root context at the start node and queues it. The trace
// id is token, or a fresh id when token is empty.
func (g *Graph) Submit(ctx context.Context, data map[string]any, token string) (*api.FlowContext, error) {
	return g.SubmitAt(ctx, g.start.spec.MetaID, data, token)
}

// SubmitAt creates a root context positioned at nodeID and queues it there.
func (g *Graph) SubmitAt(ctx context.Context, nodeID string, data map[string]any, token string) (*api.FlowContext, error) {
	n, ok := g.nodes[nodeID]
	if !ok {
		return nil, &api.DefinitionError{
			StreamID: g.streamID,
			NodeID:   nodeID,
			Err:      api.ErrTargetNodeNotFound,
		}
	}
	if n == g.end {
		return nil, fmt.Errorf("%w: cannot submit at the end node", api.ErrInvalidTransition)
	}
	env := g.env
	if token == "" {
		token = env.NewID()
	}
	if env.Terminated(token) {
		return nil, fmt.Errorf("trace %s: %w", token, api.ErrLineageTerminated)
	}
	business := maps.Clone(data)
	if business == nil {
		business = map[string]any{}
	}
	fc := &api.FlowContext{
		ID:           env.NewID(),
		TraceID:      token,
		StreamID:     g.streamID,
		Position:     nodeID,
		StartTime:    env.Now(),
		BusinessData: business,
		ContextData:  map[string]any{},
		PassData:     map[string]any{},
		Status:       api.ContextPending,
	}
	if err := n.save(ctx, fc); err != nil {
		return fc, n.persistFailed(ctx, fc, err)
	}
	if err := n.enqueue(ctx, fc, token); err != nil {
		return fc, err
	}
	return fc, nil
}

// Complete finishes a WAITING context at a manual-state node: data is merged
// into its business data and the context moves on along the node's edges.
func (g *Graph) Complete(ctx context.Context, fc *api.FlowContext, data map[string]any, operator string) error {
	n, ok := g.nodes[fc.Position]
	if !ok || n.spec.Kind != api.KindManual {
		return fmt.Errorf("%w: context %s is not at a manual node", api.ErrInvalidTransition, fc.ID)
	}
	if fc.Status != api.ContextWaiting {
		return fmt.Errorf("%w: context %s is %s, not %s", api.ErrInvalidTransition, fc.ID, fc.Status, api.ContextWaiting)
	}
	if g.env.Terminated(fc.TraceID) {
		return fmt.Errorf("trace %s: %w", fc.TraceID, api.ErrLineageTerminated)
	}
	fc.MergeBusinessData(data)
	if operator != "" {
		fc.Operator = operator
	}
	if fc.PassData == nil {
		fc.PassData = map[string]any{}
	}

	env := g.env
	env.Observer.OnNodeStart(ctx, fc, n.spec)
	begin := env.Now()
	err := n.release(ctx, fc, fc.TraceID)
	env.Observer.OnNodeCompleted(ctx, fc, n.spec, err, env.Now().Sub(begin))
	return err
}

// Terminate persists TERMINATED for fc, which must not be final yet.
func (g *Graph) Terminate(ctx context.Context, fc *api.FlowContext) error {
	n, ok := g.nodes[fc.Position]
	if !ok {
		return fmt.Errorf("%w: context %s positioned at unknown node %s", api.ErrInvalidTransition, fc.ID, fc.Position)
	}
	return n.terminate(ctx, fc)
}

// Cache memoizes compiled graphs per stream identifier.
type Cache struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{graphs: make(map[string]*Graph)}
}

// Graph returns the compiled graph for a stream identifier.
func (c *Cache) Graph(streamID string) (*Graph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[streamID]
	return g, ok
}

// Len returns the number of compiled graphs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.graphs)
}

// Compile returns the start publisher of def's graph, building and wiring
// the graph on first use. Concurrent callers for the same stream identifier
// serialize on a named lock and all receive the same publisher. A failed
// build leaves nothing cached.
func (c *Cache) Compile(ctx context.Context, def *api.FlowDefinition, env Env) (*stream.Publisher[map[string]any], error) {
	g, err := c.CompileGraph(ctx, def, env)
	if err != nil {
		return nil, err
	}
	return g.entry, nil
}

// CompileGraph is Compile returning the whole graph.
func (c *Cache) CompileGraph(ctx context.Context, def *api.FlowDefinition, env Env) (*Graph, error) {
	if def == nil {
		return nil, &api.DefinitionError{Err: fmt.Errorf("%w: nil definition", api.ErrInvalidDefinition)}
	}
	env, err := env.withDefaults()
	if err != nil {
		return nil, err
	}
	streamID := def.StreamID()

	if g, ok := c.Graph(streamID); ok {
		return g, nil
	}

	l, err := env.Locks.Lock(ctx, "graph:"+streamID)
	if err != nil {
		return nil, fmt.Errorf("graph %s: acquire build lock: %w", streamID, err)
	}
	defer func() { _ = l.Unlock(context.WithoutCancel(ctx)) }()

	if g, ok := c.Graph(streamID); ok {
		return g, nil
	}

	g, err := build(def, env)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.graphs[streamID] = g
	c.mu.Unlock()

	env.Observer.OnGraphWired(ctx, streamID, g.edges)
	return g, nil
}

// Close completes the publishers of every cached graph.
func (c *Cache) Close(ctx context.Context) {
	c.mu.Lock()
	graphs := c.graphs
	c.graphs = make(map[string]*Graph)
	c.mu.Unlock()

	for _, g := range graphs {
		g.entry.Complete(ctx)
		for _, n := range g.nodes {
			n.input.Complete(ctx)
		}
		g.archive.Complete(ctx)
	}
}

func build(def *api.FlowDefinition, env Env) (*Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	startSpec, err := def.StartNode()
	if err != nil {
		return nil, err
	}
	endSpec, err := def.EndNode()
	if err != nil {
		return nil, err
	}

	g := &Graph{
		def:      def,
		streamID: def.StreamID(),
		env:      env,
		nodes:    make(map[string]*Node, len(def.Nodes)),
		entry:    stream.NewPublisher[map[string]any](),
		archive:  stream.NewPublisher[*api.FlowContext](),
		busy:     make(map[string]struct{}),
	}

	for _, id := range def.NodeIDs() {
		n, err := newNode(g, def.Nodes[id])
		if err != nil {
			return nil, &api.DefinitionError{StreamID: g.streamID, NodeID: id, Err: err}
		}
		g.nodes[id] = n
	}
	g.start = g.nodes[startSpec.MetaID]
	g.end = g.nodes[endSpec.MetaID]

	for _, id := range def.NodeIDs() {
		n := g.nodes[id]
		for _, ev := range n.spec.Events {
			target, ok := g.nodes[ev.To]
			if !ok {
				return nil, &api.DefinitionError{
					StreamID: g.streamID,
					NodeID:   id,
					Err:      fmt.Errorf("%w: event %q targets %q", api.ErrTargetNodeNotFound, ev.MetaID, ev.To),
				}
			}
			n.subscribe(target, ev)
			g.edges++
		}
	}

	g.entry.Register(stream.ListenerFuncs[map[string]any]{
		Next: func(ctx context.Context, item stream.Item[map[string]any]) {
			if _, err := g.Submit(ctx, item.Data, item.Token); err != nil {
				env.Logger.ErrorContext(ctx, "submit_failed",
					slog.String("stream_id", g.streamID),
					slog.Any("error", err),
				)
			}
		},
	})

	var started []string
	for _, id := range def.NodeIDs() {
		n := g.nodes[id]
		_, existed := env.Scheduler.Lookup(g.streamID, id)
		pool, err := env.Scheduler.Pool(g.streamID, id, n.opts.Parallelism, n)
		if err != nil {
			for _, sid := range started {
				env.Scheduler.Remove(g.streamID, sid)
			}
			return nil, fmt.Errorf("graph %s: start pool for %s: %w", g.streamID, id, err)
		}
		if !existed {
			started = append(started, id)
		}
		n.pool = pool
	}
	return g, nil
}
