package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/petrijr/fluxgraph/internal/scheduler"
	"github.com/petrijr/fluxgraph/internal/taskqueue"
	"github.com/petrijr/fluxgraph/pkg/api"
	"github.com/petrijr/fluxgraph/pkg/stream"
	"github.com/petrijr/fluxgraph/pkg/worker"
)

// Node is the runtime of one flow node: an input publisher, the outgoing
// edges and the worker pool that processes arriving contexts.
type Node struct {
	graph *Graph
	spec  *api.FlowNode
	opts  NodeOptions

	input  *stream.Publisher[*api.FlowContext]
	edges  []*edge
	pool   *scheduler.Pool
	window *window
}

type edge struct {
	event  *api.FlowEvent
	target *Node
}

// emission is one child context about to traverse an edge.
type emission struct {
	parent *api.FlowContext
	// data supplies the child's payload when it differs from parent's.
	data  *api.FlowContext
	edge  *edge
	token string
}

var _ worker.Processor = (*Node)(nil)

func newNode(g *Graph, spec *api.FlowNode) (*Node, error) {
	opts, err := decodeOptions(spec)
	if err != nil {
		return nil, err
	}
	n := &Node{
		graph: g,
		spec:  spec,
		opts:  opts,
		input: stream.NewPublisher[*api.FlowContext](),
	}
	if spec.Kind == api.KindState {
		n.window = newWindow(n)
	}
	n.input.Register(stream.ListenerFuncs[*api.FlowContext]{
		Next: func(ctx context.Context, item stream.Item[*api.FlowContext]) {
			if err := n.enqueue(ctx, item.Data, item.Token); err != nil {
				g.env.Logger.ErrorContext(ctx, "enqueue_failed",
					slog.String("stream_id", g.streamID),
					slog.String("node", spec.MetaID),
					slog.String("context_id", item.Data.ID),
					slog.Any("error", err),
				)
			}
		},
	})
	return n, nil
}

// ID returns the node's meta id.
func (n *Node) ID() string { return n.spec.MetaID }

// Kind returns the node's kind.
func (n *Node) Kind() api.NodeKind { return n.spec.Kind }

// Spec returns the node as declared in the definition.
func (n *Node) Spec() *api.FlowNode { return n.spec }

// Definition returns the owning definition.
func (n *Node) Definition() *api.FlowDefinition { return n.graph.def }

// Options returns the decoded node options.
func (n *Node) Options() NodeOptions { return n.opts }

// Input returns the publisher feeding this node.
func (n *Node) Input() *stream.Publisher[*api.FlowContext] { return n.input }

func (n *Node) subscribe(target *Node, ev *api.FlowEvent) {
	n.edges = append(n.edges, &edge{event: ev, target: target})
}

func (n *Node) regularEdges() []*edge {
	out := make([]*edge, 0, len(n.edges))
	for _, e := range n.edges {
		if !e.event.OnError {
			out = append(out, e)
		}
	}
	return out
}

func (n *Node) errorEdges() []*edge {
	var out []*edge
	for _, e := range n.edges {
		if e.event.OnError {
			out = append(out, e)
		}
	}
	return out
}

func (n *Node) enqueue(ctx context.Context, fc *api.FlowContext, token string) error {
	if !n.graph.claim(fc.ID) {
		return fmt.Errorf("%w: context %s is already queued or running", api.ErrInvalidTransition, fc.ID)
	}
	if err := worker.EnqueueHop(ctx, n.pool, n.graph.streamID, n.spec.MetaID, fc, token); err != nil {
		n.graph.settle(fc.ID)
		return err
	}
	return nil
}

// Process handles one task from the node's pool.
func (n *Node) Process(ctx context.Context, task *taskqueue.Task) error {
	if task.Type == taskqueue.TaskTypeFlush {
		return n.flush(ctx, task.NotBefore)
	}

	env := n.graph.env
	fc := task.Context
	if env.Terminated(fc.TraceID) {
		defer n.graph.settle(fc.ID)
		return n.terminate(ctx, fc)
	}
	if n.spec.Kind != api.KindState {
		// State nodes settle a context when its window closes.
		defer n.graph.settle(fc.ID)
	}

	env.Observer.OnNodeStart(ctx, fc, n.spec)
	begin := env.Now()
	err := n.handle(ctx, fc, task.Token)
	env.Observer.OnNodeCompleted(ctx, fc, n.spec, err, env.Now().Sub(begin))
	return err
}

func (n *Node) handle(ctx context.Context, fc *api.FlowContext, token string) error {
	switch n.spec.Kind {
	case api.KindStart, api.KindParallel:
		return n.broadcast(ctx, fc, token)
	case api.KindCondition:
		return n.decide(ctx, fc, token)
	case api.KindState:
		return n.produce(ctx, fc, token)
	case api.KindManual:
		return n.park(ctx, fc)
	case api.KindEnd:
		return n.archive(ctx, fc, token)
	default:
		return fmt.Errorf("%w: unknown node kind %q", api.ErrInvalidDefinition, n.spec.Kind)
	}
}

// broadcast fires every regular edge once.
func (n *Node) broadcast(ctx context.Context, fc *api.FlowContext, token string) error {
	edges := n.regularEdges()
	ems := make([]emission, 0, len(edges))
	for _, e := range edges {
		ems = append(ems, emission{parent: fc, edge: e, token: token})
	}
	return n.forward(ctx, []*api.FlowContext{fc}, ems)
}

// decide fires the first regular edge whose rule holds, in declaration order.
func (n *Node) decide(ctx context.Context, fc *api.FlowContext, token string) error {
	for _, e := range n.regularEdges() {
		ok, err := n.matches(fc, e.event)
		if err != nil {
			return n.fail(ctx, fc, err, token)
		}
		if ok {
			return n.forward(ctx, []*api.FlowContext{fc}, []emission{{parent: fc, edge: e, token: token}})
		}
	}
	return n.unmatched(ctx, fc)
}

func (n *Node) produce(ctx context.Context, fc *api.FlowContext, token string) error {
	batch, err := n.window.add(ctx, pending{fc: fc, token: token})
	if err != nil {
		n.graph.settle(fc.ID)
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	return n.runBatch(ctx, batch)
}

// flush closes the window armed for due. Timers of windows that already
// closed by count are ignored.
func (n *Node) flush(ctx context.Context, due time.Time) error {
	if n.window == nil {
		return nil
	}
	batch, err := n.window.drain(ctx, due)
	if err != nil || len(batch) == 0 {
		return err
	}
	return n.runBatch(ctx, batch)
}

// runBatch runs the task handler once over a closed window and forwards
// every output along each regular edge whose rule holds for it.
func (n *Node) runBatch(ctx context.Context, batch []pending) error {
	env := n.graph.env
	defer func() {
		for _, p := range batch {
			n.graph.settle(p.fc.ID)
		}
	}()

	live := batch[:0:0]
	for _, p := range batch {
		if env.Terminated(p.fc.TraceID) {
			if err := n.terminate(ctx, p.fc); err != nil {
				return err
			}
			continue
		}
		live = append(live, p)
	}
	if len(live) == 0 {
		return nil
	}

	handler, err := n.taskHandler()
	var outputs []*api.FlowContext
	if err == nil {
		err = n.opts.Retry.Do(ctx, func(attempt int) error {
			in := make([]*api.FlowContext, len(live))
			for i, p := range live {
				in[i] = p.fc.Clone()
			}
			out, herr := handler.Handle(ctx, in)
			if herr != nil {
				return herr
			}
			outputs = out
			return nil
		})
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; inputs stay persisted as PENDING here.
			return err
		}
		var errs []error
		for _, p := range live {
			errs = append(errs, n.fail(ctx, p.fc, err, p.token))
		}
		return errors.Join(errs...)
	}

	parents := make([]*api.FlowContext, len(live))
	byID := make(map[string]pending, len(live))
	for i, p := range live {
		parents[i] = p.fc
		byID[p.fc.ID] = p
	}

	var ems []emission
	var errs []error
	for _, out := range outputs {
		if out == nil {
			continue
		}
		src, ok := byID[out.ID]
		if !ok {
			src = live[0]
		}
		matched := false
		for _, e := range n.regularEdges() {
			hit, err := n.matches(out, e.event)
			if err != nil {
				errs = append(errs, n.fail(ctx, n.detach(src.fc, out), err, src.token))
				matched = true
				break
			}
			if hit {
				ems = append(ems, emission{parent: src.fc, data: out, edge: e, token: src.token})
				matched = true
			}
		}
		if !matched {
			errs = append(errs, n.unmatched(ctx, n.detach(src.fc, out)))
		}
	}
	errs = append(errs, n.forward(ctx, parents, ems))
	return errors.Join(errs...)
}

func (n *Node) taskHandler() (api.TaskHandler, error) {
	if n.spec.TaskID == "" {
		return passThrough, nil
	}
	h, ok := n.graph.env.handler(n.spec.TaskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrHandlerNotFound, n.spec.TaskID)
	}
	return h, nil
}

var passThrough = api.HandlerFunc(func(_ context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
	return batch, nil
})

// detach creates a context at this node that carries out's payload, for
// outputs that end here instead of moving on.
func (n *Node) detach(parent, out *api.FlowContext) *api.FlowContext {
	fc := parent.Derive(n.graph.env.NewID(), n.spec.MetaID)
	adopt(fc, out)
	return fc
}

func adopt(dst, src *api.FlowContext) {
	dst.BusinessData = maps.Clone(src.BusinessData)
	dst.ContextData = maps.Clone(src.ContextData)
	dst.PassData = maps.Clone(src.PassData)
	dst.ErrorInfo = src.ErrorInfo
	dst.ErrorMessage = src.ErrorMessage
	if src.Operator != "" {
		dst.Operator = src.Operator
	}
}

func (n *Node) park(ctx context.Context, fc *api.FlowContext) error {
	env := n.graph.env
	fc.Status = api.ContextWaiting
	if err := n.save(ctx, fc); err != nil {
		return n.persistFailed(ctx, fc, err)
	}
	env.notify(ctx, fc, api.EventWaiting)
	env.Observer.OnContextWaiting(ctx, fc)
	return nil
}

// release moves a completed manual context on along every regular edge
// whose rule holds.
func (n *Node) release(ctx context.Context, fc *api.FlowContext, token string) error {
	var ems []emission
	for _, e := range n.regularEdges() {
		ok, err := n.matches(fc, e.event)
		if err != nil {
			return n.fail(ctx, fc, err, token)
		}
		if ok {
			ems = append(ems, emission{parent: fc, edge: e, token: token})
		}
	}
	if len(ems) == 0 {
		return n.unmatched(ctx, fc)
	}
	n.graph.env.notify(ctx, fc, api.EventCompleted)
	return n.forward(ctx, []*api.FlowContext{fc}, ems)
}

func (n *Node) archive(ctx context.Context, fc *api.FlowContext, token string) error {
	env := n.graph.env
	if fc.HasError() {
		fc.Status = api.ContextError
	} else {
		fc.Status = api.ContextArchived
	}
	if n.graph.def.EnableOutputScope() && len(n.opts.Outputs) > 0 {
		scoped := make(map[string]any, len(n.opts.Outputs))
		for _, k := range n.opts.Outputs {
			if v, ok := fc.BusinessData[k]; ok {
				scoped[k] = v
			}
		}
		fc.BusinessData = scoped
	}
	if err := n.save(ctx, fc); err != nil {
		return n.persistFailed(ctx, fc, err)
	}

	if fc.HasError() {
		env.notify(ctx, fc, api.EventFailed)
		env.Observer.OnContextFailed(ctx, fc, errors.New(fc.ErrorMessage))
	} else {
		env.notify(ctx, fc, api.EventArchived)
		env.Observer.OnContextArchived(ctx, fc)
	}
	return n.graph.archive.EmitToken(ctx, fc, token)
}

func (n *Node) matches(fc *api.FlowContext, ev *api.FlowEvent) (bool, error) {
	if !ev.Guarded() {
		return true, nil
	}
	return n.graph.env.Evaluator.Evaluate(fc.BusinessData, fc.PassData, ev.ConditionRule)
}

// forward performs a hop: children are saved at their targets before the
// parents are marked FORWARDED, and only then emitted. When a child cannot
// be saved, or a parent cannot be marked, the hop is rolled back: children
// already saved are deleted and the parents are held for recovery, so
// resuming them redoes the hop once.
func (n *Node) forward(ctx context.Context, parents []*api.FlowContext, ems []emission) error {
	env := n.graph.env

	children := make([]*api.FlowContext, 0, len(ems))
	for _, em := range ems {
		child := em.parent.Derive(env.NewID(), em.edge.target.spec.MetaID)
		switch {
		case em.data != nil && em.data != em.parent:
			adopt(child, em.data)
		case em.edge.event == nil || em.edge.event.OnError:
			// error info travels with the child
		default:
			child.ErrorInfo = nil
			child.ErrorMessage = ""
		}
		if err := n.save(ctx, child); err != nil {
			return n.rollback(ctx, parents, children, err)
		}
		children = append(children, child)
	}

	for _, p := range parents {
		p.Status = api.ContextForwarded
		if err := n.save(ctx, p); err != nil {
			return n.rollback(ctx, parents, children, err)
		}
	}

	var errs []error
	for i, em := range ems {
		if err := em.edge.target.input.EmitToken(ctx, children[i], em.token); err != nil {
			errs = append(errs, fmt.Errorf("emit %s to %s: %w", children[i].ID, em.edge.target.spec.MetaID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Node) rollback(ctx context.Context, parents, saved []*api.FlowContext, cause error) error {
	env := n.graph.env
	for _, child := range saved {
		if err := env.Repository.Delete(context.WithoutCancel(ctx), child.ID); err != nil {
			env.Logger.ErrorContext(ctx, "hop_rollback_failed",
				slog.String("stream_id", n.graph.streamID),
				slog.String("node", n.spec.MetaID),
				slog.String("context_id", child.ID),
				slog.Any("error", err),
			)
		}
	}
	errs := make([]error, 0, len(parents))
	for _, p := range parents {
		errs = append(errs, n.persistFailed(ctx, p, cause))
	}
	return errors.Join(errs...)
}

// fail attaches err to fc and routes it: along the node's error edges when
// there are any, to the end node for condition failures, otherwise the
// context halts here in ERROR.
func (n *Node) fail(ctx context.Context, fc *api.FlowContext, err error, token string) error {
	env := n.graph.env

	var ex *api.ExecutionError
	if !api.IsConditionError(err) && !errors.As(err, &ex) {
		err = &api.ExecutionError{HandlerID: n.spec.TaskID, NodeName: n.spec.DisplayName(), Err: err}
	}
	fc.SetError(err, n.spec)

	if errEdges := n.errorEdges(); len(errEdges) > 0 {
		ems := make([]emission, len(errEdges))
		for i, e := range errEdges {
			ems[i] = emission{parent: fc, edge: e, token: token}
		}
		return n.forward(ctx, []*api.FlowContext{fc}, ems)
	}

	if api.IsConditionError(err) && n.graph.end != nil && n != n.graph.end {
		return n.forward(ctx, []*api.FlowContext{fc}, []emission{{parent: fc, edge: &edge{target: n.graph.end}, token: token}})
	}

	fc.Status = api.ContextError
	if serr := n.save(ctx, fc); serr != nil {
		return n.persistFailed(ctx, fc, serr)
	}
	env.notify(ctx, fc, api.EventFailed)
	env.Observer.OnContextFailed(ctx, fc, err)
	return nil
}

func (n *Node) unmatched(ctx context.Context, fc *api.FlowContext) error {
	env := n.graph.env
	fc.Status = api.ContextUnmatched
	fc.SetError(fmt.Errorf("node %s: %w", n.spec.DisplayName(), api.ErrNoMatch), n.spec)
	if err := n.save(ctx, fc); err != nil {
		return n.persistFailed(ctx, fc, err)
	}
	env.notify(ctx, fc, api.EventUnmatched)
	env.Observer.OnContextFailed(ctx, fc, api.ErrNoMatch)
	return nil
}

func (n *Node) terminate(ctx context.Context, fc *api.FlowContext) error {
	env := n.graph.env
	fc.Status = api.ContextTerminated
	fc.SetError(api.ErrLineageTerminated, n.spec)
	if err := n.save(ctx, fc); err != nil {
		return n.persistFailed(ctx, fc, err)
	}
	env.notify(ctx, fc, api.EventTerminated)
	env.Observer.OnContextFailed(ctx, fc, api.ErrLineageTerminated)
	return nil
}

func (n *Node) save(ctx context.Context, fc *api.FlowContext) error {
	fc.UpdatedAt = n.graph.env.Now()
	return n.graph.env.Repository.Save(ctx, fc)
}

// persistFailed parks fc for manual recovery. The context is never dropped:
// it is handed to the recovery sink even though it could not be stored.
func (n *Node) persistFailed(ctx context.Context, fc *api.FlowContext, err error) error {
	env := n.graph.env
	if ctx.Err() != nil {
		return err
	}
	fc.Status = api.ContextRecovery
	fc.SetError(&api.ExecutionError{
		Code:      api.ErrCodePersistence,
		HandlerID: n.spec.TaskID,
		NodeName:  n.spec.DisplayName(),
		Err:       err,
	}, n.spec)
	env.Recovery(ctx, fc, err)
	env.Observer.OnContextFailed(ctx, fc, err)
	return err
}
