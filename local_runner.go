package fluxgraph

import (
	"context"
	"slices"

	"github.com/petrijr/fluxgraph/internal/engine"
	"github.com/petrijr/fluxgraph/internal/persistence"
	"github.com/petrijr/fluxgraph/pkg/api"
)

// LocalRunner bundles an in-memory Engine with metrics and a synchronous
// Run for development, debugging and tests.
//
// Typical usage:
//
//	runner := fluxgraph.NewLocalRunner()
//	defer runner.Stop()
//
//	fluxgraph.New("order", "1").Start("start").To("end").End("end").
//	    MustRegister(runner.Engine)
//
//	res, err := runner.Run(ctx, "order1", map[string]any{"amount": 10})
//	for _, fc := range res.Archived() { ... }
type LocalRunner struct {
	// Engine is the in-memory engine used by this runner.
	Engine Engine

	// Metrics counts every hop the engine processes.
	Metrics *BasicMetrics
}

// RunResult is the lineage of a trace once the graph went idle. Root is the
// context the call started from.
type RunResult struct {
	Root     *FlowContext
	Contexts []*FlowContext
}

func (r *RunResult) withStatus(status ContextStatus) []*FlowContext {
	var out []*FlowContext
	for _, fc := range r.Contexts {
		if fc.Status == status {
			out = append(out, fc)
		}
	}
	return out
}

// Archived returns the contexts that reached the end node.
func (r *RunResult) Archived() []*FlowContext { return r.withStatus(ContextArchived) }

// Waiting returns the contexts parked at manual-state nodes.
func (r *RunResult) Waiting() []*FlowContext { return r.withStatus(ContextWaiting) }

// Failed returns the contexts halted in ERROR, UNMATCHED or RECOVERY.
func (r *RunResult) Failed() []*FlowContext {
	return slices.Concat(
		r.withStatus(ContextError),
		r.withStatus(ContextUnmatched),
		r.withStatus(ContextRecovery),
	)
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine.
// Extra observers are notified next to the runner's metrics.
func NewLocalRunner(observers ...Observer) *LocalRunner {
	metrics := &BasicMetrics{}
	eng, _ := engine.New(engine.Config{
		Repository: persistence.NewInMemoryStore(),
		Observer:   api.NewCompositeObserver(append([]Observer{metrics}, observers...)...),
	})
	return &LocalRunner{Engine: eng, Metrics: metrics}
}

// Run submits data to the start node of streamID, waits until no hop is
// queued or running and returns the resulting lineage.
func (r *LocalRunner) Run(ctx context.Context, streamID string, data map[string]any) (*RunResult, error) {
	root, err := r.Engine.Submit(ctx, streamID, data)
	if err != nil {
		return nil, err
	}
	return r.settle(ctx, root)
}

// Complete finishes a waiting context and returns its lineage once idle.
func (r *LocalRunner) Complete(ctx context.Context, contextID string, data map[string]any, operator string) (*RunResult, error) {
	fc, err := r.Engine.FindByID(ctx, contextID)
	if err != nil {
		return nil, err
	}
	if err := r.Engine.Complete(ctx, contextID, data, operator); err != nil {
		return nil, err
	}
	return r.settle(ctx, fc)
}

func (r *LocalRunner) settle(ctx context.Context, root *FlowContext) (*RunResult, error) {
	if err := r.Engine.Wait(ctx); err != nil {
		return nil, err
	}
	lineage, err := r.Engine.FindByTrace(ctx, root.TraceID)
	if err != nil {
		return nil, err
	}
	return &RunResult{Root: root, Contexts: lineage}, nil
}

// Stop closes the engine and its worker pools.
func (r *LocalRunner) Stop() {
	_ = r.Engine.Close()
}
