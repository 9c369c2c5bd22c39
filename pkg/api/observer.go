package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; they are called from
// node worker goroutines.
type Observer interface {
	// OnGraphWired is called once per stream identifier, after the graph
	// builder wired every edge of a definition.
	OnGraphWired(ctx context.Context, streamID string, edges int)

	// OnNodeStart is called before a node processes a context.
	OnNodeStart(ctx context.Context, fc *FlowContext, node *FlowNode)

	// OnNodeCompleted is called after a node processed a context, for both
	// successes and failures (err != nil).
	OnNodeCompleted(ctx context.Context, fc *FlowContext, node *FlowNode, err error, duration time.Duration)

	// OnContextWaiting is called when a context parks at a manual-state node.
	OnContextWaiting(ctx context.Context, fc *FlowContext)

	// OnContextArchived is called when a context reaches the end node.
	OnContextArchived(ctx context.Context, fc *FlowContext)

	// OnContextFailed is called when a context halts in ERROR, UNMATCHED,
	// TERMINATED or RECOVERY status.
	OnContextFailed(ctx context.Context, fc *FlowContext, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnGraphWired(ctx context.Context, streamID string, edges int)     {}
func (NoopObserver) OnNodeStart(ctx context.Context, fc *FlowContext, node *FlowNode) {}
func (NoopObserver) OnNodeCompleted(ctx context.Context, fc *FlowContext, node *FlowNode, err error, d time.Duration) {
}
func (NoopObserver) OnContextWaiting(ctx context.Context, fc *FlowContext)           {}
func (NoopObserver) OnContextArchived(ctx context.Context, fc *FlowContext)          {}
func (NoopObserver) OnContextFailed(ctx context.Context, fc *FlowContext, err error) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnGraphWired(ctx context.Context, streamID string, edges int) {
	for _, o := range c.observers {
		o.OnGraphWired(ctx, streamID, edges)
	}
}

func (c *CompositeObserver) OnNodeStart(ctx context.Context, fc *FlowContext, node *FlowNode) {
	for _, o := range c.observers {
		o.OnNodeStart(ctx, fc, node)
	}
}

func (c *CompositeObserver) OnNodeCompleted(ctx context.Context, fc *FlowContext, node *FlowNode, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeCompleted(ctx, fc, node, err, d)
	}
}

func (c *CompositeObserver) OnContextWaiting(ctx context.Context, fc *FlowContext) {
	for _, o := range c.observers {
		o.OnContextWaiting(ctx, fc)
	}
}

func (c *CompositeObserver) OnContextArchived(ctx context.Context, fc *FlowContext) {
	for _, o := range c.observers {
		o.OnContextArchived(ctx, fc)
	}
}

func (c *CompositeObserver) OnContextFailed(ctx context.Context, fc *FlowContext, err error) {
	for _, o := range c.observers {
		o.OnContextFailed(ctx, fc, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs graph and context
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnGraphWired(ctx context.Context, streamID string, edges int) {
	o.Logger.InfoContext(ctx, "graph_wired",
		slog.String("stream_id", streamID),
		slog.Int("edges", edges),
	)
}

func (o *LoggingObserver) OnNodeStart(ctx context.Context, fc *FlowContext, node *FlowNode) {
	o.Logger.DebugContext(ctx, "node_start",
		slog.String("trace_id", fc.TraceID),
		slog.String("context_id", fc.ID),
		slog.String("node", node.MetaID),
		slog.String("kind", string(node.Kind)),
	)
}

func (o *LoggingObserver) OnNodeCompleted(ctx context.Context, fc *FlowContext, node *FlowNode, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "node_completed",
		slog.String("trace_id", fc.TraceID),
		slog.String("context_id", fc.ID),
		slog.String("node", node.MetaID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnContextWaiting(ctx context.Context, fc *FlowContext) {
	o.Logger.InfoContext(ctx, "context_waiting",
		slog.String("trace_id", fc.TraceID),
		slog.String("context_id", fc.ID),
		slog.String("position", fc.Position),
	)
}

func (o *LoggingObserver) OnContextArchived(ctx context.Context, fc *FlowContext) {
	o.Logger.InfoContext(ctx, "context_archived",
		slog.String("trace_id", fc.TraceID),
		slog.String("context_id", fc.ID),
		slog.String("status", string(fc.Status)),
	)
}

func (o *LoggingObserver) OnContextFailed(ctx context.Context, fc *FlowContext, err error) {
	o.Logger.ErrorContext(ctx, "context_failed",
		slog.String("trace_id", fc.TraceID),
		slog.String("context_id", fc.ID),
		slog.String("position", fc.Position),
		slog.String("status", string(fc.Status)),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate node durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	graphsWired       atomic.Int64
	hopsCompleted     atomic.Int64
	hopsFailed        atomic.Int64
	contextsWaiting   atomic.Int64
	contextsArchived  atomic.Int64
	contextsFailed    atomic.Int64
	totalNodeDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	GraphsWired      int64
	HopsCompleted    int64
	HopsFailed       int64
	ContextsWaiting  int64
	ContextsArchived int64
	ContextsFailed   int64
	AvgNodeDuration  time.Duration
}

func (m *BasicMetrics) OnGraphWired(ctx context.Context, streamID string, edges int) {
	m.graphsWired.Add(1)
}

func (m *BasicMetrics) OnNodeCompleted(ctx context.Context, fc *FlowContext, node *FlowNode, err error, d time.Duration) {
	if err != nil {
		m.hopsFailed.Add(1)
		return
	}
	m.hopsCompleted.Add(1)
	m.totalNodeDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnContextWaiting(ctx context.Context, fc *FlowContext) {
	m.contextsWaiting.Add(1)
}

func (m *BasicMetrics) OnContextArchived(ctx context.Context, fc *FlowContext) {
	m.contextsArchived.Add(1)
}

func (m *BasicMetrics) OnContextFailed(ctx context.Context, fc *FlowContext, err error) {
	m.contextsFailed.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	hops := m.hopsCompleted.Load()
	totalNs := m.totalNodeDuration.Load()

	var avg time.Duration
	if hops > 0 {
		avg = time.Duration(totalNs / hops)
	}

	return BasicMetricsSnapshot{
		GraphsWired:      m.graphsWired.Load(),
		HopsCompleted:    hops,
		HopsFailed:       m.hopsFailed.Load(),
		ContextsWaiting:  m.contextsWaiting.Load(),
		ContextsArchived: m.contextsArchived.Load(),
		ContextsFailed:   m.contextsFailed.Load(),
		AvgNodeDuration:  avg,
	}
}
