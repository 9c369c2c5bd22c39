// Package tracing reports graph activity as OpenTelemetry spans.
package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/fluxgraph/pkg/api"
)

const instrumentationName = "github.com/petrijr/fluxgraph"

// Observer opens one span per node hop. Waiting, archive and failure
// callbacks become events on the span of the hop that raised them.
type Observer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

var _ api.Observer = (*Observer)(nil)

// NewObserver returns an Observer that creates spans with tp.
func NewObserver(tp trace.TracerProvider) *Observer {
	return &Observer{
		tracer: tp.Tracer(instrumentationName),
		spans:  make(map[string]trace.Span),
	}
}

func hopKey(contextID, nodeID string) string {
	return contextID + "@" + nodeID
}

func contextAttrs(fc *api.FlowContext) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("fluxgraph.context_id", fc.ID),
		attribute.String("fluxgraph.trace_id", fc.TraceID),
		attribute.String("fluxgraph.stream_id", fc.StreamID),
	}
}

func (o *Observer) OnGraphWired(ctx context.Context, streamID string, edges int) {
	_, span := o.tracer.Start(ctx, "graph.wire", trace.WithAttributes(
		attribute.String("fluxgraph.stream_id", streamID),
		attribute.Int("fluxgraph.edges", edges),
	))
	span.End()
}

func (o *Observer) OnNodeStart(ctx context.Context, fc *api.FlowContext, node *api.FlowNode) {
	attrs := append(contextAttrs(fc),
		attribute.String("fluxgraph.node_id", node.MetaID),
		attribute.String("fluxgraph.node_kind", string(node.Kind)),
	)
	if node.TaskID != "" {
		attrs = append(attrs, attribute.String("fluxgraph.task_id", node.TaskID))
	}
	_, span := o.tracer.Start(ctx, "node "+node.MetaID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	o.mu.Lock()
	o.spans[hopKey(fc.ID, node.MetaID)] = span
	o.mu.Unlock()
}

func (o *Observer) OnNodeCompleted(ctx context.Context, fc *api.FlowContext, node *api.FlowNode, err error, d time.Duration) {
	span := o.take(hopKey(fc.ID, node.MetaID))
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Int64("fluxgraph.duration_ms", d.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (o *Observer) OnContextWaiting(ctx context.Context, fc *api.FlowContext) {
	o.event(fc, "context.waiting")
}

func (o *Observer) OnContextArchived(ctx context.Context, fc *api.FlowContext) {
	o.event(fc, "context.archived", attribute.String("fluxgraph.status", string(fc.Status)))
}

func (o *Observer) OnContextFailed(ctx context.Context, fc *api.FlowContext, err error) {
	span := o.active(fc)
	if span == nil {
		_, span = o.tracer.Start(ctx, "context.failed", trace.WithAttributes(contextAttrs(fc)...))
		defer span.End()
	}
	span.RecordError(err, trace.WithAttributes(attribute.String("fluxgraph.status", string(fc.Status))))
	span.SetStatus(codes.Error, err.Error())
}

func (o *Observer) event(fc *api.FlowContext, name string, attrs ...attribute.KeyValue) {
	if span := o.active(fc); span != nil {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

func (o *Observer) active(fc *api.FlowContext) trace.Span {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.spans[hopKey(fc.ID, fc.Position)]
}

func (o *Observer) take(key string) trace.Span {
	o.mu.Lock()
	defer o.mu.Unlock()
	span := o.spans[key]
	delete(o.spans, key)
	return span
}
