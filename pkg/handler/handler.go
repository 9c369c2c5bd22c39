// Package handler provides ready-made task handlers for auto-state nodes.
package handler

import (
	"context"
	"maps"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// PassThrough forwards every context of the window unchanged.
func PassThrough() api.TaskHandler {
	return api.HandlerFunc(func(_ context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
		return batch, nil
	})
}

// Map applies fn to the business data of each context. The returned map is
// merged into the context. Map keeps the window 1:1.
func Map(fn func(ctx context.Context, data map[string]any) (map[string]any, error)) api.TaskHandler {
	return api.HandlerFunc(func(ctx context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
		for _, fc := range batch {
			out, err := fn(ctx, fc.BusinessData)
			if err != nil {
				return nil, err
			}
			fc.MergeBusinessData(out)
		}
		return batch, nil
	})
}

// Filter drops contexts for which keep returns false.
func Filter(keep func(fc *api.FlowContext) bool) api.TaskHandler {
	return api.HandlerFunc(func(_ context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
		out := batch[:0]
		for _, fc := range batch {
			if keep(fc) {
				out = append(out, fc)
			}
		}
		return out, nil
	})
}

// Collect folds a window into a single context carrying the first context's
// identity. Business data of later contexts overrides earlier keys, and the
// individual payloads are listed under key.
func Collect(key string) api.TaskHandler {
	return api.HandlerFunc(func(_ context.Context, batch []*api.FlowContext) ([]*api.FlowContext, error) {
		if len(batch) == 0 {
			return nil, nil
		}
		merged := batch[0]
		items := make([]any, 0, len(batch))
		for _, fc := range batch {
			items = append(items, maps.Clone(fc.BusinessData))
		}
		for _, fc := range batch[1:] {
			merged.MergeBusinessData(fc.BusinessData)
		}
		merged.BusinessData[key] = items
		return []*api.FlowContext{merged}, nil
	})
}
