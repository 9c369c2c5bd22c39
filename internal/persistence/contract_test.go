package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxgraph/pkg/api"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleContext(id, trace string, offset int) *api.FlowContext {
	return &api.FlowContext{
		ID:        id,
		TraceID:   trace,
		StreamID:  "orders1.0",
		Position:  "start",
		Operator:  "alice",
		StartTime: baseTime,
		BusinessData: map[string]any{
			"order": map[string]any{"id": "o-1", "total": 12.5},
			"tags":  []any{"a", "b"},
		},
		ContextData: map[string]any{"hops": 1.0},
		PassData:    map[string]any{"cache": "transient"},
		Status:      api.ContextPending,
		UpdatedAt:   baseTime.Add(time.Duration(offset) * time.Second),
	}
}

// runRepositoryContract exercises the behaviour every backend shares.
// Ids are prefixed so the contract can run against shared servers.
func runRepositoryContract(t *testing.T, repo api.ContextRepository) {
	ctx := context.Background()
	p := fmt.Sprintf("c%d-", time.Now().UnixNano())

	t.Run("save and find", func(t *testing.T) {
		fc := sampleContext(p+"1", p+"trace-a", 0)
		fc.SetError(&api.ExecutionError{HandlerID: "h1", NodeName: "A", Args: []string{"x"}, Err: fmt.Errorf("boom")}, nil)
		require.NoError(t, repo.Save(ctx, fc))

		got, err := repo.FindByID(ctx, fc.ID)
		require.NoError(t, err)
		assert.Equal(t, fc.TraceID, got.TraceID)
		assert.Equal(t, fc.Position, got.Position)
		assert.Equal(t, fc.Operator, got.Operator)
		assert.True(t, fc.StartTime.Equal(got.StartTime))
		assert.Equal(t, fc.BusinessData, got.BusinessData)
		assert.Equal(t, fc.ContextData, got.ContextData)
		require.NotNil(t, got.ErrorInfo)
		assert.Equal(t, api.ErrCodeExecution, got.ErrorInfo.ErrorCode)
		assert.Equal(t, "h1", got.ErrorInfo.FitableID)
		assert.Empty(t, got.PassData)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := repo.FindByID(ctx, p+"missing")
		assert.ErrorIs(t, err, api.ErrContextNotFound)
	})

	t.Run("upsert moves position", func(t *testing.T) {
		fc := sampleContext(p+"2", p+"trace-b", 0)
		require.NoError(t, repo.Save(ctx, fc))

		fc.Position = "A"
		fc.Status = api.ContextForwarded
		fc.UpdatedAt = fc.UpdatedAt.Add(time.Second)
		require.NoError(t, repo.Save(ctx, fc))

		got, err := repo.FindByID(ctx, fc.ID)
		require.NoError(t, err)
		assert.Equal(t, "A", got.Position)
		assert.Equal(t, api.ContextForwarded, got.Status)

		list, err := repo.FindByTrace(ctx, fc.TraceID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("trace and filter", func(t *testing.T) {
		trace := p + "trace-c"
		for i := 0; i < 3; i++ {
			fc := sampleContext(fmt.Sprintf("%s3-%d", p, i), trace, i)
			if i == 2 {
				fc.Status = api.ContextWaiting
				fc.Position = "review"
			}
			require.NoError(t, repo.Save(ctx, fc))
		}
		require.NoError(t, repo.Save(ctx, sampleContext(p+"other", p+"trace-d", 0)))

		list, err := repo.FindByTrace(ctx, trace)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, p+"3-0", list[0].ID)
		assert.Equal(t, p+"3-2", list[2].ID)

		waiting, err := repo.List(ctx, api.ContextFilter{TraceID: trace, Status: api.ContextWaiting})
		require.NoError(t, err)
		require.Len(t, waiting, 1)
		assert.Equal(t, "review", waiting[0].Position)

		byPos, err := repo.List(ctx, api.ContextFilter{TraceID: trace, Position: "start"})
		require.NoError(t, err)
		assert.Len(t, byPos, 2)
	})

	t.Run("delete", func(t *testing.T) {
		trace := p + "trace-e"
		require.NoError(t, repo.Save(ctx, sampleContext(p+"4-0", trace, 0)))
		require.NoError(t, repo.Save(ctx, sampleContext(p+"4-1", trace, 1)))

		require.NoError(t, repo.Delete(ctx, p+"4-0"))
		require.NoError(t, repo.Delete(ctx, p+"4-0"))

		_, err := repo.FindByID(ctx, p+"4-0")
		assert.ErrorIs(t, err, api.ErrContextNotFound)
		list, err := repo.FindByTrace(ctx, trace)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, p+"4-1", list[0].ID)
	})
}
