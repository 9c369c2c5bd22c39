package engine

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// runOrderFlow drives a submission through the manual review and checks the
// persisted lineage. It is shared by the backend-specific engine tests.
func runOrderFlow(t *testing.T, e api.Engine) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.RegisterDefinition(orderFlow("1")))
	require.NoError(t, e.RegisterHandler("enrich", enrich()))

	root, err := e.Submit(ctx, "order1", map[string]any{"amount": 250})
	require.NoError(t, err)
	wait(t, e)

	list, err := e.FindByTrace(ctx, root.TraceID)
	require.NoError(t, err)
	review := byPosition(list, "review")
	require.NotNil(t, review)
	require.Equal(t, api.ContextWaiting, review.Status)
	assert.Nil(t, review.PassData)

	require.NoError(t, e.Complete(ctx, review.ID, map[string]any{"approved": true}, "carol"))
	wait(t, e)

	list, err = e.FindByTrace(ctx, root.TraceID)
	require.NoError(t, err)
	assert.Len(t, list, 5)
	end := byPosition(list, "end")
	require.NotNil(t, end)
	assert.Equal(t, api.ContextArchived, end.Status)
	assert.Equal(t, "carol", end.Operator)
	assert.Equal(t, true, end.BusinessData["enriched"])
	assert.EqualValues(t, 250, end.BusinessData["amount"])
}

func TestSQLiteEngine_OrderFlow(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	e, err := NewSQLiteEngine(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	runOrderFlow(t, e)
}
