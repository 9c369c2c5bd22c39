package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petrijr/fluxgraph/internal/config"
	"github.com/petrijr/fluxgraph/pkg/api"
	"github.com/petrijr/fluxgraph/pkg/handler"
)

func TestOpen_SQLiteWithHTTPHandlerAndTracing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req handler.Request
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"enriched": true}`))
	}))
	defer srv.Close()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	cfg := config.Default()
	cfg.Persistence.Backend = "sqlite"
	cfg.Tracing.Enabled = true
	cfg.Messenger.Backend = "memory"
	cfg.Handlers = []config.HandlerConfig{{TaskID: "enrich", URL: srv.URL}}
	require.NoError(t, cfg.Prepare())

	metrics := &api.BasicMetrics{}
	e, err := Open(context.Background(), cfg, OpenOptions{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observers: []api.Observer{metrics},
	})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.RegisterDefinition(orderFlow("1")))
	root, err := e.Submit(context.Background(), "order1", map[string]any{"amount": 10})
	require.NoError(t, err)
	wait(t, e)

	lineage, err := e.FindByTrace(context.Background(), root.TraceID)
	require.NoError(t, err)
	end := byPosition(lineage, "end")
	require.NotNil(t, end)
	assert.Equal(t, api.ContextArchived, end.Status)
	assert.Equal(t, true, end.BusinessData["enriched"])

	assert.Equal(t, int64(1), metrics.Snapshot().ContextsArchived)
	assert.NotEmpty(t, rec.Ended())
}

func TestOpen_DuplicateHandlerFails(t *testing.T) {
	cfg := config.Default()
	cfg.Handlers = []config.HandlerConfig{
		{TaskID: "enrich", URL: "http://a.local"},
		{TaskID: "enrich", URL: "http://b.local"},
	}
	_, err := Open(context.Background(), cfg, OpenOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.Error(t, err)
}

func TestOpen_UnreachableRedisLocks(t *testing.T) {
	cfg := config.Default()
	cfg.Locks.Backend = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := Open(context.Background(), cfg, OpenOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}
