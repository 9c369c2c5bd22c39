package graph

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/fluxgraph/internal/condition"
	"github.com/petrijr/fluxgraph/internal/lock"
	"github.com/petrijr/fluxgraph/internal/scheduler"
	"github.com/petrijr/fluxgraph/pkg/api"
)

// HandlerLookup resolves the task handler of an auto-state node.
type HandlerLookup interface {
	Handler(taskID string) (api.TaskHandler, bool)
}

// Env carries everything node runtimes need beyond the public collaborators.
type Env struct {
	api.Env

	Scheduler *scheduler.Scheduler
	Handlers  HandlerLookup
	Logger    *slog.Logger

	// Terminated reports whether a trace was cancelled.
	Terminated func(traceID string) bool

	// Recovery receives contexts whose persistence kept failing.
	Recovery func(ctx context.Context, fc *api.FlowContext, err error)

	NewID func() string
	Now   func() time.Time
}

var errNoRepository = errors.New("graph: environment has no context repository")
var errNoScheduler = errors.New("graph: environment has no scheduler")

func (e Env) withDefaults() (Env, error) {
	if e.Repository == nil {
		return e, errNoRepository
	}
	if e.Scheduler == nil {
		return e, errNoScheduler
	}
	if e.Evaluator == nil {
		e.Evaluator = condition.New()
	}
	if e.Locks == nil {
		e.Locks = lock.NewLocal()
	}
	if e.Observer == nil {
		e.Observer = api.NoopObserver{}
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Terminated == nil {
		e.Terminated = func(string) bool { return false }
	}
	if e.Recovery == nil {
		e.Recovery = func(context.Context, *api.FlowContext, error) {}
	}
	if e.NewID == nil {
		e.NewID = uuid.NewString
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return e, nil
}

func (e Env) handler(taskID string) (api.TaskHandler, bool) {
	if e.Handlers == nil || taskID == "" {
		return nil, false
	}
	return e.Handlers.Handler(taskID)
}

func (e Env) notify(ctx context.Context, fc *api.FlowContext, kind api.EventKind) {
	if e.Messenger == nil {
		return
	}
	if err := e.Messenger.Notify(ctx, fc.ID, kind); err != nil {
		e.Logger.WarnContext(ctx, "notify_failed",
			slog.String("context_id", fc.ID),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}
}
