// Package engine wires the definition registry, graph cache, scheduler and
// collaborators into an api.Engine.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/fluxgraph/internal/condition"
	"github.com/petrijr/fluxgraph/internal/graph"
	"github.com/petrijr/fluxgraph/internal/lock"
	"github.com/petrijr/fluxgraph/internal/messenger"
	"github.com/petrijr/fluxgraph/internal/persistence"
	"github.com/petrijr/fluxgraph/internal/scheduler"
	"github.com/petrijr/fluxgraph/pkg/api"
	"github.com/petrijr/fluxgraph/pkg/stream"
)

// DefaultPersistenceRetry is used when Config.PersistenceRetry is zero.
var DefaultPersistenceRetry = api.RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 10 * time.Millisecond,
	MaxBackoff:     200 * time.Millisecond,
}

// Config describes how to construct an engine.
type Config struct {
	// Repository is required.
	Repository api.ContextRepository
	// Closer releases the repository on Close, if set.
	Closer io.Closer

	Messenger api.Messenger
	Locks     api.LockProvider
	Evaluator api.ConditionEvaluator
	Observer  api.Observer
	Logger    *slog.Logger

	// Parallelism is the worker count of nodes that do not set their own.
	Parallelism int
	// MaxPools caps the node pools across all graphs. Zero means no cap.
	MaxPools int

	// PersistenceRetry bounds repository retries before a context is held
	// for manual recovery.
	PersistenceRetry api.RetryPolicy
}

type engineImpl struct {
	repo     api.ContextRepository
	closer   io.Closer
	env      graph.Env
	defs     *definitionRegistry
	handlers *handlerRegistry
	cache    *graph.Cache
	sched    *scheduler.Scheduler
	logger   *slog.Logger
	locks    api.LockProvider

	mu         sync.Mutex
	terminated map[string]struct{}
	held       map[string]*api.FlowContext
	heldOrder  []string
	closed     bool
}

var _ api.Engine = (*engineImpl)(nil)

// New creates an engine from cfg.
func New(cfg Config) (api.Engine, error) {
	return newEngine(cfg)
}

func newEngine(cfg Config) (*engineImpl, error) {
	if cfg.Repository == nil {
		return nil, errors.New("engine: repository is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Locks == nil {
		cfg.Locks = lock.NewLocal()
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = condition.New()
	}
	policy := cfg.PersistenceRetry
	if policy == (api.RetryPolicy{}) {
		policy = DefaultPersistenceRetry
	}
	repo := persistence.NewRetrying(cfg.Repository, policy)

	e := &engineImpl{
		repo:       repo,
		closer:     cfg.Closer,
		defs:       newDefinitionRegistry(),
		handlers:   newHandlerRegistry(),
		cache:      graph.NewCache(),
		logger:     cfg.Logger,
		locks:      cfg.Locks,
		terminated: make(map[string]struct{}),
		held:       make(map[string]*api.FlowContext),
	}
	e.sched = scheduler.New(scheduler.Config{
		DefaultParallelism: cfg.Parallelism,
		MaxPools:           cfg.MaxPools,
		Logger:             cfg.Logger,
	})
	e.env = graph.Env{
		Env: api.Env{
			Repository: repo,
			Messenger:  cfg.Messenger,
			Locks:      cfg.Locks,
			Evaluator:  cfg.Evaluator,
			Observer:   cfg.Observer,
		},
		Scheduler:  e.sched,
		Handlers:   e.handlers,
		Logger:     cfg.Logger,
		Terminated: e.isTerminated,
		Recovery:   e.hold,
	}
	return e, nil
}

// NewInMemoryEngine returns an engine whose contexts live in process memory.
func NewInMemoryEngine() api.Engine {
	e, _ := newEngine(Config{Repository: persistence.NewInMemoryStore()})
	return e
}

// NewSQLiteEngine returns an engine persisting contexts in SQLite.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return New(Config{Repository: store})
}

// NewPostgresEngine returns an engine persisting contexts in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return New(Config{Repository: store})
}

// NewRedisEngine returns an engine that uses Redis for context persistence,
// distributed locks and notifications.
func NewRedisEngine(client *redis.Client) (api.Engine, error) {
	return New(Config{
		Repository: persistence.NewRedisStore(client, "fluxgraph:"),
		Locks:      lock.NewRedis(client, lock.RedisOptions{}),
		Messenger:  messenger.NewRedis(client, ""),
	})
}

// NewMongoEngine returns an engine persisting contexts in MongoDB.
func NewMongoEngine(client *mongo.Client, dbName string) (api.Engine, error) {
	return New(Config{Repository: persistence.NewMongoStore(client, dbName, "")})
}

func (e *engineImpl) isTerminated(traceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.terminated[traceID]
	return ok
}

func (e *engineImpl) hold(ctx context.Context, fc *api.FlowContext, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.held[fc.ID]; !ok {
		e.heldOrder = append(e.heldOrder, fc.ID)
	}
	e.held[fc.ID] = fc
	e.logger.ErrorContext(ctx, "context_held_for_recovery",
		slog.String("context_id", fc.ID),
		slog.String("trace_id", fc.TraceID),
		slog.String("position", fc.Position),
		slog.Any("error", err),
	)
}

func (e *engineImpl) release(id string) (*api.FlowContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fc, ok := e.held[id]
	if !ok {
		return nil, false
	}
	delete(e.held, id)
	e.heldOrder = slices.DeleteFunc(e.heldOrder, func(s string) bool { return s == id })
	return fc, true
}

func (e *engineImpl) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return api.ErrEngineClosed
	}
	return nil
}

func (e *engineImpl) RegisterDefinition(def *api.FlowDefinition) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.defs.Register(def)
}

func (e *engineImpl) RegisterHandler(taskID string, h api.TaskHandler) error {
	return e.handlers.Register(taskID, h)
}

func (e *engineImpl) Definition(streamID string) (*api.FlowDefinition, error) {
	return e.defs.Lookup(streamID)
}

func (e *engineImpl) Versions(metaID string) []string {
	return e.defs.Versions(metaID)
}

func (e *engineImpl) graph(ctx context.Context, streamID string) (*graph.Graph, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if g, ok := e.cache.Graph(streamID); ok {
		return g, nil
	}
	def, err := e.defs.Lookup(streamID)
	if err != nil {
		return nil, err
	}
	return e.cache.CompileGraph(ctx, def, e.env)
}

func (e *engineImpl) Compile(ctx context.Context, streamID string) (*stream.Publisher[map[string]any], error) {
	g, err := e.graph(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return g.Entry(), nil
}

func (e *engineImpl) Submit(ctx context.Context, streamID string, data map[string]any) (*api.FlowContext, error) {
	g, err := e.graph(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return g.Submit(ctx, data, "")
}

func (e *engineImpl) Feed(ctx context.Context, streamID string, emitter *stream.Publisher[map[string]any], token string) error {
	entry, err := e.Compile(ctx, streamID)
	if err != nil {
		return err
	}
	emitter.Register(stream.ListenerFuncs[map[string]any]{
		Next: func(ctx context.Context, item stream.Item[map[string]any]) {
			if err := entry.EmitToken(ctx, item.Data, item.Token); err != nil {
				e.logger.ErrorContext(ctx, "feed_emit_failed",
					slog.String("stream_id", streamID),
					slog.Any("error", err),
				)
			}
		},
		Error: func(ctx context.Context, err error) {
			e.logger.WarnContext(ctx, "feed_failed",
				slog.String("stream_id", streamID),
				slog.Any("error", err),
			)
		},
	})
	return emitter.Start(ctx, token)
}

func (e *engineImpl) FeedAt(ctx context.Context, streamID, nodeID string, emitter *stream.Publisher[map[string]any], token string) error {
	g, err := e.graph(ctx, streamID)
	if err != nil {
		return err
	}
	if _, ok := g.Node(nodeID); !ok {
		return &api.DefinitionError{StreamID: streamID, NodeID: nodeID, Err: api.ErrTargetNodeNotFound}
	}
	emitter.Register(stream.ListenerFuncs[map[string]any]{
		Next: func(ctx context.Context, item stream.Item[map[string]any]) {
			if _, err := g.SubmitAt(ctx, nodeID, item.Data, item.Token); err != nil {
				e.logger.ErrorContext(ctx, "feed_emit_failed",
					slog.String("stream_id", streamID),
					slog.String("node", nodeID),
					slog.Any("error", err),
				)
			}
		},
		Error: func(ctx context.Context, err error) {
			e.logger.WarnContext(ctx, "feed_failed",
				slog.String("stream_id", streamID),
				slog.String("node", nodeID),
				slog.Any("error", err),
			)
		},
	})
	return emitter.Start(ctx, token)
}

// lockContext serializes operations on one context across engines sharing
// the lock provider.
func (e *engineImpl) lockContext(ctx context.Context, id string) (func(), error) {
	l, err := e.locks.Lock(ctx, "context:"+id)
	if err != nil {
		return nil, err
	}
	return func() { _ = l.Unlock(context.WithoutCancel(ctx)) }, nil
}

func (e *engineImpl) Complete(ctx context.Context, contextID string, data map[string]any, operator string) error {
	unlock, err := e.lockContext(ctx, contextID)
	if err != nil {
		return err
	}
	defer unlock()

	fc, err := e.repo.FindByID(ctx, contextID)
	if err != nil {
		return err
	}
	g, err := e.graph(ctx, fc.StreamID)
	if err != nil {
		return err
	}
	return g.Complete(ctx, fc, data, operator)
}

func (e *engineImpl) Resume(ctx context.Context, contextID string) error {
	unlock, err := e.lockContext(ctx, contextID)
	if err != nil {
		return err
	}
	defer unlock()

	fc, held := e.release(contextID)
	if !held {
		fc, err = e.repo.FindByID(ctx, contextID)
		if err != nil {
			return err
		}
	}
	restore := func() {
		if held {
			e.hold(ctx, fc, errors.New("resume failed"))
		}
	}

	switch fc.Status {
	case api.ContextPending, api.ContextError, api.ContextRecovery:
	default:
		restore()
		return fmt.Errorf("%w: cannot resume context %s in status %s", api.ErrInvalidTransition, contextID, fc.Status)
	}
	if e.isTerminated(fc.TraceID) {
		restore()
		return fmt.Errorf("trace %s: %w", fc.TraceID, api.ErrLineageTerminated)
	}
	g, err := e.graph(ctx, fc.StreamID)
	if err != nil {
		restore()
		return err
	}
	if g.InFlight(fc.ID) {
		restore()
		return fmt.Errorf("%w: context %s is already queued or running at %s", api.ErrInvalidTransition, contextID, fc.Position)
	}

	fc.Status = api.ContextPending
	fc.ErrorInfo = nil
	fc.ErrorMessage = ""
	fc.PassData = map[string]any{}
	fc.UpdatedAt = time.Now()
	if err := e.repo.Save(ctx, fc); err != nil {
		e.hold(ctx, fc, err)
		return err
	}
	return g.Enter(ctx, fc, fc.TraceID)
}

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	queued := 0
	for _, streamID := range e.defs.StreamIDs() {
		list, err := e.repo.List(ctx, api.ContextFilter{StreamID: streamID, Status: api.ContextPending})
		if err != nil {
			return queued, err
		}
		if len(list) == 0 {
			continue
		}
		g, err := e.graph(ctx, streamID)
		if err != nil {
			return queued, err
		}
		for _, fc := range list {
			if e.isTerminated(fc.TraceID) || g.InFlight(fc.ID) {
				continue
			}
			if fc.PassData == nil {
				fc.PassData = map[string]any{}
			}
			if err := g.Enter(ctx, fc, fc.TraceID); err != nil {
				return queued, err
			}
			queued++
		}
		e.logger.InfoContext(ctx, "contexts_recovered",
			slog.String("stream_id", streamID),
			slog.Int("count", len(list)),
		)
	}
	return queued, nil
}

func (e *engineImpl) Terminate(ctx context.Context, traceID string) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.terminated[traceID] = struct{}{}
	e.mu.Unlock()

	list, err := e.repo.FindByTrace(ctx, traceID)
	if err != nil {
		return 0, err
	}
	// A held context may also be stored; the held copy is the newer one.
	index := make(map[string]int, len(list))
	for i, fc := range list {
		index[fc.ID] = i
	}
	for _, id := range e.heldIDs() {
		fc, ok := e.peek(id)
		if !ok || fc.TraceID != traceID {
			continue
		}
		if i, dup := index[id]; dup {
			list[i] = fc
			continue
		}
		list = append(list, fc)
	}

	count := 0
	var errs []error
	for _, fc := range list {
		if fc.Status.Final() {
			continue
		}
		g, err := e.graph(ctx, fc.StreamID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.release(fc.ID)
		if err := g.Terminate(ctx, fc); err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}

func (e *engineImpl) heldIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.heldOrder)
}

func (e *engineImpl) peek(id string) (*api.FlowContext, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fc, ok := e.held[id]
	return fc, ok
}

func (e *engineImpl) FindByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	return e.repo.FindByTrace(ctx, traceID)
}

func (e *engineImpl) FindByID(ctx context.Context, id string) (*api.FlowContext, error) {
	return e.repo.FindByID(ctx, id)
}

func (e *engineImpl) Recovery() []*api.FlowContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*api.FlowContext, 0, len(e.heldOrder))
	for _, id := range e.heldOrder {
		out = append(out, e.held[id].Clone())
	}
	return out
}

func (e *engineImpl) Archived(ctx context.Context, streamID string) (*stream.Publisher[*api.FlowContext], error) {
	g, err := e.graph(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return g.Archive(), nil
}

func (e *engineImpl) Wait(ctx context.Context) error {
	return e.sched.WaitIdle(ctx)
}

func (e *engineImpl) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.sched.Close()
	e.cache.Close(context.Background())
	if e.closer != nil {
		return e.closer.Close()
	}
	return nil
}
