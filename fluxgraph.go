package fluxgraph

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/fluxgraph/internal/config"
	"github.com/petrijr/fluxgraph/internal/definition"
	"github.com/petrijr/fluxgraph/internal/engine"
	"github.com/petrijr/fluxgraph/pkg/api"
	"github.com/petrijr/fluxgraph/pkg/stream"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	FlowDefinition       = api.FlowDefinition
	FlowNode             = api.FlowNode
	FlowEvent            = api.FlowEvent
	FlowContext          = api.FlowContext
	NodeKind             = api.NodeKind
	ContextStatus        = api.ContextStatus
	TaskHandler          = api.TaskHandler
	HandlerFunc          = api.HandlerFunc
	RetryPolicy          = api.RetryPolicy
	ExecutionError       = api.ExecutionError
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver

	// Emitter is the publisher external producers feed a graph with.
	Emitter = stream.Publisher[map[string]any]

	// Config is the file and environment driven engine configuration.
	Config      = config.Config
	OpenOptions = engine.OpenOptions
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

const (
	KindStart     = api.KindStart
	KindEnd       = api.KindEnd
	KindState     = api.KindState
	KindManual    = api.KindManual
	KindCondition = api.KindCondition
	KindParallel  = api.KindParallel
)

const (
	ContextPending    = api.ContextPending
	ContextWaiting    = api.ContextWaiting
	ContextForwarded  = api.ContextForwarded
	ContextArchived   = api.ContextArchived
	ContextUnmatched  = api.ContextUnmatched
	ContextError      = api.ContextError
	ContextTerminated = api.ContextTerminated
	ContextRecovery   = api.ContextRecovery
)

// NewBoundedEmitter returns an emitter that buffers at most capacity items
// until it is fed to an engine, then completes.
func NewBoundedEmitter(capacity int) *Emitter {
	return stream.NewBoundedEmitter[map[string]any](capacity)
}

// NewStreamEmitter returns an emitter that stays open after it is fed until
// Complete or Fail is called.
func NewStreamEmitter() *Emitter {
	return stream.NewStreamEmitter[map[string]any]()
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine whose contexts live in process memory.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewSQLiteEngine returns an Engine that persists contexts in SQLite.
// Definitions and compiled graphs are kept in memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewPostgresEngine returns an Engine that persists contexts in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewRedisEngine returns an Engine that uses Redis for persistence, locks
// and notifications, so several processes can share one set of graphs.
func NewRedisEngine(client *redis.Client) (Engine, error) {
	return engine.NewRedisEngine(client)
}

// NewMongoEngine returns an Engine that persists contexts in MongoDB.
func NewMongoEngine(client *mongo.Client, dbName string) (Engine, error) {
	return engine.NewMongoEngine(client, dbName)
}

// LoadConfig reads a YAML configuration file (path may be empty) and
// applies FLUXGRAPH_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Open builds an Engine from cfg. The engine owns every connection it
// opens and releases them on Close.
func Open(ctx context.Context, cfg *Config, opts OpenOptions) (Engine, error) {
	return engine.Open(ctx, cfg, opts)
}

// LoadDefinition reads a flow definition from a YAML or JSON file.
func LoadDefinition(path string) (*FlowDefinition, error) {
	return definition.LoadFile(path)
}

// LoadDefinitions reads every definition file in dir.
func LoadDefinitions(dir string) ([]*FlowDefinition, error) {
	return definition.LoadDir(dir)
}

// RegisterDir loads every definition in dir and registers it on eng.
// It returns the stream ids that were registered.
func RegisterDir(eng Engine, dir string) ([]string, error) {
	defs, err := definition.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(defs))
	for _, def := range defs {
		if err := eng.RegisterDefinition(def); err != nil {
			return ids, err
		}
		ids = append(ids, def.StreamID())
	}
	return ids, nil
}

// Convenience helpers that just forward to the underlying Engine.

// Complete finishes a context waiting at a manual-state node.
func Complete(ctx context.Context, eng Engine, contextID string, data map[string]any, operator string) error {
	return eng.Complete(ctx, contextID, data, operator)
}

// Resume re-enters a pending, errored or recovery context.
func Resume(ctx context.Context, eng Engine, contextID string) error {
	return eng.Resume(ctx, contextID)
}

// Recover delegates to eng.Recover.
//
// It is typically called on process startup before submitting new work:
//
//	count, err := fluxgraph.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}
