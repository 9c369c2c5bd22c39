// Package persistence provides ContextRepository implementations: in-memory,
// SQLite, PostgreSQL, Redis and MongoDB. Every backend stores the same JSON
// shape produced by Encode.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"
)

// Backend names a repository implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
	BackendMongo    Backend = "mongo"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend Backend
	// DSN is a file path or ":memory:" for SQLite, a connection URL for
	// PostgreSQL and MongoDB, and host:port for Redis.
	DSN string
	// Prefix namespaces Redis keys.
	Prefix string
	// Database and Collection apply to MongoDB.
	Database   string
	Collection string
}

// Open connects to the configured backend and returns a ready Store.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch Backend(strings.ToLower(string(opts.Backend))) {
	case BackendMemory, "":
		return NewInMemoryStore(), nil

	case BackendSQLite:
		dsn := opts.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// A single connection keeps ":memory:" databases shared.
		db.SetMaxOpenConns(1)
		store, err := NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return store, nil

	case BackendPostgres:
		db, err := sql.Open("pgx", opts.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		store, err := NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return store, nil

	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: opts.DSN})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return NewRedisStore(client, opts.Prefix), nil

	case BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.DSN))
		if err != nil {
			return nil, err
		}
		return NewMongoStore(client, opts.Database, opts.Collection), nil

	default:
		return nil, fmt.Errorf("persistence: unknown backend %q", opts.Backend)
	}
}
