package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/petrijr/fluxgraph/internal/config"
	"github.com/petrijr/fluxgraph/internal/lock"
	"github.com/petrijr/fluxgraph/internal/messenger"
	"github.com/petrijr/fluxgraph/internal/persistence"
	"github.com/petrijr/fluxgraph/internal/tracing"
	"github.com/petrijr/fluxgraph/pkg/api"
	"github.com/petrijr/fluxgraph/pkg/handler"
)

// OpenOptions supplements a loaded configuration with values that cannot be
// expressed in YAML.
type OpenOptions struct {
	// Logger overrides the logger built from the log section.
	Logger *slog.Logger
	// Observers are notified in addition to the logging and tracing
	// observers.
	Observers []api.Observer
	// Messenger overrides the messenger section.
	Messenger api.Messenger
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds an engine from cfg: it connects the persistence backend,
// the lock provider and messenger, installs the logging and tracing
// observers and registers the configured HTTP handlers.
func Open(ctx context.Context, cfg *config.Config, opts OpenOptions) (api.Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = cfg.NewLogger(os.Stderr)
	}

	store, err := persistence.Open(ctx, cfg.PersistenceOptions())
	if err != nil {
		return nil, fmt.Errorf("open %s persistence: %w", cfg.Persistence.Backend, err)
	}
	owned := closers{store}
	fail := func(err error) (api.Engine, error) {
		_ = owned.Close()
		return nil, err
	}

	var client *redis.Client
	redisClient := func() (*redis.Client, error) {
		if client != nil {
			return client, nil
		}
		c := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := c.Ping(ctx).Err(); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		client = c
		owned = append(owned, c)
		return c, nil
	}

	var locks api.LockProvider
	switch cfg.Locks.Backend {
	case "redis":
		c, err := redisClient()
		if err != nil {
			return fail(err)
		}
		locks = lock.NewRedis(c, lock.RedisOptions{TTL: cfg.Locks.TTL})
	default:
		locks = lock.NewLocal()
	}

	msgr := opts.Messenger
	if msgr == nil {
		switch cfg.Messenger.Backend {
		case "redis":
			c, err := redisClient()
			if err != nil {
				return fail(err)
			}
			msgr = messenger.NewRedis(c, cfg.Messenger.Channel)
		case "memory":
			msgr = messenger.NewInMemory(0)
		}
	}

	observers := []api.Observer{api.NewLoggingObserver(logger)}
	if cfg.Tracing.Enabled {
		observers = append(observers, tracing.NewObserver(otel.GetTracerProvider()))
	}
	observers = append(observers, opts.Observers...)

	e, err := newEngine(Config{
		Repository:       store,
		Closer:           owned,
		Messenger:        msgr,
		Locks:            locks,
		Observer:         api.NewCompositeObserver(observers...),
		Logger:           logger,
		Parallelism:      cfg.Engine.Parallelism,
		MaxPools:         cfg.Engine.MaxPools,
		PersistenceRetry: cfg.RetryPolicy(),
	})
	if err != nil {
		return fail(err)
	}

	for _, h := range cfg.Handlers {
		if err := e.RegisterHandler(h.TaskID, handler.NewHTTP(h.URL, h.HTTPConfig)); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	return e, nil
}
