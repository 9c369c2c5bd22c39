// Package config loads engine configuration from YAML, .env files and
// FLUXGRAPH_* environment variables, applies defaults and validates it.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/fluxgraph/internal/persistence"
	"github.com/petrijr/fluxgraph/pkg/api"
	"github.com/petrijr/fluxgraph/pkg/handler"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLUXGRAPH_"

var validate = validator.New()

// Config is the complete engine configuration.
type Config struct {
	Persistence PersistenceConfig `yaml:"persistence"`
	Redis       RedisConfig       `yaml:"redis"`
	Locks       LocksConfig       `yaml:"locks"`
	Messenger   MessengerConfig   `yaml:"messenger"`
	Engine      EngineConfig      `yaml:"engine"`
	Log         LogConfig         `yaml:"log"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Handlers    []HandlerConfig   `yaml:"handlers" validate:"dive"`
}

type PersistenceConfig struct {
	Backend    string `yaml:"backend" default:"memory" validate:"oneof=memory sqlite postgres redis mongo"`
	DSN        string `yaml:"dsn" validate:"required_if=Backend postgres,required_if=Backend mongo"`
	Prefix     string `yaml:"prefix" default:"fluxgraph:"`
	Database   string `yaml:"database" default:"fluxgraph"`
	Collection string `yaml:"collection" default:"flow_contexts"`
}

// RedisConfig is shared by the Redis lock provider and messenger. The Redis
// persistence backend uses Persistence.DSN instead.
type RedisConfig struct {
	Addr     string `yaml:"addr" default:"localhost:6379" validate:"hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

type LocksConfig struct {
	Backend string        `yaml:"backend" default:"local" validate:"oneof=local redis"`
	TTL     time.Duration `yaml:"ttl" default:"30s" validate:"gte=1s"`
}

type MessengerConfig struct {
	Backend string `yaml:"backend" default:"none" validate:"oneof=none memory redis"`
	Channel string `yaml:"channel" default:"fluxgraph:notifications"`
}

type EngineConfig struct {
	Parallelism      int         `yaml:"parallelism" default:"4" validate:"gte=1,lte=1024"`
	MaxPools         int         `yaml:"maxPools" validate:"gte=0"`
	PersistenceRetry RetryConfig `yaml:"persistenceRetry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts" default:"3" validate:"gte=1,lte=100"`
	Backoff     time.Duration `yaml:"backoff" default:"10ms" validate:"gte=0"`
	MaxBackoff  time.Duration `yaml:"maxBackoff" default:"200ms" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"text" validate:"oneof=text json"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName" default:"fluxgraph"`
}

// HandlerConfig binds a task id to a remote HTTP endpoint.
type HandlerConfig struct {
	TaskID             string `yaml:"taskId" validate:"required"`
	URL                string `yaml:"url" validate:"required,url"`
	handler.HTTPConfig `yaml:",inline"`
}

// Load reads path (optional), overlays FLUXGRAPH_* environment variables,
// applies defaults and validates the result. A .env file in the working
// directory is loaded first when present; it never overrides variables that
// are already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Prepare(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated configuration made of defaults only.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Prepare()
	return cfg
}

// Prepare applies defaults to unset fields and validates the configuration.
func (c *Config) Prepare() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("config: apply defaults: %w", err)
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed validation (rule: %s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	str("PERSISTENCE_BACKEND", &c.Persistence.Backend)
	str("PERSISTENCE_DSN", &c.Persistence.DSN)
	str("PERSISTENCE_PREFIX", &c.Persistence.Prefix)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("LOCKS_BACKEND", &c.Locks.Backend)
	str("MESSENGER_BACKEND", &c.Messenger.Backend)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(EnvPrefix + "PARALLELISM"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sPARALLELISM: %w", EnvPrefix, err)
		}
		c.Engine.Parallelism = n
	}
	if v, ok := lookup(EnvPrefix + "TRACING_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %sTRACING_ENABLED: %w", EnvPrefix, err)
		}
		c.Tracing.Enabled = b
	}
	return nil
}

// PersistenceOptions maps the persistence section onto persistence.Options.
func (c *Config) PersistenceOptions() persistence.Options {
	dsn := c.Persistence.DSN
	if dsn == "" && c.Persistence.Backend == string(persistence.BackendRedis) {
		dsn = c.Redis.Addr
	}
	return persistence.Options{
		Backend:    persistence.Backend(c.Persistence.Backend),
		DSN:        dsn,
		Prefix:     c.Persistence.Prefix,
		Database:   c.Persistence.Database,
		Collection: c.Persistence.Collection,
	}
}

// RetryPolicy returns the persistence retry policy.
func (c *Config) RetryPolicy() api.RetryPolicy {
	return api.RetryPolicy{
		MaxAttempts:    c.Engine.PersistenceRetry.MaxAttempts,
		InitialBackoff: c.Engine.PersistenceRetry.Backoff,
		MaxBackoff:     c.Engine.PersistenceRetry.MaxBackoff,
	}
}

// NewLogger returns a slog logger writing to w in the configured format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.Log.Level))
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
