package persistence

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// RedisStore is a ContextRepository backed by Redis.
// It uses a simple key structure:
//
//	<prefix>ctx:<id>              => JSON-encoded context
//	<prefix>idx:all               => SET of all context IDs
//	<prefix>idx:trace:<traceID>   => SET of context IDs for a given trace
//	<prefix>idx:stream:<streamID> => SET of context IDs for a given stream
//
// Trace and stream never change for a context id, so the indexes are exact.
// Status and position filters are applied to the decoded payloads.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "fluxgraph:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fluxgraph:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyContext(id string) string {
	return s.prefix + "ctx:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyTrace(traceID string) string {
	return s.prefix + "idx:trace:" + traceID
}

func (s *RedisStore) keyStream(streamID string) string {
	return s.prefix + "idx:stream:" + streamID
}

func (s *RedisStore) Save(ctx context.Context, fc *api.FlowContext) error {
	fc.UpdatedAt = nowIfZero(fc.UpdatedAt)
	data, err := Encode(fc)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyContext(fc.ID), data, 0)
	pipe.SAdd(ctx, s.keyAll(), fc.ID)
	pipe.SAdd(ctx, s.keyTrace(fc.TraceID), fc.ID)
	pipe.SAdd(ctx, s.keyStream(fc.StreamID), fc.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (*api.FlowContext, error) {
	data, err := s.client.Get(ctx, s.keyContext(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrContextNotFound
		}
		return nil, err
	}
	return Decode(data)
}

func (s *RedisStore) FindByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	return s.List(ctx, api.ContextFilter{TraceID: traceID})
}

func (s *RedisStore) List(ctx context.Context, filter api.ContextFilter) ([]*api.FlowContext, error) {
	var (
		ids []string
		err error
	)
	switch {
	case filter.TraceID != "" && filter.StreamID != "":
		ids, err = s.client.SInter(ctx, s.keyTrace(filter.TraceID), s.keyStream(filter.StreamID)).Result()
	case filter.TraceID != "":
		ids, err = s.client.SMembers(ctx, s.keyTrace(filter.TraceID)).Result()
	case filter.StreamID != "":
		ids, err = s.client.SMembers(ctx, s.keyStream(filter.StreamID)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.FlowContext{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.FlowContext{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyContext(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	result := make([]*api.FlowContext, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		fc, err := Decode(data)
		if err != nil {
			return nil, err
		}
		if filter.Match(fc) {
			result = append(result, fc)
		}
	}
	sortContexts(result)
	return result, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	fc, err := s.FindByID(ctx, id)
	if errors.Is(err, api.ErrContextNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyContext(id))
	pipe.SRem(ctx, s.keyAll(), id)
	pipe.SRem(ctx, s.keyTrace(fc.TraceID), id)
	pipe.SRem(ctx, s.keyStream(fc.StreamID), id)
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
