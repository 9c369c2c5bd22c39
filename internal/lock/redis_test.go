package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/fluxgraph/internal/testutil"
	"github.com/petrijr/fluxgraph/pkg/api"
)

type RedisLockTestSuite struct {
	suite.Suite
	client *redis.Client
	locks  *Redis
}

func TestRedisLockSuite(t *testing.T) {
	addr := testutil.GetRedisAddress(t)
	suite.Run(t, &RedisLockTestSuite{client: redis.NewClient(&redis.Options{Addr: addr})})
}

func (s *RedisLockTestSuite) SetupSuite() {
	s.Require().NoError(s.client.Ping(context.Background()).Err())
	s.locks = NewRedis(s.client, RedisOptions{
		Prefix:        "fluxgraph:test:lock:",
		TTL:           300 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
	})
}

func (s *RedisLockTestSuite) TearDownSuite() {
	_ = s.client.Close()
}

func (s *RedisLockTestSuite) TestExclusiveUntilUnlock() {
	ctx := context.Background()
	first, err := s.locks.Lock(ctx, "window:s:n")
	s.Require().NoError(err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s.locks.Lock(waitCtx, "window:s:n")
	s.ErrorIs(err, context.DeadlineExceeded)

	s.Require().NoError(first.Unlock(ctx))

	second, err := s.locks.Lock(ctx, "window:s:n")
	s.Require().NoError(err)
	s.NoError(second.Unlock(ctx))
}

func (s *RedisLockTestSuite) TestHeldLockOutlivesTTL() {
	ctx := context.Background()
	held, err := s.locks.Lock(ctx, "renewed")
	s.Require().NoError(err)

	time.Sleep(700 * time.Millisecond)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = s.locks.Lock(waitCtx, "renewed")
	s.ErrorIs(err, context.DeadlineExceeded)

	s.NoError(held.Unlock(ctx))
}

func (s *RedisLockTestSuite) TestDoubleUnlock() {
	ctx := context.Background()
	l, err := s.locks.Lock(ctx, "double")
	s.Require().NoError(err)

	s.NoError(l.Unlock(ctx))
	s.ErrorIs(l.Unlock(ctx), api.ErrLockNotHeld)
}
