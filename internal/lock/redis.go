package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/fluxgraph/pkg/api"
)

var (
	// Acquires the lease when free. Returns 1 if acquired, 0 otherwise.
	leaseAcquire = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Extends a lease held by owner. Returns 1 if renewed, 0 otherwise.
	leaseRenew = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

if redis.call('GET', key) == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Releases a lease held by owner. Returns 1 if released, 0 otherwise.
	leaseRelease = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

if redis.call('GET', key) == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`)
)

// RedisOptions tunes a Redis lease provider.
type RedisOptions struct {
	// Prefix namespaces lock keys. Defaults to "fluxgraph:lock:".
	Prefix string
	// TTL bounds how long a crashed holder blocks others. Defaults to 30s.
	TTL time.Duration
	// RetryInterval is the pause between acquisition attempts. Defaults to 25ms.
	RetryInterval time.Duration
}

// Redis is a distributed LockProvider built on expiring Redis keys. A held
// lock is renewed in the background at a third of its TTL until Unlock.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
}

var _ api.LockProvider = (*Redis)(nil)

// NewRedis returns a Redis lease provider.
func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "fluxgraph:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 25 * time.Millisecond
	}
	return &Redis{client: client, opts: opts}
}

// Lock spins until the lease is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (api.Lock, error) {
	owner := uuid.NewString()
	fullKey := r.opts.Prefix + key

	for {
		ok, err := leaseAcquire.Run(ctx, r.client, []string{fullKey}, owner, r.opts.TTL.Milliseconds()).Int()
		if err != nil {
			return nil, err
		}
		if ok == 1 {
			return r.held(fullKey, owner), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.opts.RetryInterval):
		}
	}
}

func (r *Redis) held(key, owner string) *redisLock {
	renewCtx, cancel := context.WithCancel(context.Background())
	l := &redisLock{provider: r, key: key, owner: owner, stop: cancel, done: make(chan struct{})}
	go l.keepAlive(renewCtx)
	return l
}

type redisLock struct {
	provider *Redis
	key      string
	owner    string

	stop context.CancelFunc
	done chan struct{}
	once sync.Once
}

func (l *redisLock) keepAlive(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.provider.opts.TTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := leaseRenew.Run(ctx, l.provider.client, []string{l.key}, l.owner, l.provider.opts.TTL.Milliseconds()).Int()
			if err != nil || ok != 1 {
				return
			}
		}
	}
}

func (l *redisLock) Unlock(ctx context.Context) error {
	err := api.ErrLockNotHeld
	l.once.Do(func() {
		l.stop()
		<-l.done

		var released int
		released, err = leaseRelease.Run(ctx, l.provider.client, []string{l.key}, l.owner).Int()
		if err != nil {
			return
		}
		if released != 1 {
			err = api.ErrLockNotHeld
		}
	})
	if errors.Is(err, redis.Nil) {
		return api.ErrLockNotHeld
	}
	return err
}
