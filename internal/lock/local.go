// Package lock provides api.LockProvider implementations: an in-process
// keyed mutex and a Redis lease for multi-process deployments.
package lock

import (
	"context"
	"sync"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// Local is an in-process LockProvider. Locks on different keys never
// contend; entries are dropped once no goroutine holds or waits for a key.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ api.LockProvider = (*Local)(nil)

// NewLocal returns an empty Local provider.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (api.Lock, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return &localLock{owner: l, key: key, slot: s}, nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Held reports how many keys currently have a holder or waiter.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

type localLock struct {
	owner *Local
	key   string
	slot  *slot
	once  sync.Once
}

func (k *localLock) Unlock(context.Context) error {
	err := api.ErrLockNotHeld
	k.once.Do(func() {
		<-k.slot.ch
		k.owner.release(k.key, k.slot)
		err = nil
	})
	return err
}
