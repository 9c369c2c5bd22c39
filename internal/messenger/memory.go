// Package messenger provides api.Messenger implementations: an in-process
// fan-out and Redis pub/sub.
package messenger

import (
	"context"
	"sync"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// InMemory delivers notifications to in-process subscribers. Slow
// subscribers lose notifications rather than block the engine.
type InMemory struct {
	mu     sync.RWMutex
	subs   map[int]chan api.Notification
	nextID int
	buffer int
}

var _ api.Messenger = (*InMemory)(nil)

// NewInMemory returns a messenger whose subscriptions buffer up to buffer
// notifications each (64 when buffer <= 0).
func NewInMemory(buffer int) *InMemory {
	if buffer <= 0 {
		buffer = 64
	}
	return &InMemory{subs: make(map[int]chan api.Notification), buffer: buffer}
}

func (m *InMemory) Notify(ctx context.Context, contextID string, kind api.EventKind) error {
	n := api.Notification{ContextID: contextID, Kind: kind}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of notifications and a function that ends the
// subscription and closes the channel.
func (m *InMemory) Subscribe() (<-chan api.Notification, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan api.Notification, m.buffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}
