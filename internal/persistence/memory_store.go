package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// InMemoryStore is a goroutine-safe ContextRepository backed by maps.
//
// Contexts are kept in their encoded form, so a read returns an independent
// copy exactly as it would come back from a durable backend.
type InMemoryStore struct {
	mu       sync.RWMutex
	contexts map[string][]byte
	byTrace  map[string]map[string]struct{}
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contexts: make(map[string][]byte),
		byTrace:  make(map[string]map[string]struct{}),
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) Save(ctx context.Context, fc *api.FlowContext) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(fc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.contexts[fc.ID] = data
	ids, ok := s.byTrace[fc.TraceID]
	if !ok {
		ids = make(map[string]struct{})
		s.byTrace[fc.TraceID] = ids
	}
	ids[fc.ID] = struct{}{}
	return nil
}

func (s *InMemoryStore) FindByID(ctx context.Context, id string) (*api.FlowContext, error) {
	s.mu.RLock()
	data, ok := s.contexts[id]
	s.mu.RUnlock()

	if !ok {
		return nil, api.ErrContextNotFound
	}
	return Decode(data)
}

func (s *InMemoryStore) FindByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowContext
	for id := range s.byTrace[traceID] {
		fc, err := Decode(s.contexts[id])
		if err != nil {
			return nil, err
		}
		result = append(result, fc)
	}
	sortContexts(result)
	return result, nil
}

func (s *InMemoryStore) List(ctx context.Context, filter api.ContextFilter) ([]*api.FlowContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.FlowContext
	for _, data := range s.contexts {
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

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.contexts[id]
	if !ok {
		return nil
	}
	delete(s.contexts, id)
	if fc, err := Decode(data); err == nil {
		delete(s.byTrace[fc.TraceID], id)
		if len(s.byTrace[fc.TraceID]) == 0 {
			delete(s.byTrace, fc.TraceID)
		}
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
