package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// definitionRegistry holds flow definitions by meta id and version.
type definitionRegistry struct {
	mu       sync.RWMutex
	byMeta   map[string]map[string]*api.FlowDefinition
	byStream map[string]*api.FlowDefinition
}

func newDefinitionRegistry() *definitionRegistry {
	return &definitionRegistry{
		byMeta:   make(map[string]map[string]*api.FlowDefinition),
		byStream: make(map[string]*api.FlowDefinition),
	}
}

func (r *definitionRegistry) Register(def *api.FlowDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", api.ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	streamID := def.StreamID()
	if _, exists := r.byStream[streamID]; exists {
		return fmt.Errorf("flow %q version %q already registered", def.MetaID, def.Version)
	}

	versions := r.byMeta[def.MetaID]
	if versions == nil {
		versions = make(map[string]*api.FlowDefinition)
		r.byMeta[def.MetaID] = versions
	}
	versions[def.Version] = def
	r.byStream[streamID] = def
	return nil
}

func (r *definitionRegistry) Lookup(streamID string) (*api.FlowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byStream[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: stream %q", api.ErrDefinitionNotFound, streamID)
	}
	return def, nil
}

func (r *definitionRegistry) Versions(metaID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byMeta[metaID]
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (r *definitionRegistry) StreamIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byStream))
	for id := range r.byStream {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// handlerRegistry maps task ids to handlers.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]api.TaskHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[string]api.TaskHandler)}
}

func (r *handlerRegistry) Register(taskID string, h api.TaskHandler) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	if h == nil {
		return fmt.Errorf("task %q: nil handler", taskID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskID]; exists {
		return fmt.Errorf("task %q already has a handler", taskID)
	}
	r.handlers[taskID] = h
	return nil
}

func (r *handlerRegistry) Handler(taskID string) (api.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskID]
	return h, ok
}
