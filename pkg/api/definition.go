package api

import (
	"errors"
	"fmt"
	"sort"
)

// NodeKind is the tagged-union discriminator for flow nodes.
type NodeKind string

const (
	KindStart     NodeKind = "START"
	KindEnd       NodeKind = "END"
	KindState     NodeKind = "STATE"
	KindManual    NodeKind = "MANUAL"
	KindCondition NodeKind = "CONDITION"
	KindParallel  NodeKind = "PARALLEL"
)

// Valid reports whether k is one of the six node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindStart, KindEnd, KindState, KindManual, KindCondition, KindParallel:
		return true
	default:
		return false
	}
}

// DefinitionStatus is the publish state of a flow definition.
type DefinitionStatus string

const (
	DefinitionDraft     DefinitionStatus = "DRAFT"
	DefinitionPublished DefinitionStatus = "PUBLISHED"
	DefinitionRetired   DefinitionStatus = "RETIRED"
)

// PropertyEnableOutputScope is the definition property that turns on
// output scoping for contexts reaching the end node.
const PropertyEnableOutputScope = "enableOutputScope"

// FlowEvent is a directed, optionally guarded edge between two nodes.
type FlowEvent struct {
	MetaID        string `json:"metaId" yaml:"metaId"`
	From          string `json:"from" yaml:"from"`
	To            string `json:"to" yaml:"to"`
	ConditionRule string `json:"conditionRule,omitempty" yaml:"conditionRule,omitempty"`
	ManualTask    bool   `json:"manualTask,omitempty" yaml:"manualTask,omitempty"`

	// OnError marks an error-branch edge. Error edges only fire for
	// contexts carrying error info; regular edges never do.
	OnError bool `json:"onError,omitempty" yaml:"onError,omitempty"`
}

// Guarded reports whether the event carries a condition rule.
func (e *FlowEvent) Guarded() bool {
	return e.ConditionRule != ""
}

// FlowNode is one execution unit of a flow definition.
type FlowNode struct {
	MetaID string       `json:"metaId" yaml:"metaId"`
	Name   string       `json:"name,omitempty" yaml:"name,omitempty"`
	Kind   NodeKind     `json:"kind" yaml:"kind"`
	Events []*FlowEvent `json:"events,omitempty" yaml:"events,omitempty"`

	// TaskID names the handler an auto-state node runs.
	TaskID string `json:"taskId,omitempty" yaml:"taskId,omitempty"`

	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// DisplayName returns Name, falling back to MetaID.
func (n *FlowNode) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.MetaID
}

// FlowDefinition is the immutable, versioned topology of a flow.
type FlowDefinition struct {
	ID         string               `json:"id" yaml:"id"`
	MetaID     string               `json:"metaId" yaml:"metaId"`
	Version    string               `json:"version" yaml:"version"`
	Status     DefinitionStatus     `json:"status,omitempty" yaml:"status,omitempty"`
	Nodes      map[string]*FlowNode `json:"nodes" yaml:"nodes"`
	Properties map[string]any       `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// StreamID is the memoization and lock key of a compiled graph.
func (d *FlowDefinition) StreamID() string {
	return d.MetaID + d.Version
}

// EnableOutputScope reports whether the enableOutputScope property is set.
func (d *FlowDefinition) EnableOutputScope() bool {
	v, ok := d.Properties[PropertyEnableOutputScope]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Node returns the node with the given meta id.
func (d *FlowDefinition) Node(id string) (*FlowNode, bool) {
	n, ok := d.Nodes[id]
	return n, ok
}

// StartNode returns the unique START node.
func (d *FlowDefinition) StartNode() (*FlowNode, error) {
	return d.uniqueOfKind(KindStart, ErrNoStartNode)
}

// EndNode returns the unique END node.
func (d *FlowDefinition) EndNode() (*FlowNode, error) {
	return d.uniqueOfKind(KindEnd, ErrEntityNotFound)
}

func (d *FlowDefinition) uniqueOfKind(kind NodeKind, missing error) (*FlowNode, error) {
	var found *FlowNode
	for _, id := range d.NodeIDs() {
		n := d.Nodes[id]
		if n.Kind != kind {
			continue
		}
		if found != nil {
			return nil, &DefinitionError{
				StreamID: d.StreamID(),
				NodeID:   n.MetaID,
				Err:      fmt.Errorf("%w: more than one %s node", ErrInvalidDefinition, kind),
			}
		}
		found = n
	}
	if found == nil {
		return nil, &DefinitionError{StreamID: d.StreamID(), Err: missing}
	}
	return found, nil
}

// NodeIDs returns node meta ids in a stable order.
func (d *FlowDefinition) NodeIDs() []string {
	ids := make([]string, 0, len(d.Nodes))
	for id := range d.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the structural invariants of the definition and returns
// every violation joined into one error.
func (d *FlowDefinition) Validate() error {
	var errs []error
	wrap := func(nodeID string, err error) {
		errs = append(errs, &DefinitionError{StreamID: d.StreamID(), NodeID: nodeID, Err: err})
	}

	if d.MetaID == "" {
		wrap("", fmt.Errorf("%w: meta id is required", ErrInvalidDefinition))
	}
	if len(d.Nodes) == 0 {
		wrap("", fmt.Errorf("%w: definition has no nodes", ErrInvalidDefinition))
	}

	starts, ends := 0, 0
	for _, id := range d.NodeIDs() {
		n := d.Nodes[id]
		if n == nil {
			wrap(id, fmt.Errorf("%w: nil node", ErrInvalidDefinition))
			continue
		}
		if n.MetaID != id {
			wrap(id, fmt.Errorf("%w: node key %q does not match meta id %q", ErrInvalidDefinition, id, n.MetaID))
		}
		if !n.Kind.Valid() {
			wrap(id, fmt.Errorf("%w: unknown node kind %q", ErrInvalidDefinition, n.Kind))
		}
		switch n.Kind {
		case KindStart:
			starts++
		case KindEnd:
			ends++
			if len(n.Events) > 0 {
				wrap(id, fmt.Errorf("%w: end node must not be an event source", ErrInvalidDefinition))
			}
		}
		for _, ev := range n.Events {
			target, ok := d.Nodes[ev.To]
			if !ok {
				wrap(id, fmt.Errorf("%w: event %q targets %q", ErrTargetNodeNotFound, ev.MetaID, ev.To))
				continue
			}
			if target.Kind == KindStart {
				wrap(id, fmt.Errorf("%w: start node must not be an event target (event %q)", ErrInvalidDefinition, ev.MetaID))
			}
		}
	}

	if starts == 0 {
		wrap("", ErrNoStartNode)
	} else if starts > 1 {
		wrap("", fmt.Errorf("%w: %d start nodes", ErrInvalidDefinition, starts))
	}
	if ends == 0 {
		wrap("", ErrEntityNotFound)
	} else if ends > 1 {
		wrap("", fmt.Errorf("%w: %d end nodes", ErrInvalidDefinition, ends))
	}

	if len(errs) == 0 {
		start, _ := d.StartNode()
		reached := d.reachableFrom(start.MetaID)
		for _, id := range d.NodeIDs() {
			if !reached[id] {
				wrap(id, fmt.Errorf("%w: node is not reachable from start", ErrInvalidDefinition))
			}
		}
	}

	return errors.Join(errs...)
}

func (d *FlowDefinition) reachableFrom(id string) map[string]bool {
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, ev := range d.Nodes[cur].Events {
			if !seen[ev.To] {
				seen[ev.To] = true
				queue = append(queue, ev.To)
			}
		}
	}
	return seen
}
