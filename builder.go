package fluxgraph

import (
	"fmt"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// FlowBuilder provides a fluent API for defining flows:
//
//	flow := fluxgraph.New("order", "1").
//	    Start("start").To("enrich").
//	    State("enrich", "enrich").To("check").
//	    Condition("check").When("amount > 100", "review").To("end").
//	    Manual("review").To("end").
//	    End("end")
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
// Edge methods (To, When, OnError) and node options apply to the node added
// last.
type FlowBuilder struct {
	def     *api.FlowDefinition
	current *api.FlowNode
}

// New creates a builder for the given flow meta id and version.
func New(metaID, version string) *FlowBuilder {
	return &FlowBuilder{
		def: &api.FlowDefinition{
			MetaID:  metaID,
			Version: version,
			Nodes:   make(map[string]*api.FlowNode),
		},
	}
}

// StreamID returns the stream identifier the flow registers under.
func (b *FlowBuilder) StreamID() string {
	return b.def.StreamID()
}

func (b *FlowBuilder) node(id string, kind api.NodeKind) *FlowBuilder {
	if id == "" {
		panic("fluxgraph: node id must not be empty")
	}
	if _, dup := b.def.Nodes[id]; dup {
		panic(fmt.Sprintf("fluxgraph: node %q added twice", id))
	}
	n := &api.FlowNode{MetaID: id, Kind: kind}
	b.def.Nodes[id] = n
	b.current = n
	return b
}

func (b *FlowBuilder) cursor(method string) *api.FlowNode {
	if b.current == nil {
		panic(fmt.Sprintf("fluxgraph: %s called before any node", method))
	}
	return b.current
}

// Start adds the start node.
func (b *FlowBuilder) Start(id string) *FlowBuilder { return b.node(id, api.KindStart) }

// End adds the end node.
func (b *FlowBuilder) End(id string) *FlowBuilder { return b.node(id, api.KindEnd) }

// State adds an auto-state node running the handler registered for taskID.
// An empty taskID passes contexts through.
func (b *FlowBuilder) State(id, taskID string) *FlowBuilder {
	b.node(id, api.KindState)
	b.current.TaskID = taskID
	return b
}

// Manual adds a manual-state node.
func (b *FlowBuilder) Manual(id string) *FlowBuilder { return b.node(id, api.KindManual) }

// Condition adds a condition node. Its edges are tried in the order they
// are added; an edge added with To matches every context.
func (b *FlowBuilder) Condition(id string) *FlowBuilder { return b.node(id, api.KindCondition) }

// Parallel adds a parallel node that forwards along every edge.
func (b *FlowBuilder) Parallel(id string) *FlowBuilder { return b.node(id, api.KindParallel) }

func (b *FlowBuilder) edge(method, target, rule string, onError bool) *FlowBuilder {
	n := b.cursor(method)
	n.Events = append(n.Events, &api.FlowEvent{
		MetaID:        fmt.Sprintf("%s->%s#%d", n.MetaID, target, len(n.Events)),
		From:          n.MetaID,
		To:            target,
		ConditionRule: rule,
		OnError:       onError,
	})
	return b
}

// To adds unguarded edges from the current node.
func (b *FlowBuilder) To(targets ...string) *FlowBuilder {
	for _, t := range targets {
		b.edge("To", t, "", false)
	}
	return b
}

// When adds an edge guarded by rule from the current node.
func (b *FlowBuilder) When(rule, target string) *FlowBuilder {
	return b.edge("When", target, rule, false)
}

// OnError adds an error-branch edge from the current node.
func (b *FlowBuilder) OnError(target string) *FlowBuilder {
	return b.edge("OnError", target, "", true)
}

// Name sets the display name of the current node.
func (b *FlowBuilder) Name(name string) *FlowBuilder {
	b.cursor("Name").Name = name
	return b
}

// Set stores a property on the current node.
func (b *FlowBuilder) Set(key string, value any) *FlowBuilder {
	n := b.cursor("Set")
	if n.Properties == nil {
		n.Properties = make(map[string]any)
	}
	n.Properties[key] = value
	return b
}

// Batch closes windows of the current auto-state node after size contexts,
// or after flushAfter when it is positive.
func (b *FlowBuilder) Batch(size int, flushAfter time.Duration) *FlowBuilder {
	b.Set("batchSize", size)
	if flushAfter > 0 {
		b.Set("flushAfter", flushAfter.String())
	}
	return b
}

// Workers sets the worker pool size of the current node.
func (b *FlowBuilder) Workers(n int) *FlowBuilder {
	return b.Set("parallelism", n)
}

// WithRetry sets the handler retry policy of the current node.
func (b *FlowBuilder) WithRetry(r RetryBuilder) *FlowBuilder {
	return b.Set("retry", r.properties())
}

// Outputs restricts the business data archived at the end node to keys
// and turns output scoping on for the flow.
func (b *FlowBuilder) Outputs(keys ...string) *FlowBuilder {
	n := b.cursor("Outputs")
	if n.Kind != api.KindEnd {
		panic(fmt.Sprintf("fluxgraph: Outputs on %s node %q", n.Kind, n.MetaID))
	}
	b.Set("outputs", keys)
	return b.Property(api.PropertyEnableOutputScope, true)
}

// Property stores a flow-level property.
func (b *FlowBuilder) Property(key string, value any) *FlowBuilder {
	if b.def.Properties == nil {
		b.def.Properties = make(map[string]any)
	}
	b.def.Properties[key] = value
	return b
}

// Build validates and returns the definition.
func (b *FlowBuilder) Build() (*FlowDefinition, error) {
	if b.def.ID == "" {
		b.def.ID = b.def.StreamID()
	}
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	return b.def, nil
}

// Register registers the built flow with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return eng.RegisterDefinition(def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
