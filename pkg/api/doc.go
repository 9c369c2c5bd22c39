// Package api contains the core building blocks of the fluxgraph workflow
// engine: the flow definition model, the flow context that carries business
// data through a graph, the collaborator contracts and the error taxonomy.
//
// Most users interact with the higher-level fluxgraph package, which
// re-exports selected types from this package. The api package is intended
// for custom integrations, such as a repository or lock provider of your own.
//
// # Definitions
//
// A FlowDefinition is an immutable set of FlowNodes keyed by meta id. Nodes
// are connected by FlowEvents, directed edges that may carry a condition
// rule. Every definition has exactly one START and one END node. The
// concatenation of meta id and version is the stream identifier, which keys
// the compiled graph.
//
// Six node kinds exist:
//
//   - START: turns submitted data into a root context.
//   - END: archives arriving contexts.
//   - STATE: runs a TaskHandler over a batching window of contexts.
//   - MANUAL: parks contexts until they are completed from outside.
//   - CONDITION: forwards along the first event whose rule holds.
//   - PARALLEL: forwards along every event.
//
// # Contexts
//
// A FlowContext is one data token. Every traversed edge derives a new
// context that inherits the trace id of its root, so FindByTrace returns the
// whole lineage. PassData is an execution-only scratch space and is never
// persisted.
//
// # Errors
//
// Definition problems surface as *DefinitionError wrapping ErrNoStartNode,
// ErrTargetNodeNotFound, ErrEntityNotFound or ErrInvalidDefinition. Rule
// failures are *GrammarError, *PathError or *TypeError; task failures are
// *ExecutionError. The latter two are recorded on the context as ErrorInfo.
//
// # Observability
//
// Observer receives graph and context lifecycle callbacks. LoggingObserver
// writes them through log/slog, BasicMetrics counts them and
// NewCompositeObserver combines several observers.
package api
