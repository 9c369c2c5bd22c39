// Package fluxgraph provides an embeddable, graph-based workflow engine for
// Go.
//
// A flow is a versioned graph of nodes connected by directed, optionally
// guarded edges. Data enters at the start node, travels from node to node as
// flow contexts and is archived at the end node. Every hop is persisted
// before the next one starts, so a crashed process can pick up where it
// stopped.
//
// # Core Concepts
//
//  1. Engine
//  2. FlowBuilder (or YAML definitions)
//  3. TaskHandler
//  4. Emitter
//  5. LocalRunner
//
// # Engine
//
// The Engine stores flow definitions, compiles each one into a graph on
// first use and runs every node on its own worker pool. It provides APIs to:
//   - submit data, or feed an emitter, into a graph
//   - complete contexts waiting at manual-state nodes
//   - resume errored contexts and recover stranded ones after a restart
//   - terminate a whole lineage by trace id
//   - read contexts by id or trace
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis (also provides distributed locks and notifications)
//   - MongoDB
//
// Open builds an engine from a Config, usually loaded with LoadConfig from a
// YAML file and FLUXGRAPH_* environment variables.
//
// # Nodes
//
// Six node kinds exist. START and PARALLEL forward a context along every
// edge. CONDITION forwards along the first edge whose rule holds; rules are
// expressions over the context's business data, such as "amount > 100".
// STATE runs the TaskHandler registered for its task id over a batching
// window of contexts. MANUAL parks contexts until Complete is called. END
// archives them.
//
// A failing handler is retried according to the node's retry policy. If it
// still fails, the context follows the node's error edges when there are
// any, and halts in ERROR otherwise.
//
// # FlowBuilder
//
//	flow := fluxgraph.New("order", "1").
//	    Start("start").To("enrich").
//	    State("enrich", "enrich").WithRetry(fluxgraph.Retry(3)).To("check").
//	    Condition("check").When("amount > 100", "review").To("end").
//	    Manual("review").To("end").
//	    End("end")
//
//	flow.MustRegister(engine)
//
// The same graph can be written as YAML and loaded with LoadDefinition.
//
// # Observability
//
// Observers receive graph and context lifecycle callbacks. LoggingObserver
// logs through log/slog and BasicMetrics keeps counters. Enabling tracing in
// the configuration adds an OpenTelemetry span per hop.
//
// # LocalRunner
//
// LocalRunner wraps an in-memory engine and runs a submission until the
// graph is idle, which keeps tests and local experiments short.
package fluxgraph
