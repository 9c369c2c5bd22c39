// Package worker provides the background worker that drives contexts
// through a compiled flow graph.
//
// A Worker consumes hop tasks from one node's task queue and hands each to a
// Processor, normally the node runtime owning that queue. The scheduler
// starts one or more workers per node; a single worker handles one task at a
// time, so a context's traversal of a node is processed by exactly one
// worker.
//
// # Task Types
//
//   - hop: process one context at the queue's node
//   - flush: close the node's batching window after its flush interval
//
// Tasks may carry a NotBefore time, which is how delayed window flushes are
// scheduled. Scheduler pools hold such tasks back until it passes; a worker
// that dequeues one early waits for it.
//
// # Lifecycle
//
// Run loops over ProcessOne until its context is cancelled. Errors returned
// by the Processor are logged and never stop the loop, so one failing
// context cannot take down a node's pool.
package worker
