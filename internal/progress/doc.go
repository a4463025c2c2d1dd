// Package progress provides the event primitives, a non-blocking hub and the
// emitter interface the orchestrator uses to report task progress. Events are
// batched on a background goroutine and fanned out to sinks (structured logs,
// Prometheus).
package progress
