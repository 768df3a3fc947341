// Package events provides the domain event primitives, the process-wide
// publish/subscribe bus keyed by event kind, and a non-blocking exporter that
// batches events on a background goroutine for pluggable sinks such as logs,
// Prometheus metrics, or an external broker.
package events
