// Package progress provides the event primitives, non-blocking hub, and
// counter tracker that workers use to report harvest progress. Events
// batch on a background goroutine and fan out to pluggable sinks such as
// Prometheus collectors or structured logs.
package progress
