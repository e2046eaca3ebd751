// Package telemetry provides the observability layer for caravel:
// structured logging built on zerolog, Prometheus metrics for runs and
// deployment units, and OpenTelemetry tracing around run and unit
// execution. All collectors are optional; a nil Metrics or Tracer is a
// no-op, so library code can instrument unconditionally.
package telemetry
