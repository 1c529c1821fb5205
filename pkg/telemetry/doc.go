// Package telemetry wires OpenTelemetry tracing, stage metrics and the
// Prometheus registry served on /metrics.
//
// Tracing is exported over OTLP/gRPC when an endpoint is configured. Stage
// metrics go through the global otel MeterProvider so tests can swap in a
// ManualReader; operator-facing counters live in a private Prometheus
// registry owned by Metrics.
package telemetry
