package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is the result of one pipeline stage.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeRejected    Outcome = "rejected"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFallback    Outcome = "fallback"
	OutcomeError       Outcome = "error"
)

var (
	metricsOnce         sync.Once
	metricsInitErr      error
	stageExecutionCount metric.Int64Counter
	stageLatency        metric.Float64Histogram
	breakerTransitions  metric.Int64Counter
)

// StageMetrics captures one stage execution.
type StageMetrics struct {
	Stage    string
	Outcome  Outcome
	Duration time.Duration
}

// RecordStageMetrics emits the execution counter and latency histogram for a stage.
func RecordStageMetrics(ctx context.Context, m StageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("stage", m.Stage),
		attribute.String("outcome", string(m.Outcome)),
	)
	stageExecutionCount.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		stageLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordBreakerTransition counts a circuit breaker state change.
func RecordBreakerTransition(ctx context.Context, from, to string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("darkwing.guardian")

		stageExecutionCount, metricsInitErr = meter.Int64Counter(
			"darkwing.stage.executions_total",
			metric.WithDescription("Protection pipeline stage executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageLatency, metricsInitErr = meter.Float64Histogram(
			"darkwing.stage.duration_ms",
			metric.WithDescription("Observed stage latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		breakerTransitions, metricsInitErr = meter.Int64Counter(
			"darkwing.breaker.transitions_total",
			metric.WithDescription("Screening circuit breaker state changes"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordScreeningEvent attaches the screening verdict to span. The wallet
// address is public and safe to export; the reason is only set on rejection.
func RecordScreeningEvent(span trace.Span, allowed, fallback bool, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("compliance.allowed", allowed),
		attribute.Bool("compliance.fallback", fallback),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("compliance.reason", reason))
	}
	span.AddEvent("compliance.screened", trace.WithAttributes(attrs...))
}
