package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors served on /metrics.
type Metrics struct {
	protectTotal       *prometheus.CounterVec
	protectDuration    prometheus.Histogram
	complianceFallback *prometheus.CounterVec
	breakerState       prometheus.Gauge
	relayHealthy       prometheus.Gauge
	configReloads      *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors in a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		protectTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darkwing_protect_requests_total",
				Help: "Protection requests by outcome code",
			},
			[]string{"outcome"},
		),

		protectDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "darkwing_protect_duration_seconds",
				Help:    "End to end protection latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
		),

		complianceFallback: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darkwing_compliance_fallback_total",
				Help: "Screening decisions taken by the fallback policy",
			},
			[]string{"reason", "verdict"},
		),

		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkwing_compliance_breaker_state",
				Help: "Screening circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
		),

		relayHealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "darkwing_relay_healthy",
				Help: "Relay connection health (1=healthy, 0=unhealthy)",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darkwing_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "darkwing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "darkwing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.protectTotal,
		m.protectDuration,
		m.complianceFallback,
		m.breakerState,
		m.relayHealthy,
		m.configReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordProtect records a finished protection request.
func (m *Metrics) RecordProtect(outcome string, duration time.Duration) {
	m.protectTotal.WithLabelValues(outcome).Inc()
	m.protectDuration.Observe(duration.Seconds())
}

// RecordComplianceFallback counts a verdict taken without a backend answer.
func (m *Metrics) RecordComplianceFallback(reason string, allowed bool) {
	verdict := "deny"
	if allowed {
		verdict = "allow"
	}
	m.complianceFallback.WithLabelValues(reason, verdict).Inc()
}

// SetBreakerState publishes the breaker state.
func (m *Metrics) SetBreakerState(state string) {
	switch state {
	case "open":
		m.breakerState.Set(2)
	case "half-open":
		m.breakerState.Set(1)
	default:
		m.breakerState.Set(0)
	}
}

// SetRelayHealthy publishes relay health.
func (m *Metrics) SetRelayHealthy(healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.relayHealthy.Set(value)
}

// RecordConfigReload records a configuration reload attempt.
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request metrics labelled by the matched chi route
// pattern, so path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		endpoint := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		m.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
