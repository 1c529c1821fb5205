package compliance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkwingducks/darkwing/internal/governance"
	"github.com/darkwingducks/darkwing/pkg/domain"
	"github.com/rs/zerolog"
)

// Fallback selects the verdict used when the backend cannot answer.
type Fallback string

const (
	// FallbackOpen treats an unscreened address as clean. It favours
	// availability over screening strictness: while the backend is down,
	// flagged wallets are not caught.
	FallbackOpen Fallback = "open"

	// FallbackClosed fails the request instead. It is the strict choice.
	FallbackClosed Fallback = "closed"
)

// ParseFallback validates a fallback name. Empty selects FallbackOpen.
func ParseFallback(s string) (Fallback, error) {
	switch Fallback(s) {
	case "", FallbackOpen:
		return FallbackOpen, nil
	case FallbackClosed:
		return FallbackClosed, nil
	default:
		return "", fmt.Errorf("%w: compliance fallback must be open or closed, got %q", domain.ErrConfigInvalid, s)
	}
}

// Fallback reasons, used as log fields and metric labels.
const (
	ReasonCircuitOpen  = "circuit_open"
	ReasonBackendError = "backend_error"
	ReasonPolicyError  = "policy_error"
)

// FallbackRecorder counts fallback decisions.
type FallbackRecorder interface {
	RecordComplianceFallback(reason string, allowed bool)
}

// Decision describes how a wallet was judged.
type Decision struct {
	Allowed bool
	// Screened is true when the backend answered and the verdict policy ran.
	Screened bool
	// Fallback is true when the fallback policy decided.
	Fallback bool
	Reason   string
}

// Gate screens wallets through a breaker-protected backend.
type Gate struct {
	backend  Backend
	verdict  VerdictPolicy
	breaker  *governance.CircuitBreaker
	timeout  time.Duration
	logger   zerolog.Logger
	recorder FallbackRecorder

	enabled atomic.Bool

	mu       sync.RWMutex
	fallback Fallback
}

// GateOption customises a Gate.
type GateOption func(*Gate)

// WithBreaker supplies the circuit breaker, e.g. one with a state hook.
func WithBreaker(cb *governance.CircuitBreaker) GateOption {
	return func(g *Gate) {
		if cb != nil {
			g.breaker = cb
		}
	}
}

// WithFallback sets the initial fallback policy.
func WithFallback(f Fallback) GateOption {
	return func(g *Gate) {
		g.fallback = f
	}
}

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the gate logger.
func WithLogger(logger zerolog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithFallbackRecorder counts fallback decisions.
func WithFallbackRecorder(r FallbackRecorder) GateOption {
	return func(g *Gate) {
		g.recorder = r
	}
}

// WithEnabled sets whether screening runs at all.
func WithEnabled(enabled bool) GateOption {
	return func(g *Gate) {
		g.enabled.Store(enabled)
	}
}

// NewGate creates an enabled gate with the default breaker and fail-open fallback.
func NewGate(backend Backend, verdict VerdictPolicy, opts ...GateOption) *Gate {
	g := &Gate{
		backend:  backend,
		verdict:  verdict,
		timeout:  DefaultBackendTimeout,
		logger:   zerolog.Nop(),
		fallback: FallbackOpen,
	}
	g.enabled.Store(true)
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = governance.NewCircuitBreaker(governance.DefaultCircuitBreakerConfig())
	}
	return g
}

// Screen reports whether wallet may proceed. With the closed fallback an
// unavailable backend yields false and domain.ErrScreeningUnavailable.
func (g *Gate) Screen(ctx context.Context, wallet string) (bool, error) {
	d, err := g.Evaluate(ctx, wallet)
	return d.Allowed, err
}

// Evaluate screens wallet and reports how the decision was reached.
func (g *Gate) Evaluate(ctx context.Context, wallet string) (Decision, error) {
	if !g.enabled.Load() {
		return Decision{Allowed: true, Reason: "screening disabled"}, nil
	}

	if err := g.breaker.Allow(); err != nil {
		return g.fallbackDecision(wallet, ReasonCircuitOpen, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	result, err := g.backend.Screen(callCtx, wallet)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			// The caller went away; the backend was not at fault.
			g.breaker.Abandon()
			return Decision{}, ctx.Err()
		}
		g.breaker.RecordFailure()
		return g.fallbackDecision(wallet, ReasonBackendError, err)
	}
	g.breaker.RecordSuccess()

	verdict, err := g.verdict.Decide(ctx, result)
	if err != nil {
		return g.fallbackDecision(wallet, ReasonPolicyError, err)
	}

	if !verdict.Allowed {
		g.logger.Warn().
			Str("wallet", wallet).
			Float64("risk_score", result.RiskScore).
			Str("reason", verdict.Reason).
			Msg("wallet rejected by screening")
	}
	return Decision{Allowed: verdict.Allowed, Screened: true, Reason: verdict.Reason}, nil
}

func (g *Gate) fallbackDecision(wallet, reason string, cause error) (Decision, error) {
	fallback := g.Fallback()
	allowed := fallback == FallbackOpen

	g.logger.Warn().
		Err(cause).
		Str("wallet", wallet).
		Str("reason", reason).
		Str("fallback", string(fallback)).
		Bool("allowed", allowed).
		Msg("screening unavailable, applying fallback")
	if g.recorder != nil {
		g.recorder.RecordComplianceFallback(reason, allowed)
	}

	d := Decision{Allowed: allowed, Fallback: true, Reason: reason}
	if !allowed {
		return d, fmt.Errorf("%w: %w", domain.ErrScreeningUnavailable, cause)
	}
	return d, nil
}

// SetEnabled toggles screening at runtime.
func (g *Gate) SetEnabled(enabled bool) {
	g.enabled.Store(enabled)
}

// Enabled reports whether screening runs.
func (g *Gate) Enabled() bool {
	return g.enabled.Load()
}

// SetFallback replaces the fallback policy at runtime.
func (g *Gate) SetFallback(f Fallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fallback = f
}

// Fallback returns the current fallback policy.
func (g *Gate) Fallback() Fallback {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.fallback
}

// BreakerStats exposes the breaker for the admin endpoint.
func (g *Gate) BreakerStats() governance.CircuitBreakerStats {
	return g.breaker.Stats()
}

// BreakerState returns the breaker state.
func (g *Gate) BreakerState() governance.CircuitBreakerState {
	return g.breaker.State()
}
