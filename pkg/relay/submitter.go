package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/darkwingducks/darkwing/pkg/bundle"
	"github.com/darkwingducks/darkwing/pkg/domain"
	"github.com/rs/zerolog"
)

// DefaultSubmitTimeout bounds a single submission.
const DefaultSubmitTimeout = 10 * time.Second

// Outcome is a successful submission.
type Outcome struct {
	BundleID string
}

// Submitter forwards assembled bundles to a Relay exactly once per call.
type Submitter struct {
	relay   Relay
	timeout time.Duration
	logger  zerolog.Logger

	mu       sync.RWMutex
	healthy  bool
	lastErr  error
	onHealth func(bool)
}

// SubmitterOption customises a Submitter.
type SubmitterOption func(*Submitter)

// WithSubmitTimeout overrides DefaultSubmitTimeout.
func WithSubmitTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the submitter logger.
func WithLogger(logger zerolog.Logger) SubmitterOption {
	return func(s *Submitter) {
		s.logger = logger
	}
}

// WithHealthHook registers fn to observe health changes.
func WithHealthHook(fn func(healthy bool)) SubmitterOption {
	return func(s *Submitter) {
		s.onHealth = fn
	}
}

// NewSubmitter wraps relay. The submitter starts healthy; call Connect to
// probe the relay before serving traffic.
func NewSubmitter(relay Relay, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		relay:   relay,
		timeout: DefaultSubmitTimeout,
		logger:  zerolog.Nop(),
		healthy: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect probes the relay when it supports it and records the result.
func (s *Submitter) Connect(ctx context.Context) error {
	connector, ok := s.relay.(Connector)
	if !ok {
		s.setHealth(true, nil)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := connector.Connect(ctx); err != nil {
		s.setHealth(false, err)
		return err
	}
	s.setHealth(true, nil)
	return nil
}

// Submit sends b once. Every failure is wrapped in domain.ErrSubmission; a
// connection-level failure additionally marks the submitter unhealthy until
// the next successful Connect.
func (s *Submitter) Submit(ctx context.Context, b bundle.Bundle) (Outcome, error) {
	if b.IsZero() {
		return Outcome{}, fmt.Errorf("%w: empty bundle", domain.ErrSubmission)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	bundleID, err := s.relay.SendBundle(ctx, b.Encoded())
	if err != nil {
		if errors.Is(err, ErrRelayUnreachable) {
			s.setHealth(false, err)
		}
		s.logger.Error().Err(err).Msg("bundle submission failed")
		return Outcome{}, fmt.Errorf("%w: %w", domain.ErrSubmission, err)
	}
	if bundleID == "" {
		return Outcome{}, fmt.Errorf("%w: relay returned an empty bundle id", domain.ErrSubmission)
	}

	s.logger.Debug().Str("bundle_id", bundleID).Msg("bundle accepted by relay")
	return Outcome{BundleID: bundleID}, nil
}

// Healthy reports whether the relay connection is usable.
func (s *Submitter) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// LastError returns the failure that marked the submitter unhealthy.
func (s *Submitter) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Submitter) setHealth(healthy bool, err error) {
	s.mu.Lock()
	changed := s.healthy != healthy
	s.healthy = healthy
	s.lastErr = err
	hook := s.onHealth
	s.mu.Unlock()

	if changed && !healthy {
		s.logger.Error().Err(err).Msg("relay connection marked unhealthy")
	}
	if hook != nil {
		hook(healthy)
	}
}
