// Package guardian runs the protection pipeline for one request: admission,
// decode, screening, bundle assembly and relay submission. Each stage failure
// ends the request; the caller sees only the failure kind and a short message.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/darkwingducks/darkwing/internal/governance"
	"github.com/darkwingducks/darkwing/pkg/bundle"
	"github.com/darkwingducks/darkwing/pkg/chain"
	"github.com/darkwingducks/darkwing/pkg/compliance"
	"github.com/darkwingducks/darkwing/pkg/domain"
	"github.com/darkwingducks/darkwing/pkg/relay"
	"github.com/darkwingducks/darkwing/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultFeeLamports is the protection fee charged per bundle.
	DefaultFeeLamports uint64 = 1_000_000
	// DefaultExplorerBaseURL prefixes bundle ids in responses.
	DefaultExplorerBaseURL = "https://explorer.jito.wtf/bundle"
)

// Admission decides whether a client may be served.
type Admission interface {
	Check(ctx context.Context, clientKey string) error
}

// Screener judges the wallet behind a transaction.
type Screener interface {
	Evaluate(ctx context.Context, wallet string) (compliance.Decision, error)
}

// Assembler builds the [user, fee] bundle.
type Assembler interface {
	Assemble(ctx context.Context, user chain.Envelope, feeLamports uint64) (bundle.Bundle, error)
}

// Submitter forwards a bundle to the relay.
type Submitter interface {
	Submit(ctx context.Context, b bundle.Bundle) (relay.Outcome, error)
}

// OutcomeRecorder observes finished requests.
type OutcomeRecorder interface {
	RecordProtect(outcome string, duration time.Duration)
}

// Options wires a Guardian. Admission, Screener, Assembler and Submitter are required.
type Options struct {
	Admission Admission
	Screener  Screener
	Assembler Assembler
	Submitter Submitter

	FeeLamports     uint64
	ExplorerBaseURL string

	Logger   zerolog.Logger
	Recorder OutcomeRecorder
	Tracer   trace.Tracer
	Now      func() time.Time
}

// Request is one protection request.
type Request struct {
	// ClientKey identifies the caller for admission control, normally its IP.
	ClientKey          string
	EncodedTransaction string
}

// Guardian is shared by all requests.
type Guardian struct {
	admission Admission
	screener  Screener
	assembler Assembler
	submitter Submitter

	fee         uint64
	explorerURL string

	logger   zerolog.Logger
	recorder OutcomeRecorder
	tracer   trace.Tracer
	now      func() time.Time
}

// New validates opts and creates a Guardian.
func New(opts Options) (*Guardian, error) {
	switch {
	case opts.Admission == nil:
		return nil, errors.New("guardian: admission control is required")
	case opts.Screener == nil:
		return nil, errors.New("guardian: screener is required")
	case opts.Assembler == nil:
		return nil, errors.New("guardian: assembler is required")
	case opts.Submitter == nil:
		return nil, errors.New("guardian: submitter is required")
	}

	g := &Guardian{
		admission:   opts.Admission,
		screener:    opts.Screener,
		assembler:   opts.Assembler,
		submitter:   opts.Submitter,
		fee:         opts.FeeLamports,
		explorerURL: strings.TrimRight(opts.ExplorerBaseURL, "/"),
		logger:      opts.Logger,
		recorder:    opts.Recorder,
		tracer:      opts.Tracer,
		now:         opts.Now,
	}
	if g.fee == 0 {
		g.fee = DefaultFeeLamports
	}
	if g.explorerURL == "" {
		g.explorerURL = DefaultExplorerBaseURL
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer("darkwing.guardian")
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// Protect runs the pipeline. Errors are always *domain.GuardianError.
func (g *Guardian) Protect(ctx context.Context, req Request) (domain.ProtectResponse, error) {
	start := g.now()
	ctx, span := g.tracer.Start(ctx, "guardian.protect")
	defer span.End()

	logger := g.loggerFor(ctx).With().Str("client", req.ClientKey).Logger()

	resp, err := g.protect(ctx, req, logger)

	outcome := domain.StatusSecured
	if err != nil {
		kind := domain.KindOf(err)
		outcome = string(kind)
		span.SetStatus(codes.Error, string(kind))
		span.SetAttributes(attribute.String("darkwing.error_kind", string(kind)))

		event := logger.Info()
		if kind == domain.KindBackendFailure {
			event = logger.Error()
		}
		event.Err(err).Str("kind", string(kind)).Msg("protection request failed")
	} else {
		span.SetAttributes(attribute.String("darkwing.bundle_id", resp.BundleID))
		logger.Info().Str("bundle_id", resp.BundleID).Msg("bundle secured")
	}

	if g.recorder != nil {
		g.recorder.RecordProtect(outcome, g.now().Sub(start))
	}
	return resp, err
}

func (g *Guardian) protect(ctx context.Context, req Request, logger zerolog.Logger) (domain.ProtectResponse, error) {
	if err := g.admit(ctx, req.ClientKey); err != nil {
		return domain.ProtectResponse{}, err
	}

	envelope, err := g.decode(ctx, req.EncodedTransaction)
	if err != nil {
		return domain.ProtectResponse{}, err
	}

	wallet := envelope.FeePayer().String()
	logger = logger.With().Str("wallet", wallet).Logger()
	if err := g.screen(ctx, wallet, logger); err != nil {
		return domain.ProtectResponse{}, err
	}

	b, err := g.assemble(ctx, envelope)
	if err != nil {
		return domain.ProtectResponse{}, err
	}

	outcome, err := g.submit(ctx, b)
	if err != nil {
		return domain.ProtectResponse{}, err
	}

	return domain.ProtectResponse{
		Status:      domain.StatusSecured,
		BundleID:    outcome.BundleID,
		ExplorerURL: g.explorerURL + "/" + url.PathEscape(outcome.BundleID),
	}, nil
}

func (g *Guardian) admit(ctx context.Context, clientKey string) error {
	ctx, done := g.stage(ctx, "admission")

	err := g.admission.Check(ctx, clientKey)
	if rlErr, ok := governance.IsRateLimited(err); ok {
		done(telemetry.OutcomeRateLimited)
		return &domain.GuardianError{
			Kind:       domain.KindRateLimited,
			Message:    rlErr.Error(),
			RetryAfter: rlErr.RetryAfter,
			Err:        err,
		}
	}
	if err != nil {
		done(telemetry.OutcomeError)
		return backendFailure("admission control unavailable", err)
	}
	done(telemetry.OutcomeOK)
	return nil
}

func (g *Guardian) decode(ctx context.Context, encoded string) (chain.Envelope, error) {
	_, done := g.stage(ctx, "decode")

	if strings.TrimSpace(encoded) == "" {
		done(telemetry.OutcomeRejected)
		return chain.Envelope{}, &domain.GuardianError{
			Kind:    domain.KindInvalidInput,
			Message: "encoded_transaction is required",
			Err:     domain.ErrInvalidInput,
		}
	}

	envelope, err := chain.DecodeEnvelope(encoded)
	if err != nil {
		done(telemetry.OutcomeRejected)
		return chain.Envelope{}, &domain.GuardianError{
			Kind:    domain.KindInvalidInput,
			Message: "invalid transaction: " + err.Error(),
			Err:     fmt.Errorf("%w: %w", domain.ErrInvalidInput, err),
		}
	}
	done(telemetry.OutcomeOK)
	return envelope, nil
}

func (g *Guardian) screen(ctx context.Context, wallet string, logger zerolog.Logger) error {
	ctx, done := g.stage(ctx, "screening")
	span := trace.SpanFromContext(ctx)

	decision, err := g.screener.Evaluate(ctx, wallet)
	telemetry.RecordScreeningEvent(span, decision.Allowed, decision.Fallback, decision.Reason)
	if err != nil {
		done(telemetry.OutcomeError)
		return backendFailure("compliance screening unavailable", err)
	}
	if !decision.Allowed {
		done(telemetry.OutcomeRejected)
		msg := "wallet rejected by compliance screening"
		if decision.Reason != "" {
			msg += ": " + decision.Reason
		}
		return &domain.GuardianError{
			Kind:    domain.KindComplianceRejected,
			Message: msg,
			Err:     domain.ErrComplianceRejected,
		}
	}

	if decision.Fallback {
		done(telemetry.OutcomeFallback)
		logger.Warn().Str("reason", decision.Reason).Msg("wallet admitted without screening")
	} else {
		done(telemetry.OutcomeOK)
	}
	return nil
}

func (g *Guardian) assemble(ctx context.Context, envelope chain.Envelope) (bundle.Bundle, error) {
	ctx, done := g.stage(ctx, "assemble")

	b, err := g.assembler.Assemble(ctx, envelope, g.fee)
	if err != nil {
		done(telemetry.OutcomeError)
		msg := "could not build fee transaction"
		if errors.Is(err, domain.ErrFreshnessTokenUnavailable) {
			msg = "recent blockhash unavailable"
		}
		return bundle.Bundle{}, backendFailure(msg, err)
	}
	done(telemetry.OutcomeOK)
	return b, nil
}

func (g *Guardian) submit(ctx context.Context, b bundle.Bundle) (relay.Outcome, error) {
	ctx, done := g.stage(ctx, "submit")

	outcome, err := g.submitter.Submit(ctx, b)
	if err != nil {
		done(telemetry.OutcomeError)
		return relay.Outcome{}, backendFailure("bundle submission failed", err)
	}
	done(telemetry.OutcomeOK)
	return outcome, nil
}

// stage opens a span for name and returns a func that closes it and records
// the stage metrics.
func (g *Guardian) stage(ctx context.Context, name string) (context.Context, func(telemetry.Outcome)) {
	start := g.now()
	ctx, span := g.tracer.Start(ctx, "guardian."+name)
	return ctx, func(outcome telemetry.Outcome) {
		span.SetAttributes(attribute.String("darkwing.outcome", string(outcome)))
		if outcome == telemetry.OutcomeError {
			span.SetStatus(codes.Error, name+" failed")
		}
		span.End()
		telemetry.RecordStageMetrics(ctx, telemetry.StageMetrics{
			Stage:    name,
			Outcome:  outcome,
			Duration: g.now().Sub(start),
		})
	}
}

func (g *Guardian) loggerFor(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return g.logger
}

func backendFailure(msg string, err error) error {
	return &domain.GuardianError{Kind: domain.KindBackendFailure, Message: msg, Err: err}
}
