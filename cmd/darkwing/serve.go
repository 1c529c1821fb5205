package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/darkwingducks/darkwing/internal/governance"
	"github.com/darkwingducks/darkwing/pkg/bundle"
	"github.com/darkwingducks/darkwing/pkg/chain"
	"github.com/darkwingducks/darkwing/pkg/compliance"
	"github.com/darkwingducks/darkwing/pkg/config"
	"github.com/darkwingducks/darkwing/pkg/guardian"
	"github.com/darkwingducks/darkwing/pkg/logging"
	"github.com/darkwingducks/darkwing/pkg/relay"
	"github.com/darkwingducks/darkwing/pkg/server"
	"github.com/darkwingducks/darkwing/pkg/telemetry"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

const (
	janitorInterval    = time.Minute
	relayProbeInterval = 30 * time.Second
)

// service holds the wired components of one running instance.
type service struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	limiter   *governance.RateLimiter
	gate      *compliance.Gate
	submitter *relay.Submitter
	guardian  *guardian.Guardian
	server    *server.Server

	closers []io.Closer
}

// timeoutReader bounds every blockhash fetch by the blockhash stage budget.
type timeoutReader struct {
	reader   chain.BlockhashReader
	timeouts *governance.TimeoutManager
}

func (r timeoutReader) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	ctx, cancel := r.timeouts.WithStageTimeout(ctx, governance.StageBlockhash)
	defer cancel()
	return r.reader.LatestBlockhash(ctx)
}

// dependencies lets tests replace the outbound clients.
type dependencies struct {
	reader chain.BlockhashReader
	relay  relay.Relay
	signer chain.Signer
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.SetupLogger(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "darkwing",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	key, created, err := chain.LoadOrCreateKeypair(cfg.Chain.KeypairPath)
	if err != nil {
		return fmt.Errorf("load relayer keypair: %w", err)
	}
	signer, err := chain.NewKeypairSigner(key)
	if err != nil {
		return err
	}
	if created {
		logger.Warn().
			Str("path", cfg.Chain.KeypairPath).
			Str("public_key", signer.PublicKey().String()).
			Msg("generated new relayer keypair; fund it before serving traffic")
	}

	svc, err := buildService(ctx, cfg, logger, dependencies{
		reader: chain.NewRPCReader(cfg.Chain.RPCURL),
		relay:  relay.NewJitoRelay(relay.JitoConfig{Endpoint: cfg.Relay.EngineURL, AuthUUID: cfg.Relay.AuthUUID}),
		signer: signer,
	})
	if err != nil {
		return err
	}
	defer svc.close()

	svc.start(ctx)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, cfg,
			config.WithWatcherLogger(logger),
			config.WithReloadHook(svc.metrics.RecordConfigReload),
		)
		if err != nil {
			logger.Warn().Err(err).Msg("config hot reload disabled")
		} else {
			defer func() { _ = watcher.Close() }()
			go svc.watchConfig(ctx, watcher.Subscribe())
		}
	}

	var certFile, keyFile string
	if cfg.Server.TLS.Enabled {
		certFile, keyFile = cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.server.ListenAndServe(certFile, keyFile)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server error")
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := svc.server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error during shutdown")
		}
	}

	logger.Info().Msg("darkwing stopped")
	return nil
}

// buildService wires every component from cfg. Outbound clients come from deps.
func buildService(ctx context.Context, cfg *config.Config, logger zerolog.Logger, deps dependencies) (*service, error) {
	svc := &service{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(),
	}

	timeouts := governance.NewTimeoutManager(governance.TimeoutConfig{
		Screening: cfg.Compliance.Timeout,
		Blockhash: cfg.Chain.BlockhashTimeout,
		Relay:     cfg.Relay.Timeout,
	})
	probes := governance.NewRetryPolicy(governance.DefaultRetryConfig())

	limiter, err := svc.newLimiter(ctx, probes)
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.limiter = limiter

	gate, err := svc.newGate(ctx, timeouts)
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.gate = gate

	tip, err := cfg.TipAccount()
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("parse tip account: %w", err)
	}
	assembler := bundle.NewAssembler(deps.signer, timeoutReader{reader: deps.reader, timeouts: timeouts}, tip)

	if c, ok := deps.relay.(io.Closer); ok {
		svc.closers = append(svc.closers, c)
	}
	svc.submitter = relay.NewSubmitter(deps.relay,
		relay.WithSubmitTimeout(timeouts.Budget(governance.StageRelay)),
		relay.WithLogger(logger),
		relay.WithHealthHook(svc.metrics.SetRelayHealthy),
	)
	if err := probes.Do(ctx, svc.submitter.Connect); err != nil {
		logger.Warn().Err(err).Str("engine", cfg.Relay.EngineURL).Msg("block engine unreachable; serving as unhealthy")
	}

	svc.guardian, err = guardian.New(guardian.Options{
		Admission:       limiter,
		Screener:        gate,
		Assembler:       assembler,
		Submitter:       svc.submitter,
		FeeLamports:     cfg.Fee.Lamports,
		ExplorerBaseURL: cfg.Relay.ExplorerBaseURL,
		Logger:          logger,
		Recorder:        svc.metrics,
	})
	if err != nil {
		svc.close()
		return nil, err
	}

	var tlsConfig *tls.Config
	if cfg.Server.TLS.Enabled {
		tlsConfig, err = cfg.Server.TLS.ServerTLSConfig()
		if err != nil {
			svc.close()
			return nil, err
		}
	}

	svc.server = server.New(cfg.ListenAddress(), server.Options{
		Protector:  svc.guardian,
		Health:     svc.submitter,
		Breaker:    gate,
		Limiter:    limiter,
		Metrics:    svc.metrics,
		Logger:     logger,
		Version:    versionInfo(),
		TrustProxy: cfg.Server.TrustProxy,
		TLS:        tlsConfig,
	})

	logger.Info().
		Str("listen", cfg.ListenAddress()).
		Bool("helius", cfg.IsHeliusEnabled()).
		Bool("compliance", cfg.Compliance.Enabled).
		Str("fallback", cfg.Compliance.Fallback).
		Uint64("fee_lamports", cfg.Fee.Lamports).
		Str("fee_account", tip.String()).
		Msg("darkwing configured")
	return svc, nil
}

// newLimiter uses Redis when a URL is configured, otherwise process memory.
func (s *service) newLimiter(ctx context.Context, probes *governance.RetryPolicy) (*governance.RateLimiter, error) {
	limits := governance.RateLimiterConfig{
		MaxRequests: s.cfg.RateLimit.Requests,
		Window:      s.cfg.RateLimit.Window(),
	}
	if s.cfg.RateLimit.RedisURL == "" {
		return governance.NewRateLimiter(limits)
	}

	store, err := governance.NewRedisBucketStoreFromURL(s.cfg.RateLimit.RedisURL)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, store)
	if err := probes.Do(ctx, store.Ping); err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}
	return governance.NewRateLimiter(limits, governance.WithBucketStore(store))
}

func (s *service) newGate(ctx context.Context, timeouts *governance.TimeoutManager) (*compliance.Gate, error) {
	fallback, err := compliance.ParseFallback(s.cfg.Compliance.Fallback)
	if err != nil {
		return nil, err
	}

	module := ""
	if path := s.cfg.Compliance.PolicyFile; path != "" {
		// #nosec G304 -- policy path is operator configuration
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read compliance policy: %w", err)
		}
		module = string(data)
	}
	verdict, err := compliance.NewRegoVerdict(ctx, module, s.cfg.Compliance.RiskThreshold)
	if err != nil {
		return nil, err
	}

	breaker := governance.NewCircuitBreaker(governance.DefaultCircuitBreakerConfig(),
		governance.WithStateChangeHook(func(from, to governance.CircuitBreakerState) {
			s.metrics.SetBreakerState(string(to))
			telemetry.RecordBreakerTransition(context.Background(), string(from), string(to))
			s.logger.Warn().Str("from", string(from)).Str("to", string(to)).Msg("compliance circuit breaker transition")
		}),
	)
	s.metrics.SetBreakerState(string(governance.StateClosed))

	backend := compliance.NewHTTPBackend(s.cfg.Compliance.APIURL, compliance.WithAPIKey(s.cfg.Compliance.APIKey))
	return compliance.NewGate(backend, verdict,
		compliance.WithBreaker(breaker),
		compliance.WithFallback(fallback),
		compliance.WithTimeout(timeouts.Budget(governance.StageScreening)),
		compliance.WithLogger(s.logger),
		compliance.WithFallbackRecorder(s.metrics),
		compliance.WithEnabled(s.cfg.Compliance.Enabled),
	), nil
}

// start launches the background loops; they stop with ctx.
func (s *service) start(ctx context.Context) {
	if s.cfg.RateLimit.RedisURL == "" {
		go s.limiter.RunJanitor(ctx, janitorInterval)
	}
	go s.probeRelay(ctx, relayProbeInterval)
}

// probeRelay reconnects an unhealthy relay on every tick.
func (s *service) probeRelay(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.submitter.Healthy() {
				continue
			}
			if err := s.submitter.Connect(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("block engine still unreachable")
				continue
			}
			s.logger.Info().Msg("block engine reachable again")
		}
	}
}

func (s *service) watchConfig(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			if err := s.applyMutable(next.Mutable()); err != nil {
				s.logger.Error().Err(err).Msg("rejected reloaded settings")
			}
		}
	}
}

// applyMutable applies the hot-reloadable settings. Both are validated before
// either is applied.
func (s *service) applyMutable(m config.Mutable) error {
	fallback, err := compliance.ParseFallback(m.ComplianceFallback)
	if err != nil {
		return err
	}
	limits := governance.RateLimiterConfig{MaxRequests: m.RateLimitRequests, Window: m.RateLimitWindow}
	if err := limits.Validate(); err != nil {
		return err
	}

	if err := s.limiter.Configure(limits); err != nil {
		return err
	}
	s.gate.SetEnabled(m.ComplianceEnabled)
	s.gate.SetFallback(fallback)

	s.logger.Info().
		Bool("compliance", m.ComplianceEnabled).
		Str("fallback", string(fallback)).
		Int("rate_limit", m.RateLimitRequests).
		Dur("window", m.RateLimitWindow).
		Msg("applied reloaded settings")
	return nil
}

func (s *service) close() {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn().Err(err).Msg("error releasing resources")
	}
}
