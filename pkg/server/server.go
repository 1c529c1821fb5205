// Package server exposes the protection pipeline over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/darkwingducks/darkwing/internal/governance"
	"github.com/darkwingducks/darkwing/pkg/domain"
	"github.com/darkwingducks/darkwing/pkg/guardian"
	"github.com/darkwingducks/darkwing/pkg/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultMaxBodyBytes = 64 << 10

// Protector runs the protection pipeline.
type Protector interface {
	Protect(ctx context.Context, req guardian.Request) (domain.ProtectResponse, error)
}

// HealthChecker reports relay connectivity.
type HealthChecker interface {
	Healthy() bool
}

// BreakerReporter exposes the screening breaker.
type BreakerReporter interface {
	BreakerStats() governance.CircuitBreakerStats
}

// LimiterReporter exposes admission control.
type LimiterReporter interface {
	Stats() governance.RateLimitStats
}

// VersionInfo is reported on /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

// Options wires the server. Protector is required.
type Options struct {
	Protector Protector
	Health    HealthChecker
	Breaker   BreakerReporter
	Limiter   LimiterReporter
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger
	Version   VersionInfo

	// TrustProxy takes the client address from proxy headers.
	TrustProxy   bool
	MaxBodyBytes int64
	TLS          *tls.Config
}

// Server is the HTTP front end.
type Server struct {
	router *chi.Mux
	server *http.Server
	opts   Options
}

// New builds the router for addr.
func New(addr string, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Logger))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(middleware.Recoverer)

	s := &Server{router: r, opts: opts}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(r, "darkwing.http"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         opts.TLS,
	}
	return s
}

func (s *Server) registerRoutes() {
	r := s.router

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, domain.ErrorResponse{Error: "not found", Code: "NOT_FOUND"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, domain.ErrorResponse{Error: "method not allowed", Code: "METHOD_NOT_ALLOWED"})
	})

	r.Post("/protect", s.handleProtect)
	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Get("/admin/governance", s.handleGovernance)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}
}

// Handler exposes the instrumented handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe serves until Shutdown. With TLS configured, certFile and
// keyFile are loaded by the listener.
func (s *Server) ListenAndServe(certFile, keyFile string) error {
	s.opts.Logger.Info().
		Str("addr", s.server.Addr).
		Bool("tls", s.server.TLSConfig != nil).
		Msg("starting HTTP server")

	var err error
	if s.server.TLSConfig != nil {
		err = s.server.ListenAndServeTLS(certFile, keyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.opts.Logger.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// clientKey identifies the caller for admission control.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote", clientKey(r)).
				Logger()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request served")
		})
	}
}
