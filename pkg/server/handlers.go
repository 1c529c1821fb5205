package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/darkwingducks/darkwing/internal/governance"
	"github.com/darkwingducks/darkwing/pkg/domain"
	"github.com/darkwingducks/darkwing/pkg/guardian"
	"github.com/rs/zerolog"
)

func (s *Server) handleProtect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	// An undecodable body still goes through the guardian with an empty
	// payload so it is charged against the client's budget.
	var req domain.ProtectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		zerolog.Ctx(r.Context()).Debug().Err(err).Msg("undecodable protect body")
		req = domain.ProtectRequest{}
	}

	resp, err := s.opts.Protector.Protect(r.Context(), guardian.Request{
		ClientKey:          clientKey(r),
		EncodedTransaction: req.Payload(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps a failure kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindComplianceRejected:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var gerr *domain.GuardianError
	if !errors.As(err, &gerr) {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("unclassified pipeline error")
		writeJSON(w, http.StatusInternalServerError, domain.ErrorResponse{
			Error: "internal error",
			Code:  string(domain.KindBackendFailure),
		})
		return
	}

	if gerr.Kind == domain.KindRateLimited {
		limit := 0
		if s.opts.Limiter != nil {
			limit = s.opts.Limiter.Stats().Limit
		}
		governance.WriteRateLimitHeaders(w, limit, gerr.RetryAfter)
	}
	writeJSON(w, statusFor(gerr.Kind), domain.ErrorResponse{Error: gerr.Message, Code: string(gerr.Kind)})
}

type healthResponse struct {
	Status string `json:"status"`
	Relay  string `json:"relay"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Health != nil && !s.opts.Health.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Relay: "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Relay: "connected"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Version)
}

type governanceResponse struct {
	Breaker   *governance.CircuitBreakerStats `json:"breaker,omitempty"`
	RateLimit *governance.RateLimitStats      `json:"rateLimit,omitempty"`
}

func (s *Server) handleGovernance(w http.ResponseWriter, _ *http.Request) {
	var resp governanceResponse
	if s.opts.Breaker != nil {
		stats := s.opts.Breaker.BreakerStats()
		resp.Breaker = &stats
	}
	if s.opts.Limiter != nil {
		stats := s.opts.Limiter.Stats()
		resp.RateLimit = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
