package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/darkwingducks/darkwing/internal/governance"
	"github.com/darkwingducks/darkwing/pkg/domain"
	"github.com/darkwingducks/darkwing/pkg/guardian"
	"github.com/darkwingducks/darkwing/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockProtector struct {
	mock.Mock
}

func (m *mockProtector) Protect(ctx context.Context, req guardian.Request) (domain.ProtectResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.ProtectResponse), args.Error(1)
}

type staticHealth bool

func (h staticHealth) Healthy() bool { return bool(h) }

type staticBreaker struct{}

func (staticBreaker) BreakerStats() governance.CircuitBreakerStats {
	return governance.CircuitBreakerStats{State: "open", ConsecutiveFailures: 3, FailureThreshold: 3}
}

type staticLimiter struct{}

func (staticLimiter) Stats() governance.RateLimitStats {
	return governance.RateLimitStats{Limit: 10, Window: "1m0s", TrackedClients: 4}
}

func newTestServer(p Protector, opts ...func(*Options)) *Server {
	o := Options{
		Protector: p,
		Health:    staticHealth(true),
		Breaker:   staticBreaker{},
		Limiter:   staticLimiter{},
		Metrics:   telemetry.NewMetrics(),
		Version:   VersionInfo{Version: "0.1.0"},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return New("127.0.0.1:0", o)
}

func postProtect(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/protect", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:51234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) domain.ErrorResponse {
	t.Helper()
	var body domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestProtect_Success(t *testing.T) {
	p := &mockProtector{}
	p.On("Protect", mock.Anything, guardian.Request{ClientKey: "203.0.113.9", EncodedTransaction: "AQID"}).
		Return(domain.ProtectResponse{Status: "SECURED", BundleID: "b-1", ExplorerURL: "https://explorer.jito.wtf/bundle/b-1"}, nil)

	rec := postProtect(t, newTestServer(p), `{"encoded_transaction":"AQID"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"SECURED","bundle_id":"b-1","explorer_url":"https://explorer.jito.wtf/bundle/b-1"}`, rec.Body.String())
	p.AssertExpectations(t)
}

func TestProtect_AcceptsLegacyField(t *testing.T) {
	p := &mockProtector{}
	p.On("Protect", mock.Anything, mock.MatchedBy(func(r guardian.Request) bool { return r.EncodedTransaction == "AQID" })).
		Return(domain.ProtectResponse{Status: "SECURED", BundleID: "b-2"}, nil)

	rec := postProtect(t, newTestServer(p), `{"tx_base64":"AQID"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtect_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:    "rate limited",
			err:     &domain.GuardianError{Kind: domain.KindRateLimited, Message: "rate limit exceeded, retry in 42s", RetryAfter: 42 * time.Second},
			status:  http.StatusTooManyRequests,
			code:    "RATE_LIMITED",
			message: "rate limit exceeded, retry in 42s",
		},
		{
			name:    "invalid input",
			err:     &domain.GuardianError{Kind: domain.KindInvalidInput, Message: "invalid transaction: decode base64"},
			status:  http.StatusBadRequest,
			code:    "INVALID_INPUT",
			message: "invalid transaction: decode base64",
		},
		{
			name:    "compliance rejected",
			err:     &domain.GuardianError{Kind: domain.KindComplianceRejected, Message: "wallet rejected by compliance screening"},
			status:  http.StatusForbidden,
			code:    "COMPLIANCE_REJECTED",
			message: "wallet rejected by compliance screening",
		},
		{
			name:    "backend failure hides cause",
			err:     &domain.GuardianError{Kind: domain.KindBackendFailure, Message: "bundle submission failed", Err: errors.New("dial tcp 10.0.0.7:443: refused")},
			status:  http.StatusInternalServerError,
			code:    "BACKEND_FAILURE",
			message: "bundle submission failed",
		},
		{
			name:    "unclassified",
			err:     errors.New("boom at 0xdeadbeef"),
			status:  http.StatusInternalServerError,
			code:    "BACKEND_FAILURE",
			message: "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockProtector{}
			p.On("Protect", mock.Anything, mock.Anything).Return(domain.ProtectResponse{}, tt.err)

			rec := postProtect(t, newTestServer(p), `{"encoded_transaction":"AQID"}`)
			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, tt.message, body.Error)
			assert.NotContains(t, rec.Body.String(), "10.0.0.7")
		})
	}
}

func TestProtect_RateLimitHeaders(t *testing.T) {
	p := &mockProtector{}
	p.On("Protect", mock.Anything, mock.Anything).Return(domain.ProtectResponse{},
		&domain.GuardianError{Kind: domain.KindRateLimited, Message: "rate limit exceeded, retry in 42s", RetryAfter: 42 * time.Second})

	rec := postProtect(t, newTestServer(p), `{"encoded_transaction":"AQID"}`)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
}

func TestProtect_MalformedBodyReachesGuardianWithEmptyPayload(t *testing.T) {
	p := &mockProtector{}
	p.On("Protect", mock.Anything, guardian.Request{ClientKey: "203.0.113.9"}).
		Return(domain.ProtectResponse{}, &domain.GuardianError{Kind: domain.KindInvalidInput, Message: "encoded_transaction is required"})
	s := newTestServer(p)

	rec := postProtect(t, s, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeError(t, rec).Code)

	big := `{"encoded_transaction":"` + strings.Repeat("A", defaultMaxBodyBytes) + `"}`
	rec = postProtect(t, s, big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	p.AssertNumberOfCalls(t, "Protect", 2)
}

func TestProtect_MalformedBodyOverBudgetIsRateLimited(t *testing.T) {
	p := &mockProtector{}
	p.On("Protect", mock.Anything, mock.Anything).
		Return(domain.ProtectResponse{}, &domain.GuardianError{Kind: domain.KindRateLimited, Message: "rate limited", RetryAfter: 7 * time.Second})

	rec := postProtect(t, newTestServer(p), `{`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, rec).Code)
}

func TestProtect_IgnoresForwardedHeadersByDefault(t *testing.T) {
	p := &mockProtector{}
	p.On("Protect", mock.Anything, mock.MatchedBy(func(r guardian.Request) bool { return r.ClientKey == "203.0.113.9" })).
		Return(domain.ProtectResponse{Status: "SECURED"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/protect", bytes.NewBufferString(`{"encoded_transaction":"AQID"}`))
	req.RemoteAddr = "203.0.113.9:51234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	rec := httptest.NewRecorder()
	newTestServer(p).Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	p.AssertExpectations(t)
}

func TestProtect_TrustProxyUsesForwardedFor(t *testing.T) {
	p := &mockProtector{}
	p.On("Protect", mock.Anything, mock.MatchedBy(func(r guardian.Request) bool { return r.ClientKey == "198.51.100.1" })).
		Return(domain.ProtectResponse{Status: "SECURED"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/protect", bytes.NewBufferString(`{"encoded_transaction":"AQID"}`))
	req.RemoteAddr = "10.0.0.2:51234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	rec := httptest.NewRecorder()
	newTestServer(p, func(o *Options) { o.TrustProxy = true }).Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	p.AssertExpectations(t)
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(&mockProtector{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	unhealthy := newTestServer(&mockProtector{}, func(o *Options) { o.Health = staticHealth(false) })
	unhealthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")
}

func TestVersionAndGovernance(t *testing.T) {
	s := newTestServer(&mockProtector{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.JSONEq(t, `{"version":"0.1.0"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/governance", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Breaker   governance.CircuitBreakerStats `json:"breaker"`
		RateLimit governance.RateLimitStats      `json:"rateLimit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "open", body.Breaker.State)
	assert.Equal(t, 4, body.RateLimit.TrackedClients)
}

func TestMetricsEndpointAndNotFound(t *testing.T) {
	p := &mockProtector{}
	p.On("Protect", mock.Anything, mock.Anything).Return(domain.ProtectResponse{Status: "SECURED"}, nil)
	s := newTestServer(p)
	postProtect(t, s, `{"encoded_transaction":"AQID"}`)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `darkwing_http_requests_total{endpoint="/protect",method="POST",status_code="200"} 1`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protect", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
