package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBackendTimeout bounds one screening call.
const DefaultBackendTimeout = 5 * time.Second

const maxScreeningBody = 64 << 10

// ScreeningResult is what the screening provider reports for a wallet.
type ScreeningResult struct {
	Address   string  `json:"address"`
	RiskScore float64 `json:"risk_score"`
	Flagged   bool    `json:"flagged"`
	Reason    string  `json:"reason,omitempty"`
}

// Backend screens one wallet address.
type Backend interface {
	Screen(ctx context.Context, address string) (ScreeningResult, error)
}

// HTTPBackend queries GET {base}/screen?address=.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// HTTPBackendOption customises an HTTPBackend.
type HTTPBackendOption func(*HTTPBackend)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) HTTPBackendOption {
	return func(b *HTTPBackend) {
		if client != nil {
			b.client = client
		}
	}
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) HTTPBackendOption {
	return func(b *HTTPBackend) {
		b.apiKey = key
	}
}

// NewHTTPBackend creates a backend for the provider at baseURL.
func NewHTTPBackend(baseURL string, opts ...HTTPBackendOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   DefaultBackendTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Screen implements Backend. Non-2xx statuses and undecodable bodies are errors.
func (b *HTTPBackend) Screen(ctx context.Context, address string) (ScreeningResult, error) {
	endpoint := b.baseURL + "/screen?address=" + url.QueryEscape(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ScreeningResult{}, fmt.Errorf("build screening request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return ScreeningResult{}, fmt.Errorf("screening request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxScreeningBody))
		return ScreeningResult{}, fmt.Errorf("screening provider returned status %d", resp.StatusCode)
	}

	var result ScreeningResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxScreeningBody)).Decode(&result); err != nil {
		return ScreeningResult{}, fmt.Errorf("decode screening response: %w", err)
	}
	return result, nil
}
