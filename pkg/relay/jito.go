package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	bundlesPath = "/api/v1/bundles"
	authHeader  = "x-jito-auth"
)

// RPCError is a JSON-RPC error returned by the block engine.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("relay rpc error %d: %s", e.Code, e.Message)
}

// JitoConfig configures a JitoRelay.
type JitoConfig struct {
	// Endpoint is the block engine base URL.
	Endpoint string
	// AuthUUID is sent as the x-jito-auth header when set.
	AuthUUID string
	// HTTPClient overrides the shared client.
	HTTPClient *http.Client
}

// JitoRelay submits bundles through the block engine JSON-RPC API.
type JitoRelay struct {
	client jsonrpc.RPCClient
}

// NewJitoRelay creates the relay client. The HTTP client and its connection
// pool are created once here and shared by all submissions.
func NewJitoRelay(cfg JitoConfig) *JitoRelay {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConnsPerHost = 32
		transport.IdleConnTimeout = 90 * time.Second
		httpClient = &http.Client{Transport: otelhttp.NewTransport(transport)}
	}

	opts := &jsonrpc.RPCClientOpts{HTTPClient: httpClient}
	if cfg.AuthUUID != "" {
		opts.CustomHeaders = map[string]string{authHeader: cfg.AuthUUID}
	}
	return &JitoRelay{
		client: jsonrpc.NewClientWithOpts(strings.TrimRight(cfg.Endpoint, "/")+bundlesPath, opts),
	}
}

// Connect checks the block engine with getTipAccounts.
func (r *JitoRelay) Connect(ctx context.Context) error {
	var accounts []string
	if err := r.call(ctx, "getTipAccounts", []any{}, &accounts); err != nil {
		return fmt.Errorf("connect relay: %w", err)
	}
	if len(accounts) == 0 {
		return fmt.Errorf("connect relay: %w: no tip accounts advertised", ErrRelayUnreachable)
	}
	return nil
}

// SendBundle implements Relay.
func (r *JitoRelay) SendBundle(ctx context.Context, transactions []string) (string, error) {
	params := []any{transactions, map[string]string{"encoding": "base64"}}

	var bundleID string
	if err := r.call(ctx, "sendBundle", params, &bundleID); err != nil {
		return "", err
	}
	if bundleID == "" {
		return "", fmt.Errorf("sendBundle: empty bundle id")
	}
	return bundleID, nil
}

// Close releases idle connections.
func (r *JitoRelay) Close() error {
	return r.client.Close()
}

// call runs one JSON-RPC method and classifies the failure: a caller
// cancellation, an unreachable engine, an RPC rejection or an HTTP status.
func (r *JitoRelay) call(ctx context.Context, method string, params []any, out any) error {
	err := r.client.CallForInto(ctx, out, method, params)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%s: %w", method, &RPCError{Code: rpcErr.Code, Message: rpcErr.Message})
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("%s: http status %d", method, httpErr.Code)
	}
	if isTransportError(err) {
		return fmt.Errorf("%s: %w: %w", method, ErrRelayUnreachable, err)
	}
	return fmt.Errorf("%s: %w", method, err)
}

func isTransportError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
