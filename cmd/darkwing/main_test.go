package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/darkwingducks/darkwing/internal/governance"
	"github.com/darkwingducks/darkwing/pkg/chain"
	"github.com/darkwingducks/darkwing/pkg/chain/chaintest"
	"github.com/darkwingducks/darkwing/pkg/compliance"
	"github.com/darkwingducks/darkwing/pkg/config"
	"github.com/darkwingducks/darkwing/pkg/domain"
	"github.com/darkwingducks/darkwing/pkg/relay"
	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScreeningServer(t *testing.T, flagged bool) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(compliance.ScreeningResult{
			Address: r.URL.Query().Get("address"),
			Flagged: flagged,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testConfig(t *testing.T, screeningURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Compliance.APIURL = screeningURL
	cfg.Server.Port = 0
	return &cfg
}

func testDeps(t *testing.T, rel relay.Relay) dependencies {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	signer, err := chain.NewKeypairSigner(key)
	require.NoError(t, err)
	return dependencies{reader: &chaintest.SequenceReader{}, relay: rel, signer: signer}
}

func protect(t *testing.T, svc *service, encoded string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(domain.ProtectRequest{EncodedTransaction: encoded})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/protect", bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.10:40000"
	rec := httptest.NewRecorder()
	svc.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestBuildService_ProtectsTransaction(t *testing.T) {
	screening, calls := newScreeningServer(t, false)
	rel := relay.NewMemoryRelay("")
	svc, err := buildService(context.Background(), testConfig(t, screening.URL), zerolog.Nop(), testDeps(t, rel))
	require.NoError(t, err)
	defer svc.close()

	encoded, _ := chaintest.EncodedTransfer(t, 5_000)
	rec := protect(t, svc, encoded)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.ProtectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.StatusSecured, resp.Status)
	assert.Equal(t, "bundle-000001", resp.BundleID)
	assert.Equal(t, config.DefaultExplorerBase+"/bundle-000001", resp.ExplorerURL)

	assert.Equal(t, int64(1), calls.Load())
	require.Len(t, rel.Bundles(), 1)
	assert.Equal(t, encoded, rel.Bundles()[0][0])
	assert.True(t, svc.submitter.Healthy())
}

func TestBuildService_RejectsFlaggedWallet(t *testing.T) {
	screening, _ := newScreeningServer(t, true)
	rel := relay.NewMemoryRelay("")
	svc, err := buildService(context.Background(), testConfig(t, screening.URL), zerolog.Nop(), testDeps(t, rel))
	require.NoError(t, err)
	defer svc.close()

	encoded, _ := chaintest.EncodedTransfer(t, 5_000)
	rec := protect(t, svc, encoded)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, rel.Calls())
}

func TestBuildService_RedisRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	screening, _ := newScreeningServer(t, false)
	cfg := testConfig(t, screening.URL)
	cfg.RateLimit.RedisURL = "redis://" + mr.Addr()
	cfg.RateLimit.Requests = 2

	svc, err := buildService(context.Background(), cfg, zerolog.Nop(), testDeps(t, relay.NewMemoryRelay("")))
	require.NoError(t, err)
	defer svc.close()

	for i := 0; i < 2; i++ {
		encoded, _ := chaintest.EncodedTransfer(t, 5_000)
		require.Equal(t, http.StatusOK, protect(t, svc, encoded).Code)
	}
	encoded, _ := chaintest.EncodedTransfer(t, 5_000)
	rec := protect(t, svc, encoded)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.True(t, mr.Exists("darkwing:ratelimit:192.0.2.10"))
}

func TestBuildService_MalformedBodiesChargeBudget(t *testing.T) {
	screening, calls := newScreeningServer(t, false)
	cfg := testConfig(t, screening.URL)
	cfg.RateLimit.Requests = 2

	rel := relay.NewMemoryRelay("")
	svc, err := buildService(context.Background(), cfg, zerolog.Nop(), testDeps(t, rel))
	require.NoError(t, err)
	defer svc.close()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/protect", strings.NewReader(body))
		req.RemoteAddr = "192.0.2.10:40000"
		rec := httptest.NewRecorder()
		svc.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"encoded_transaction":`).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(`not json`).Code)

	encoded, _ := chaintest.EncodedTransfer(t, 5_000)
	assert.Equal(t, http.StatusTooManyRequests, protect(t, svc, encoded).Code)
	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, 0, rel.Calls())
}

func TestBuildService_RejectsBadPolicyFile(t *testing.T) {
	screening, _ := newScreeningServer(t, false)
	cfg := testConfig(t, screening.URL)
	cfg.Compliance.PolicyFile = filepath.Join(t.TempDir(), "policy.rego")
	require.NoError(t, os.WriteFile(cfg.Compliance.PolicyFile, []byte("package darkwing.compliance\nallow if {"), 0o600))

	_, err := buildService(context.Background(), cfg, zerolog.Nop(), testDeps(t, relay.NewMemoryRelay("")))
	require.Error(t, err)
}

func TestApplyMutable(t *testing.T) {
	screening, _ := newScreeningServer(t, false)
	svc, err := buildService(context.Background(), testConfig(t, screening.URL), zerolog.Nop(), testDeps(t, relay.NewMemoryRelay("")))
	require.NoError(t, err)
	defer svc.close()

	require.NoError(t, svc.applyMutable(config.Mutable{
		ComplianceEnabled:  false,
		ComplianceFallback: "closed",
		RateLimitRequests:  3,
		RateLimitWindow:    30 * time.Second,
	}))
	assert.False(t, svc.gate.Enabled())
	assert.Equal(t, compliance.FallbackClosed, svc.gate.Fallback())
	assert.Equal(t, governance.RateLimiterConfig{MaxRequests: 3, Window: 30 * time.Second}, svc.limiter.Config())

	err = svc.applyMutable(config.Mutable{ComplianceEnabled: true, ComplianceFallback: "sideways", RateLimitRequests: 5, RateLimitWindow: time.Minute})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.False(t, svc.gate.Enabled(), "rejected settings must not be partially applied")
	assert.Equal(t, 3, svc.limiter.Config().MaxRequests)
}

type slowReader struct{}

func (slowReader) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	<-ctx.Done()
	return solana.Hash{}, ctx.Err()
}

func TestTimeoutReader_BoundsFetch(t *testing.T) {
	reader := timeoutReader{
		reader:   slowReader{},
		timeouts: governance.NewTimeoutManager(governance.TimeoutConfig{Blockhash: 20 * time.Millisecond}),
	}
	start := time.Now()
	_, err := reader.LatestBlockhash(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayer.json")

	out, err := runCmd(t, "keygen", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "created keypair")

	key, err := chain.LoadKeypair(path)
	require.NoError(t, err)
	assert.Contains(t, out, key.PublicKey().String())

	out, err = runCmd(t, "keygen", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "existing keypair")
}

func TestKeygenCommand_DefaultsToConfiguredPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "from-env.json")
	t.Setenv("RELAYER_KEYPAIR_PATH", path)

	out, err := runCmd(t, "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, "created keypair "+path)
	_, err = chain.LoadKeypair(path)
	require.NoError(t, err)

	cfgPath := filepath.Join(t.TempDir(), "darkwing.yaml")
	filePath := filepath.Join(t.TempDir(), "from-file.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte("chain:\n  keypair_path: "+filePath+"\n"), 0o600))
	t.Setenv("RELAYER_KEYPAIR_PATH", "")
	require.NoError(t, os.Unsetenv("RELAYER_KEYPAIR_PATH"))

	out, err = runCmd(t, "keygen", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "created keypair "+filePath)
}

func TestConfigValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "darkwing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chain:\n  helius_api_key: abc123\nserver:\n  port: 9090\n"), 0o600))

	out, err := runCmd(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration valid")
	assert.Contains(t, out, "is_helius_enabled: true")
	assert.Contains(t, out, "listen: 127.0.0.1:9090")

	require.NoError(t, os.WriteFile(path, []byte("rate_limit:\n  requests: 0\n"), 0o600))
	_, err = runCmd(t, "config", "validate", "--config", path)
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestVersionCommand(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "darkwing "+version))
}
