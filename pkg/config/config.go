// Package config loads the service configuration: code defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/darkwingducks/darkwing/pkg/domain"
	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRPCURL       = "https://api.mainnet-beta.solana.com"
	DefaultEngineURL    = "https://amsterdam.mainnet.block-engine.jito.wtf"
	DefaultRangeAPIURL  = "https://api.range.org/v1"
	DefaultTipAccount   = "96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5"
	DefaultKeypairPath  = "security/relayer-keypair.json"
	DefaultExplorerBase = "https://explorer.jito.wtf/bundle"

	heliusRPCTemplate = "https://mainnet.helius-rpc.com/?api-key=%s"
)

// Config holds the service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Chain      ChainConfig      `yaml:"chain"`
	Relay      RelayConfig      `yaml:"relay"`
	Compliance ComplianceConfig `yaml:"compliance"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Fee        FeeConfig        `yaml:"fee"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that sets them.
	TrustProxy bool      `yaml:"trust_proxy" env:"SERVER_TRUST_PROXY"`
	TLS        TLSConfig `yaml:"tls"`
}

// ChainConfig holds Solana RPC and signing settings.
type ChainConfig struct {
	RPCURL           string        `yaml:"rpc_url" env:"RPC_URL"`
	HeliusAPIKey     string        `yaml:"helius_api_key" env:"HELIUS_API_KEY"`
	KeypairPath      string        `yaml:"keypair_path" env:"RELAYER_KEYPAIR_PATH"`
	BlockhashTimeout time.Duration `yaml:"blockhash_timeout" env:"BLOCKHASH_TIMEOUT"`
}

// RelayConfig holds block engine settings.
type RelayConfig struct {
	EngineURL       string        `yaml:"engine_url" env:"JITO_ENGINE_URL"`
	AuthUUID        string        `yaml:"auth_uuid" env:"JITO_AUTH_UUID"`
	TipAccount      string        `yaml:"tip_account" env:"JITO_TIP_ACCOUNT"`
	Timeout         time.Duration `yaml:"timeout" env:"RELAY_TIMEOUT"`
	ExplorerBaseURL string        `yaml:"explorer_base_url" env:"EXPLORER_BASE_URL"`
}

// ComplianceConfig holds wallet screening settings.
type ComplianceConfig struct {
	APIURL        string        `yaml:"api_url" env:"RANGE_API_URL"`
	APIKey        string        `yaml:"api_key" env:"RANGE_API_KEY"`
	Enabled       bool          `yaml:"enabled" env:"RANGE_ENABLED"`
	Fallback      string        `yaml:"fallback" env:"COMPLIANCE_FALLBACK"`
	RiskThreshold float64       `yaml:"risk_threshold" env:"COMPLIANCE_RISK_THRESHOLD"`
	PolicyFile    string        `yaml:"policy_file" env:"COMPLIANCE_POLICY_FILE"`
	Timeout       time.Duration `yaml:"timeout" env:"COMPLIANCE_TIMEOUT"`
}

// RateLimitConfig holds admission control settings.
type RateLimitConfig struct {
	Requests   int    `yaml:"requests" env:"RATE_LIMIT_REQUESTS"`
	WindowSecs int    `yaml:"window_secs" env:"RATE_LIMIT_WINDOW_SECS"`
	RedisURL   string `yaml:"redis_url" env:"REDIS_URL"`
}

// Window returns the window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSecs) * time.Second
}

// FeeConfig holds the protection fee.
type FeeConfig struct {
	Lamports uint64 `yaml:"lamports" env:"PROTECTION_FEE_LAMPORTS"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure     bool   `yaml:"insecure" env:"OTLP_INSECURE"`
	Environment  string `yaml:"environment" env:"DEPLOYMENT_ENVIRONMENT"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"LOG_PRETTY"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:           DefaultRPCURL,
			KeypairPath:      DefaultKeypairPath,
			BlockhashTimeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			EngineURL:       DefaultEngineURL,
			TipAccount:      DefaultTipAccount,
			Timeout:         10 * time.Second,
			ExplorerBaseURL: DefaultExplorerBase,
		},
		Compliance: ComplianceConfig{
			APIURL:   DefaultRangeAPIURL,
			Enabled:  true,
			Fallback: "open",
			Timeout:  5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Requests:   10,
			WindowSecs: 60,
		},
		Fee: FeeConfig{
			Lamports: 1_000_000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path (optional) and the process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment. A nil environ reads the
// process environment.
func LoadWithEnv(path string, environ map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("%w: environment: %w", domain.ErrConfigInvalid, err)
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func readFile(path string, cfg *Config) error {
	//nolint:gosec // Config file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: parse config file %s: %w", domain.ErrConfigInvalid, path, err)
	}
	return nil
}

// applyDerived fills values computed from other settings. A Helius API key
// takes precedence over RPC_URL.
func (c *Config) applyDerived() {
	if key := strings.TrimSpace(c.Chain.HeliusAPIKey); key != "" {
		c.Chain.RPCURL = fmt.Sprintf(heliusRPCTemplate, url.QueryEscape(key))
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

// IsHeliusEnabled reports whether the RPC endpoint is a Helius node.
func (c *Config) IsHeliusEnabled() bool {
	return c.Chain.HeliusAPIKey != "" || strings.Contains(c.Chain.RPCURL, "helius")
}

// ListenAddress returns host:port for the HTTP server.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// TipAccount returns the parsed fee collection account.
func (c *Config) TipAccount() (solana.PublicKey, error) {
	return solana.PublicKeyFromBase58(c.Relay.TipAccount)
}

// Validate checks every setting. Errors wrap domain.ErrConfigInvalid.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	return nil
}

func (c *Config) validate() error {
	if err := validateHTTPURL("chain.rpc_url", c.Chain.RPCURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.Chain.KeypairPath) == "" {
		return NewConfigMissingError("chain.keypair_path")
	}
	if err := validateHTTPURL("relay.engine_url", c.Relay.EngineURL); err != nil {
		return err
	}
	if _, err := c.TipAccount(); err != nil {
		return NewConfigValidationError("relay.tip_account", c.Relay.TipAccount, "must be a base58 Solana public key")
	}
	if err := validateHTTPURL("relay.explorer_base_url", c.Relay.ExplorerBaseURL); err != nil {
		return err
	}
	if c.Relay.Timeout <= 0 {
		return NewConfigValidationError("relay.timeout", c.Relay.Timeout, "must be positive")
	}

	if c.Compliance.Enabled {
		if err := validateHTTPURL("compliance.api_url", c.Compliance.APIURL); err != nil {
			return err
		}
	}
	switch c.Compliance.Fallback {
	case "open", "closed":
	default:
		return NewConfigValidationError("compliance.fallback", c.Compliance.Fallback, "must be open or closed")
	}
	if c.Compliance.RiskThreshold < 0 {
		return NewConfigValidationError("compliance.risk_threshold", c.Compliance.RiskThreshold, "must not be negative")
	}

	if c.RateLimit.Requests <= 0 {
		return NewConfigValidationError("rate_limit.requests", c.RateLimit.Requests, "rate limit must be > 0")
	}
	if c.RateLimit.WindowSecs <= 0 {
		return NewConfigValidationError("rate_limit.window_secs", c.RateLimit.WindowSecs, "window must be > 0")
	}
	if c.RateLimit.RedisURL != "" && !strings.HasPrefix(c.RateLimit.RedisURL, "redis://") && !strings.HasPrefix(c.RateLimit.RedisURL, "rediss://") {
		return NewConfigValidationError("rate_limit.redis_url", c.RateLimit.RedisURL, "must be a redis:// or rediss:// URL")
	}

	if c.Fee.Lamports == 0 {
		return NewConfigValidationError("fee.lamports", c.Fee.Lamports, "must be greater than zero")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigValidationError("server.port", c.Server.Port, "must be between 1 and 65535")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return NewConfigValidationError("logging.level", c.Logging.Level, "supported levels: debug, info, warn, error")
	}
	return nil
}

func validateHTTPURL(field, raw string) error {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return NewConfigValidationError(field, raw, "must start with http:// or https://")
	}
	if _, err := url.Parse(raw); err != nil {
		return NewConfigValidationError(field, raw, err.Error())
	}
	return nil
}

// Mutable is the subset of the configuration applied without a restart.
type Mutable struct {
	ComplianceEnabled  bool
	ComplianceFallback string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
}

// Mutable extracts the hot-reloadable settings.
func (c *Config) Mutable() Mutable {
	return Mutable{
		ComplianceEnabled:  c.Compliance.Enabled,
		ComplianceFallback: c.Compliance.Fallback,
		RateLimitRequests:  c.RateLimit.Requests,
		RateLimitWindow:    c.RateLimit.Window(),
	}
}
