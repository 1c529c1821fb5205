package config

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

// NewConfigMissingError reports a required field left empty.
func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

// NewConfigValidationError reports an invalid value.
func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSConfig enables HTTPS on the API listener.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile   string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile    string `yaml:"key_file" env:"TLS_KEY_FILE"`
	MinVersion string `yaml:"min_version,omitempty" env:"TLS_MIN_VERSION"`
}

// Validate checks the TLS settings when enabled.
func (c TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.CertFile) == "" {
		return NewConfigMissingError("server.tls.cert_file")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return NewConfigMissingError("server.tls.key_file")
	}
	if _, err := ParseTLSVersion(c.MinVersion); err != nil {
		return NewConfigValidationError("server.tls.min_version", c.MinVersion, err.Error())
	}
	return nil
}

// ParseTLSVersion maps "1.2" or "1.3" to the crypto/tls constant. Empty
// selects TLS 1.2; older versions are refused.
func ParseTLSVersion(version string) (uint16, error) {
	switch strings.TrimSpace(version) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q, supported: 1.2, 1.3", version)
	}
}

// ServerTLSConfig builds the listener tls.Config. Certificates are loaded by
// the server from CertFile and KeyFile.
func (c TLSConfig) ServerTLSConfig() (*tls.Config, error) {
	minVersion, err := ParseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	return &tls.Config{MinVersion: minVersion}, nil
}
