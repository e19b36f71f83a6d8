// Package config provides configuration management for the POP3
// command-line client.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/infodancer/pop3"
)

// SecurityMode selects how the connection is protected.
type SecurityMode string

const (
	// ModeNone is plaintext POP3 with no TLS attempt.
	ModeNone SecurityMode = "none"
	// ModeSSL is implicit TLS on connect (POP3S, port 995).
	ModeSSL SecurityMode = "ssl"
	// ModeStartTLS requires an STLS upgrade on the plain port.
	ModeStartTLS SecurityMode = "starttls"
	// ModeStartTLSWhenAvailable upgrades when the server offers STLS.
	ModeStartTLSWhenAvailable SecurityMode = "starttls-when-available"
	// ModeAuto infers the mode from the port.
	ModeAuto SecurityMode = "auto"
)

// Config holds the client configuration.
type Config struct {
	Host          string       `toml:"host"`
	Port          int          `toml:"port"`
	Security      SecurityMode `toml:"security"`
	Username      string       `toml:"username"`
	PasswordFile  string       `toml:"password_file"`
	LogLevel      string       `toml:"log_level"`
	Timeout       string       `toml:"timeout"`
	RedactSecrets bool         `toml:"redact_secrets"`
	TLS           TLSConfig    `toml:"tls"`
}

// TLSConfig holds TLS version and verification settings.
type TLSConfig struct {
	MinVersion         string `toml:"min_version"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Security:      ModeAuto,
		LogLevel:      "info",
		Timeout:       "2m",
		RedactSecrets: true,
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
	}
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if !isValidMode(c.Security) {
		return fmt.Errorf("invalid security mode %q", c.Security)
	}

	if c.Timeout != "" {
		if _, err := time.ParseDuration(c.Timeout); err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.0, 1.1, 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	return nil
}

// ClientSecurity maps the configured mode to the client library's security
// setting.
func (c *Config) ClientSecurity() pop3.Security {
	switch c.Security {
	case ModeNone:
		return pop3.SecurityNone
	case ModeSSL:
		return pop3.SecuritySSLOnConnect
	case ModeStartTLS:
		return pop3.SecurityStartTLS
	case ModeStartTLSWhenAvailable:
		return pop3.SecurityStartTLSWhenAvailable
	default:
		return pop3.SecurityAuto
	}
}

// IOTimeout returns the per-I/O timeout as a time.Duration.
// Returns 2 minutes if not configured or invalid.
func (c *Config) IOTimeout() time.Duration {
	if c.Timeout == "" {
		return 2 * time.Minute
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum
// TLS version. Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// Build returns the tls.Config for the connection.
func (c *TLSConfig) Build() *tls.Config {
	return &tls.Config{
		MinVersion:         c.MinTLSVersion(),
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

var minTLSVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m SecurityMode) bool {
	switch m {
	case ModeNone, ModeSSL, ModeStartTLS, ModeStartTLSWhenAvailable, ModeAuto:
		return true
	default:
		return false
	}
}
