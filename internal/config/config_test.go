package config

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/infodancer/pop3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Security != ModeAuto {
		t.Errorf("Security = %q, want %q", cfg.Security, ModeAuto)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if !cfg.RedactSecrets {
		t.Error("RedactSecrets should default to true")
	}
	if got := cfg.IOTimeout(); got != 2*time.Minute {
		t.Errorf("IOTimeout() = %v, want 2m", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid defaults with host",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Host = "" },
			wantErr: true,
		},
		{
			name:    "negative port",
			mutate:  func(c *Config) { c.Port = -1 },
			wantErr: true,
		},
		{
			name:    "port too large",
			mutate:  func(c *Config) { c.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "invalid security mode",
			mutate:  func(c *Config) { c.Security = "tlsish" },
			wantErr: true,
		},
		{
			name:    "invalid timeout",
			mutate:  func(c *Config) { c.Timeout = "soon" },
			wantErr: true,
		},
		{
			name:    "invalid TLS min version",
			mutate:  func(c *Config) { c.TLS.MinVersion = "0.9" },
			wantErr: true,
		},
		{
			name:   "explicit port and mode",
			mutate: func(c *Config) { c.Port = 995; c.Security = ModeSSL },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Host = "mail.example"
			tt.mutate(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientSecurity(t *testing.T) {
	tests := []struct {
		mode SecurityMode
		want pop3.Security
	}{
		{ModeNone, pop3.SecurityNone},
		{ModeSSL, pop3.SecuritySSLOnConnect},
		{ModeStartTLS, pop3.SecurityStartTLS},
		{ModeStartTLSWhenAvailable, pop3.SecurityStartTLSWhenAvailable},
		{ModeAuto, pop3.SecurityAuto},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			cfg := Config{Security: tt.mode}
			if got := cfg.ClientSecurity(); got != tt.want {
				t.Errorf("ClientSecurity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMinTLSVersion(t *testing.T) {
	tests := []struct {
		version string
		want    uint16
	}{
		{"1.0", tls.VersionTLS10},
		{"1.2", tls.VersionTLS12},
		{"1.3", tls.VersionTLS13},
		{"", tls.VersionTLS12},
		{"bogus", tls.VersionTLS12},
	}

	for _, tt := range tests {
		c := TLSConfig{MinVersion: tt.version}
		if got := c.MinTLSVersion(); got != tt.want {
			t.Errorf("MinTLSVersion(%q) = %d, want %d", tt.version, got, tt.want)
		}
	}
}
