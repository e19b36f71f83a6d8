package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values.
type Flags struct {
	ConfigPath   string
	Host         string
	Port         int
	Security     string
	Username     string
	PasswordFile string
	LogLevel     string
	Timeout      string
	Insecure     bool
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "./pop3.toml", "Path to configuration file")
	flag.StringVar(&f.Host, "host", "", "Server host")
	flag.IntVar(&f.Port, "port", 0, "Server port (0 = default for the security mode)")
	flag.StringVar(&f.Security, "security", "", "Security mode (none, ssl, starttls, starttls-when-available, auto)")
	flag.StringVar(&f.Username, "user", "", "Username")
	flag.StringVar(&f.PasswordFile, "password-file", "", "File containing the password (POP3_PASSWORD env otherwise)")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.Timeout, "timeout", "", "Per-I/O timeout (e.g. 30s)")
	flag.BoolVar(&f.Insecure, "insecure", false, "Skip TLS certificate verification")

	flag.Parse()
	return f
}

// Load parses a TOML configuration file and returns the Config.
// If the file does not exist, returns the default configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyFlags merges command-line flag values into the config.
// Non-zero/non-empty flag values override config file values.
func ApplyFlags(cfg Config, f *Flags) Config {
	if f.Host != "" {
		cfg.Host = f.Host
	}

	if f.Port > 0 {
		cfg.Port = f.Port
	}

	if f.Security != "" {
		cfg.Security = SecurityMode(f.Security)
	}

	if f.Username != "" {
		cfg.Username = f.Username
	}

	if f.PasswordFile != "" {
		cfg.PasswordFile = f.PasswordFile
	}

	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	if f.Timeout != "" {
		cfg.Timeout = f.Timeout
	}

	if f.Insecure {
		cfg.TLS.InsecureSkipVerify = true
	}

	return cfg
}

// LoadWithFlags loads configuration from the path specified in flags,
// then applies flag overrides.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg, err := Load(f.ConfigPath)
	if err != nil {
		return cfg, err
	}
	return ApplyFlags(cfg, f), nil
}
