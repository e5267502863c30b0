// Package config provides configuration loading for the hub.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds all hub configuration.
type Config struct {
	// Listen address (default ":8443")
	ListenAddr string `json:"listen_addr"`
	// Data directory for the SQLite database (default "/var/lib/sondehub")
	DataDir string `json:"data_dir"`

	// External URL handed to enrolling agents
	// (e.g. https://hub.example.com:8443)
	HubURL string `json:"hub_url,omitempty"`

	// Hub secret: root of the HKDF tree the secrets cipher derives from.
	// Required for integration credentials and the CA key at rest.
	HubSecret string `json:"hub_secret,omitempty"`

	// TLS serving keypair. When unset the hub serves plaintext HTTP,
	// which is only sensible behind a terminating proxy.
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`

	// Pepper mixed into API key fingerprints
	APIKeyPepper string `json:"api_key_pepper,omitempty"`

	// Directory of operator-defined YAML runbooks
	RunbookDir string `json:"runbook_dir,omitempty"`

	// OTLP gRPC endpoint for traces; empty disables tracing
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8443",
		DataDir:    "/var/lib/sondehub",
		LogLevel:   "info",
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SONDE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SONDE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SONDE_HUB_URL"); v != "" {
		cfg.HubURL = v
	}
	if v := os.Getenv("SONDE_HUB_SECRET"); v != "" {
		cfg.HubSecret = v
	}
	if v := os.Getenv("SONDE_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("SONDE_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("SONDE_API_KEY_PEPPER"); v != "" {
		cfg.APIKeyPepper = v
	}
	if v := os.Getenv("SONDE_RUNBOOK_DIR"); v != "" {
		cfg.RunbookDir = v
	}
	if v := os.Getenv("SONDE_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("SONDE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// DBPath returns the SQLite database path under the data directory.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "hub.db")
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Validate checks the parts that have no workable default.
func (c Config) Validate() error {
	if c.HubSecret == "" {
		return fmt.Errorf("hub_secret is required (or set SONDE_HUB_SECRET)")
	}
	return nil
}
