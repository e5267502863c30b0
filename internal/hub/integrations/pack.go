// Package integrations executes probes against third-party services
// through in-process packs. A pack bundles a manifest, probe handlers
// and a connection test; the executor owns decryption, HTTP policy and
// failure normalisation so packs stay small.
package integrations

import "context"

// Manifest describes a pack and the probes it exports.
type Manifest struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"` // integration type key, e.g. "datadog"
	Version     string      `json:"version"`
	Description string      `json:"description"`
	Probes      []ProbeSpec `json:"probes"`

	// Runbook, when set, registers a manifest runbook built from this
	// pack's probes.
	Runbook *RunbookManifest `json:"runbook,omitempty"`
}

// ProbeSpec declares one probe a pack exports.
type ProbeSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Capability  string      `json:"capability"` // read or act
	Params      []ParamSpec `json:"params,omitempty"`
	TimeoutSec  int         `json:"timeout_seconds,omitempty"`
}

// ParamSpec declares a probe parameter.
type ParamSpec struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// RunbookManifest declares a simple runbook over a pack's probes.
type RunbookManifest struct {
	Category string   `json:"category"`
	Probes   []string `json:"probes"`
	Parallel bool     `json:"parallel"`
}

// Config is the non-secret half of a decrypted integration config.
type Config struct {
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
	Options  map[string]any    `json:"options,omitempty"`
}

// Credentials is the secret half. OAuth is populated by the executor
// with the per-integration token cache when the pack uses bearer flows.
type Credentials struct {
	APIKey       string `json:"api_key,omitempty"`
	AppKey       string `json:"app_key,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`

	OAuth *OAuthCache `json:"-"`
}

// configDocument is the full plaintext stored encrypted at rest.
type configDocument struct {
	Config
	Credentials Credentials `json:"credentials"`
}

// Handler executes one probe against the integration endpoint.
type Handler func(ctx context.Context, params map[string]any, cfg Config, creds Credentials, fetch Fetch) (any, error)

// Pack is the capability set an integration pack implements.
type Pack interface {
	Manifest() Manifest
	Handlers() map[string]Handler
	TestConnection(ctx context.Context, cfg Config, creds Credentials, fetch Fetch) error
}
