// Package httpcheck is the built-in generic HTTP integration pack. It
// probes arbitrary endpoints: http.get fetches a URL and returns the
// decoded body, http.status only reports reachability and latency.
package httpcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/integrations"
)

// Pack implements the httpcheck integration.
type Pack struct{}

// New returns the pack.
func New() Pack { return Pack{} }

// Manifest describes the pack.
func (Pack) Manifest() integrations.Manifest {
	return integrations.Manifest{
		Name:        "httpcheck",
		Type:        "http",
		Version:     "1.0.0",
		Description: "Generic HTTP endpoint checks",
		Probes: []integrations.ProbeSpec{
			{
				Name:        "http.get",
				Description: "GET a path and return the response body",
				Capability:  "read",
				Params: []integrations.ParamSpec{
					{Name: "path", Description: "path appended to the endpoint, default /"},
				},
			},
			{
				Name:        "http.status",
				Description: "Report status code and latency for a path",
				Capability:  "read",
				Params: []integrations.ParamSpec{
					{Name: "path", Description: "path appended to the endpoint, default /"},
					{Name: "expect_status", Description: "status code treated as healthy, default 200"},
				},
			},
		},
		Runbook: &integrations.RunbookManifest{
			Category: "http-health",
			Probes:   []string{"http.status"},
		},
	}
}

// Handlers exports the probe handlers.
func (Pack) Handlers() map[string]integrations.Handler {
	return map[string]integrations.Handler{
		"http.get":    handleGet,
		"http.status": handleStatus,
	}
}

// TestConnection fetches the endpoint root.
func (Pack) TestConnection(ctx context.Context, cfg integrations.Config, creds integrations.Credentials, fetch integrations.Fetch) error {
	resp, err := fetch(ctx, cfg.Endpoint, integrations.FetchOptions{Headers: requestHeaders(cfg, creds)})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("endpoint returned HTTP %d", resp.Status)
	}
	return nil
}

func handleGet(ctx context.Context, params map[string]any, cfg integrations.Config, creds integrations.Credentials, fetch integrations.Fetch) (any, error) {
	url, err := targetURL(cfg, params)
	if err != nil {
		return nil, err
	}

	resp, err := fetch(ctx, url, integrations.FetchOptions{Headers: requestHeaders(cfg, creds)})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("GET %s returned HTTP %d", url, resp.Status)
	}

	// Pass JSON through decoded; anything else comes back as text.
	var body any
	if err := resp.JSON(&body); err != nil {
		body = string(resp.Body())
	}
	return map[string]any{"status": resp.Status, "body": body}, nil
}

func handleStatus(ctx context.Context, params map[string]any, cfg integrations.Config, creds integrations.Credentials, fetch integrations.Fetch) (any, error) {
	url, err := targetURL(cfg, params)
	if err != nil {
		return nil, err
	}
	expect := intParam(params, "expect_status", 200)

	start := time.Now()
	resp, err := fetch(ctx, url, integrations.FetchOptions{Headers: requestHeaders(cfg, creds)})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}
	if resp.Status != expect {
		return nil, fmt.Errorf("%s returned HTTP %d, expected %d", url, resp.Status, expect)
	}
	return map[string]any{"status": resp.Status, "latency_ms": latency}, nil
}

func targetURL(cfg integrations.Config, params map[string]any) (string, error) {
	if cfg.Endpoint == "" {
		return "", huberr.New(huberr.Validation, "integration has no endpoint configured")
	}
	path, _ := params["path"].(string)
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimSuffix(cfg.Endpoint, "/") + path, nil
}

func requestHeaders(cfg integrations.Config, creds integrations.Credentials) map[string]string {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if creds.APIKey != "" {
		headers["Authorization"] = "Bearer " + creds.APIKey
	}
	return headers
}

// intParam reads an integer probe parameter. JSON numbers arrive as
// float64, manifests may carry json.Number.
func intParam(params map[string]any, name string, fallback int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
