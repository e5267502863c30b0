// Package datadog is the Datadog integration pack. It reads monitor
// states, recent events and monitor search results through the v1 API
// using API + application key headers.
package datadog

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/integrations"
)

const defaultEndpoint = "https://api.datadoghq.com"

// Pack implements the Datadog integration.
type Pack struct{}

// New returns the pack.
func New() Pack { return Pack{} }

// Manifest describes the pack.
func (Pack) Manifest() integrations.Manifest {
	return integrations.Manifest{
		Name:        "datadog",
		Type:        "datadog",
		Version:     "1.0.0",
		Description: "Datadog monitors and event stream",
		Probes: []integrations.ProbeSpec{
			{
				Name:        "datadog.monitors",
				Description: "List monitors and summarise alert states",
				Capability:  "read",
				Params: []integrations.ParamSpec{
					{Name: "tag", Description: "restrict to monitors with this tag"},
				},
			},
			{
				Name:        "datadog.events",
				Description: "Events from the last hour (or window_minutes)",
				Capability:  "read",
				Params: []integrations.ParamSpec{
					{Name: "window_minutes", Description: "lookback window, default 60"},
				},
			},
			{
				Name:        "datadog.search",
				Description: "Search monitors by query string",
				Capability:  "read",
				Params: []integrations.ParamSpec{
					{Name: "query", Required: true, Description: "monitor search query"},
				},
			},
		},
		Runbook: &integrations.RunbookManifest{
			Category: "datadog-health",
			Probes:   []string{"datadog.monitors", "datadog.events"},
			Parallel: true,
		},
	}
}

// Handlers exports the probe handlers.
func (Pack) Handlers() map[string]integrations.Handler {
	return map[string]integrations.Handler{
		"datadog.monitors": handleMonitors,
		"datadog.events":   handleEvents,
		"datadog.search":   handleSearch,
	}
}

// TestConnection validates the API key pair.
func (Pack) TestConnection(ctx context.Context, cfg integrations.Config, creds integrations.Credentials, fetch integrations.Fetch) error {
	resp, err := fetch(ctx, endpoint(cfg)+"/api/v1/validate", integrations.FetchOptions{Headers: authHeaders(creds)})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("key validation returned HTTP %d", resp.Status)
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := resp.JSON(&out); err != nil {
		return fmt.Errorf("decode validation response: %w", err)
	}
	if !out.Valid {
		return fmt.Errorf("API key rejected")
	}
	return nil
}

type monitor struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	OverallState string   `json:"overall_state"`
	Tags         []string `json:"tags"`
}

func handleMonitors(ctx context.Context, params map[string]any, cfg integrations.Config, creds integrations.Credentials, fetch integrations.Fetch) (any, error) {
	u := endpoint(cfg) + "/api/v1/monitor"
	if tag, _ := params["tag"].(string); tag != "" {
		u += "?monitor_tags=" + url.QueryEscape(tag)
	}

	resp, err := fetch(ctx, u, integrations.FetchOptions{Headers: authHeaders(creds)})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("monitor list returned HTTP %d", resp.Status)
	}

	var monitors []monitor
	if err := resp.JSON(&monitors); err != nil {
		return nil, fmt.Errorf("decode monitors: %w", err)
	}

	byState := map[string]int{}
	var alerting []map[string]any
	for _, m := range monitors {
		state := strings.ToLower(m.OverallState)
		byState[state]++
		if state == "alert" || state == "warn" {
			alerting = append(alerting, map[string]any{
				"id": m.ID, "name": m.Name, "state": state,
			})
		}
	}
	return map[string]any{
		"total":    len(monitors),
		"by_state": byState,
		"alerting": alerting,
	}, nil
}

func handleEvents(ctx context.Context, params map[string]any, cfg integrations.Config, creds integrations.Credentials, fetch integrations.Fetch) (any, error) {
	window := intParam(params, "window_minutes", 60)
	end := time.Now().Unix()
	start := end - int64(window)*60

	u := fmt.Sprintf("%s/api/v1/events?start=%d&end=%d", endpoint(cfg), start, end)
	resp, err := fetch(ctx, u, integrations.FetchOptions{Headers: authHeaders(creds)})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("event stream returned HTTP %d", resp.Status)
	}

	var out struct {
		Events []struct {
			Title     string `json:"title"`
			AlertType string `json:"alert_type"`
			Host      string `json:"host"`
		} `json:"events"`
	}
	if err := resp.JSON(&out); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}

	byType := map[string]int{}
	for _, evt := range out.Events {
		if evt.AlertType == "" {
			evt.AlertType = "info"
		}
		byType[evt.AlertType]++
	}
	return map[string]any{
		"window_minutes": window,
		"total":          len(out.Events),
		"by_alert_type":  byType,
	}, nil
}

func handleSearch(ctx context.Context, params map[string]any, cfg integrations.Config, creds integrations.Credentials, fetch integrations.Fetch) (any, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, huberr.New(huberr.Validation, "query parameter is required")
	}

	u := endpoint(cfg) + "/api/v1/monitor/search?query=" + url.QueryEscape(query)
	resp, err := fetch(ctx, u, integrations.FetchOptions{Headers: authHeaders(creds)})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("monitor search returned HTTP %d", resp.Status)
	}

	var out struct {
		Monitors []monitor `json:"monitors"`
		Metadata struct {
			TotalCount int `json:"total_count"`
		} `json:"metadata"`
	}
	if err := resp.JSON(&out); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	return map[string]any{
		"query":       query,
		"total_count": out.Metadata.TotalCount,
		"monitors":    out.Monitors,
	}, nil
}

func endpoint(cfg integrations.Config) string {
	if cfg.Endpoint == "" {
		return defaultEndpoint
	}
	return strings.TrimSuffix(cfg.Endpoint, "/")
}

func authHeaders(creds integrations.Credentials) map[string]string {
	return map[string]string{
		"DD-API-KEY":         creds.APIKey,
		"DD-APPLICATION-KEY": creds.AppKey,
	}
}

func intParam(params map[string]any, name string, fallback int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}
