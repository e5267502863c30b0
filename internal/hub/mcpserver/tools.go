package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sonde-ops/sondehub/internal/hub/audit"
	"github.com/sonde-ops/sondehub/internal/hub/events"
	"github.com/sonde-ops/sondehub/internal/hub/store"
)

type listAgentsInput struct {
	Status string `json:"status,omitempty" jsonschema:"agent status filter: online, degraded, offline, or all"`
	Tag    string `json:"tag,omitempty" jsonschema:"optional tag filter"`
}

type agentInfoInput struct {
	Name string `json:"name" jsonschema:"agent name"`
}

type executeProbeInput struct {
	Probe  string         `json:"probe" jsonschema:"probe name, e.g. disk.usage or datadog.monitors"`
	Params map[string]any `json:"params,omitempty" jsonschema:"probe parameters"`
	Agent  string         `json:"agent,omitempty" jsonschema:"target agent name; empty routes to an integration or the hub"`
}

type runRunbookInput struct {
	Category string         `json:"category" jsonschema:"runbook category to run"`
	Params   map[string]any `json:"params,omitempty" jsonschema:"runbook parameters"`
}

type listCriticalPathsInput struct{}

type walkCriticalPathInput struct {
	Name   string         `json:"name" jsonschema:"critical path name or id"`
	Params map[string]any `json:"params,omitempty" jsonschema:"probe parameters applied to every step"`
}

type recentEventsInput struct {
	Limit int    `json:"limit,omitempty" jsonschema:"max events to return (default 50)"`
	Type  string `json:"type,omitempty" jsonschema:"optional event type filter, e.g. agent.connected"`
}

type trendingInput struct {
	Probe   string `json:"probe,omitempty" jsonschema:"return recent results for this probe instead of aggregates"`
	GroupBy string `json:"group_by,omitempty" jsonschema:"aggregate grouping: probe (default) or agent"`
	Limit   int    `json:"limit,omitempty" jsonschema:"max recent results (default 50)"`
}

type searchAuditInput struct {
	AgentID string `json:"agent_id,omitempty" jsonschema:"optional agent id filter"`
	Probe   string `json:"probe,omitempty" jsonschema:"optional probe name filter"`
	Status  string `json:"status,omitempty" jsonschema:"optional status filter: success, error, timeout"`
	Since   string `json:"since,omitempty" jsonschema:"optional RFC3339 timestamp filter"`
	Limit   int    `json:"limit,omitempty" jsonschema:"optional limit (default 50)"`
}

type verifyAuditInput struct{}

type agentSummary struct {
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	OS           string    `json:"os,omitempty"`
	AgentVersion string    `json:"agent_version,omitempty"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sonde_list_agents",
		Description: "List agents in the fleet with status/tag filtering",
	}, s.handleListAgents)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sonde_agent_info",
		Description: "Get detailed state for a specific agent",
	}, s.handleAgentInfo)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sonde_execute_probe",
		Description: "Execute a probe against an agent, an integration, or the hub",
	}, s.handleExecuteProbe)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sonde_run_runbook",
		Description: "Run a diagnostic runbook and return probes and findings",
	}, s.handleRunRunbook)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sonde_list_critical_paths",
		Description: "List critical paths and their step chains",
	}, s.handleListCriticalPaths)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sonde_walk_critical_path",
		Description: "Walk a critical path step by step and report where the chain breaks",
	}, s.handleWalkCriticalPath)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sonde_recent_events",
		Description: "Recent fleet events: connections, probe runs, runbook completions",
	}, s.handleRecentEvents)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sonde_trending",
		Description: "24h probe trends: aggregates by probe or agent, or recent results",
	}, s.handleTrending)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sonde_search_audit",
		Description: "Search the audit ledger",
	}, s.handleSearchAudit)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "sonde_verify_audit",
		Description: "Verify the audit ledger hash chain",
	}, s.handleVerifyAudit)
}

func (s *MCPServer) handleListAgents(_ context.Context, _ *mcp.CallToolRequest, input listAgentsInput) (*mcp.CallToolResult, any, error) {
	status := strings.ToLower(strings.TrimSpace(input.Status))
	if status == "" {
		status = "all"
	}
	switch status {
	case "all", store.AgentOnline, store.AgentDegraded, store.AgentOffline:
	default:
		return nil, nil, fmt.Errorf("invalid status %q: expected online, degraded, offline, or all", input.Status)
	}

	agents, err := s.store.ListAgents()
	if err != nil {
		return nil, nil, err
	}

	var tagged map[string]bool
	if tag := strings.TrimSpace(input.Tag); tag != "" {
		ids, err := s.store.ListAgentIDsByTag(tag)
		if err != nil {
			return nil, nil, err
		}
		tagged = make(map[string]bool, len(ids))
		for _, id := range ids {
			tagged[id] = true
		}
	}

	out := make([]agentSummary, 0, len(agents))
	for _, a := range agents {
		if tagged != nil && !tagged[a.ID] {
			continue
		}
		live := a.Status
		if s.agents != nil && s.agents.IsOnline(a.Name) {
			live = store.AgentOnline
		}
		if status != "all" && live != status {
			continue
		}
		tags, _ := s.store.GetAgentTags(a.ID)
		out = append(out, agentSummary{
			Name:         a.Name,
			Status:       live,
			OS:           a.OS,
			AgentVersion: a.AgentVersion,
			LastSeen:     a.LastSeen,
			Tags:         tags,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return jsonToolResult(out)
}

func (s *MCPServer) handleAgentInfo(_ context.Context, _ *mcp.CallToolRequest, input agentInfoInput) (*mcp.CallToolResult, any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}

	agent, err := s.store.GetAgentByName(name)
	if err != nil {
		return nil, nil, err
	}
	tags, _ := s.store.GetAgentTags(agent.ID)

	info := map[string]any{
		"agent": agent,
		"tags":  tags,
	}
	if s.agents != nil {
		info["connected"] = s.agents.IsOnline(name)
	}
	return jsonToolResult(info)
}

func (s *MCPServer) handleExecuteProbe(ctx context.Context, _ *mcp.CallToolRequest, input executeProbeInput) (*mcp.CallToolResult, any, error) {
	probe := strings.TrimSpace(input.Probe)
	if probe == "" {
		return nil, nil, fmt.Errorf("probe is required")
	}

	resp, err := s.probes.Execute(ctx, probe, input.Params, strings.TrimSpace(input.Agent))
	if err != nil {
		// The response still describes the failure; surface it as data so
		// callers see status/duration rather than a bare error string.
		if resp != nil {
			return jsonToolResult(resp)
		}
		return nil, nil, err
	}
	return jsonToolResult(resp)
}

func (s *MCPServer) handleRunRunbook(ctx context.Context, _ *mcp.CallToolRequest, input runRunbookInput) (*mcp.CallToolResult, any, error) {
	category := strings.TrimSpace(input.Category)
	if category == "" {
		available := make([]string, 0)
		for _, def := range s.runbooks.List() {
			available = append(available, def.Category)
		}
		sort.Strings(available)
		return nil, nil, fmt.Errorf("category is required; available: %s", strings.Join(available, ", "))
	}

	res, err := s.runbooks.Run(ctx, category, input.Params)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(res)
}

func (s *MCPServer) handleListCriticalPaths(_ context.Context, _ *mcp.CallToolRequest, _ listCriticalPathsInput) (*mcp.CallToolResult, any, error) {
	paths, err := s.store.ListCriticalPaths()
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(paths)
}

func (s *MCPServer) handleWalkCriticalPath(ctx context.Context, _ *mcp.CallToolRequest, input walkCriticalPathInput) (*mcp.CallToolResult, any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, nil, fmt.Errorf("name is required")
	}

	path, err := s.findCriticalPath(name)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.runbooks.RunPath(ctx, path, input.Params)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(res)
}

// findCriticalPath resolves a path by name, falling back to id lookup.
func (s *MCPServer) findCriticalPath(name string) (*store.CriticalPath, error) {
	paths, err := s.store.ListCriticalPaths()
	if err != nil {
		return nil, err
	}
	for i := range paths {
		if paths[i].Name == name {
			return &paths[i], nil
		}
	}
	return s.store.GetCriticalPath(name)
}

func (s *MCPServer) handleRecentEvents(_ context.Context, _ *mcp.CallToolRequest, input recentEventsInput) (*mcp.CallToolResult, any, error) {
	if s.events == nil {
		return jsonToolResult([]events.Event{})
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}

	recent := s.events.Recent(limit)
	if want := events.Type(strings.TrimSpace(input.Type)); want != "" {
		filtered := make([]events.Event, 0, len(recent))
		for _, evt := range recent {
			if evt.Type == want {
				filtered = append(filtered, evt)
			}
		}
		recent = filtered
	}
	return jsonToolResult(recent)
}

func (s *MCPServer) handleTrending(_ context.Context, _ *mcp.CallToolRequest, input trendingInput) (*mcp.CallToolResult, any, error) {
	if probe := strings.TrimSpace(input.Probe); probe != "" {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		results, err := s.trending.Recent(probe, "", limit)
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(results)
	}

	switch strings.ToLower(strings.TrimSpace(input.GroupBy)) {
	case "", "probe":
		buckets, err := s.trending.ByProbe()
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(buckets)
	case "agent":
		buckets, err := s.trending.ByAgent()
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(buckets)
	default:
		return nil, nil, fmt.Errorf("invalid group_by %q: expected probe or agent", input.GroupBy)
	}
}

func (s *MCPServer) handleSearchAudit(_ context.Context, _ *mcp.CallToolRequest, input searchAuditInput) (*mcp.CallToolResult, any, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}

	filter := audit.Filter{
		AgentID: strings.TrimSpace(input.AgentID),
		Probe:   strings.TrimSpace(input.Probe),
		Status:  strings.TrimSpace(input.Status),
		Limit:   limit,
	}

	if sinceRaw := strings.TrimSpace(input.Since); sinceRaw != "" {
		since, err := time.Parse(time.RFC3339, sinceRaw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid since timestamp (expected RFC3339): %w", err)
		}
		filter.Since = since
	}

	entries, err := s.ledger.Query(filter)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(entries)
}

func (s *MCPServer) handleVerifyAudit(_ context.Context, _ *mcp.CallToolRequest, _ verifyAuditInput) (*mcp.CallToolResult, any, error) {
	verify, err := s.ledger.Verify()
	if err != nil {
		return nil, nil, err
	}
	count, err := s.ledger.Count()
	if err != nil {
		return nil, nil, err
	}

	out := map[string]any{
		"valid":   verify.Valid,
		"entries": count,
	}
	if !verify.Valid {
		out["broken_at"] = verify.BrokenAt
	}
	return jsonToolResult(out)
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
