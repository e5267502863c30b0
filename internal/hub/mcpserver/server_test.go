package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/sonde-ops/sondehub/internal/hub/audit"
	"github.com/sonde-ops/sondehub/internal/hub/events"
	"github.com/sonde-ops/sondehub/internal/hub/metrics"
	"github.com/sonde-ops/sondehub/internal/hub/router"
	"github.com/sonde-ops/sondehub/internal/hub/runbook"
	"github.com/sonde-ops/sondehub/internal/hub/store"
	"github.com/sonde-ops/sondehub/internal/hub/trending"
)

// echoRunner satisfies both the MCP probe surface and the runbook
// engine's runner.
type echoRunner struct{}

func (echoRunner) Execute(ctx context.Context, probe string, params map[string]any, agent string) (*router.ProbeResponse, error) {
	return &router.ProbeResponse{
		Probe:  probe,
		Route:  router.RouteAgent,
		Target: agent,
		Status: trending.StatusSuccess,
		Data:   map[string]any{"echo": probe},
	}, nil
}

type onlineSet map[string]bool

func (o onlineSet) IsOnline(agent string) bool { return o[agent] }
func (o onlineSet) ListOnlineAgents() []string {
	out := make([]string, 0, len(o))
	for name, on := range o {
		if on {
			out = append(out, name)
		}
	}
	return out
}

type mcpEnv struct {
	srv     *MCPServer
	s       *store.Store
	ledger  *audit.Ledger
	trend   *trending.Store
	engine  *runbook.Engine
	online  onlineSet
	bus     *events.Bus
	history *events.History
}

func newTestMCPServer(t *testing.T) *mcpEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	ledger := audit.NewLedger(s.DB())
	trend := trending.NewStore(s.DB(), zap.NewNop())
	online := onlineSet{}
	engine := runbook.NewEngine(echoRunner{}, online, metrics.New(), zap.NewNop())
	bus := events.NewBus(16)
	history := events.NewHistory(bus, 32)
	t.Cleanup(history.Close)

	srv := New(s, ledger, trend, echoRunner{}, engine, online, history, zap.NewNop())
	return &mcpEnv{srv: srv, s: s, ledger: ledger, trend: trend, engine: engine,
		online: online, bus: bus, history: history}
}

func connectClient(t *testing.T, srv *MCPServer) *mcp.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.server.Run(runCtx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect client: %v", err)
	}

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Logf("mcp server run exited with: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Log("timed out waiting for mcp server shutdown")
		}
	})

	return session
}

func decodeToolJSON(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("empty tool result: %#v", result)
	}

	var text string
	switch content := result.Content[0].(type) {
	case *mcp.TextContent:
		text = content.Text
	default:
		t.Fatalf("unexpected content type %T", result.Content[0])
	}

	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("decode tool json: %v (text=%q)", err, text)
	}
}

func TestToolsRegistered(t *testing.T) {
	e := newTestMCPServer(t)
	session := connectClient(t, e.srv)

	result, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	expected := []string{
		"sonde_agent_info",
		"sonde_execute_probe",
		"sonde_list_agents",
		"sonde_list_critical_paths",
		"sonde_recent_events",
		"sonde_run_runbook",
		"sonde_search_audit",
		"sonde_trending",
		"sonde_verify_audit",
		"sonde_walk_critical_path",
	}

	if len(names) != len(expected) {
		t.Fatalf("expected %d tools, got %d: %v", len(expected), len(names), names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("unexpected tool list: got %v want %v", names, expected)
		}
	}
}

func TestListAgentsTool(t *testing.T) {
	e := newTestMCPServer(t)
	a, err := e.s.UpsertAgentByName("srv-01", "linux", "1.0.0", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.s.UpsertAgentByName("srv-02", "linux", "1.0.0", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := e.s.SetAgentTags(a.ID, []string{"prod"}); err != nil {
		t.Fatal(err)
	}
	e.online["srv-01"] = true

	session := connectClient(t, e.srv)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "sonde_list_agents",
		Arguments: map[string]any{"status": "online"},
	})
	if err != nil {
		t.Fatalf("call sonde_list_agents: %v", err)
	}

	var agents []agentSummary
	decodeToolJSON(t, result, &agents)
	if len(agents) != 1 || agents[0].Name != "srv-01" {
		t.Fatalf("expected only srv-01 online, got %+v", agents)
	}
	if len(agents[0].Tags) != 1 || agents[0].Tags[0] != "prod" {
		t.Fatalf("tags missing: %+v", agents[0])
	}
}

func TestAgentInfoTool(t *testing.T) {
	e := newTestMCPServer(t)
	if _, err := e.s.UpsertAgentByName("srv-01", "linux", "1.2.0", "", ""); err != nil {
		t.Fatal(err)
	}

	session := connectClient(t, e.srv)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "sonde_agent_info",
		Arguments: map[string]any{"name": "srv-01"},
	})
	if err != nil {
		t.Fatalf("call sonde_agent_info: %v", err)
	}

	var info struct {
		Agent     store.Agent `json:"agent"`
		Connected bool        `json:"connected"`
	}
	decodeToolJSON(t, result, &info)
	if info.Agent.Name != "srv-01" || info.Agent.AgentVersion != "1.2.0" {
		t.Fatalf("unexpected agent info: %+v", info.Agent)
	}
	if info.Connected {
		t.Fatal("agent should not be reported connected")
	}
}

func TestExecuteProbeTool(t *testing.T) {
	e := newTestMCPServer(t)
	session := connectClient(t, e.srv)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "sonde_execute_probe",
		Arguments: map[string]any{"probe": "disk.usage", "agent": "srv-01"},
	})
	if err != nil {
		t.Fatalf("call sonde_execute_probe: %v", err)
	}

	var resp router.ProbeResponse
	decodeToolJSON(t, result, &resp)
	if resp.Probe != "disk.usage" || resp.Status != trending.StatusSuccess {
		t.Fatalf("unexpected probe response: %+v", resp)
	}
}

func TestRunRunbookTool(t *testing.T) {
	e := newTestMCPServer(t)
	if err := e.engine.Register(runbook.Definition{
		Category: "health",
		Probes:   []string{"hub.ping", "disk.usage"},
	}); err != nil {
		t.Fatal(err)
	}

	session := connectClient(t, e.srv)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "sonde_run_runbook",
		Arguments: map[string]any{"category": "health"},
	})
	if err != nil {
		t.Fatalf("call sonde_run_runbook: %v", err)
	}

	var res runbook.Result
	decodeToolJSON(t, result, &res)
	if res.ProbesRun != 2 || res.ProbesFailed != 0 {
		t.Fatalf("unexpected runbook result: %+v", res)
	}
}

func TestWalkCriticalPathTool(t *testing.T) {
	e := newTestMCPServer(t)
	p, err := e.s.CreateCriticalPath("checkout")
	if err != nil {
		t.Fatal(err)
	}
	steps := []store.CriticalPathStep{
		{TargetKind: store.TargetAgent, TargetID: "edge-01", Probes: []string{"network.ping"}},
		{TargetKind: store.TargetAgent, TargetID: "db-01", Probes: []string{"service.check"}},
	}
	if err := e.s.SetCriticalPathSteps(p.ID, steps); err != nil {
		t.Fatal(err)
	}

	session := connectClient(t, e.srv)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "sonde_list_critical_paths",
	})
	if err != nil {
		t.Fatalf("call sonde_list_critical_paths: %v", err)
	}
	var paths []store.CriticalPath
	decodeToolJSON(t, result, &paths)
	if len(paths) != 1 || paths[0].Name != "checkout" || len(paths[0].Steps) != 2 {
		t.Fatalf("unexpected paths: %+v", paths)
	}

	result, err = session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "sonde_walk_critical_path",
		Arguments: map[string]any{"name": "checkout"},
	})
	if err != nil {
		t.Fatalf("call sonde_walk_critical_path: %v", err)
	}
	var res runbook.Result
	decodeToolJSON(t, result, &res)
	if res.ProbesRun != 2 || res.ProbesFailed != 0 {
		t.Fatalf("unexpected walk result: %+v", res)
	}
	if res.FindingsCount.Info != 1 {
		t.Fatalf("expected healthy-chain finding: %+v", res.Findings)
	}
}

func TestRecentEventsTool(t *testing.T) {
	e := newTestMCPServer(t)
	e.bus.Publish(events.Event{Type: events.AgentConnected, AgentID: "srv-01", Summary: "connected"})
	e.bus.Publish(events.Event{Type: events.ProbeExecuted, AgentID: "srv-01", Summary: "disk.usage"})

	// The history tails the bus asynchronously.
	deadline := time.Now().Add(time.Second)
	for len(e.history.Recent(0)) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	session := connectClient(t, e.srv)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "sonde_recent_events",
	})
	if err != nil {
		t.Fatalf("call sonde_recent_events: %v", err)
	}
	var all []events.Event
	decodeToolJSON(t, result, &all)
	if len(all) != 2 || all[0].Type != events.ProbeExecuted {
		t.Fatalf("expected both events newest first, got %+v", all)
	}

	result, err = session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "sonde_recent_events",
		Arguments: map[string]any{"type": "agent.connected"},
	})
	if err != nil {
		t.Fatalf("call sonde_recent_events: %v", err)
	}
	var filtered []events.Event
	decodeToolJSON(t, result, &filtered)
	if len(filtered) != 1 || filtered[0].AgentID != "srv-01" {
		t.Fatalf("type filter broken: %+v", filtered)
	}
}

func TestTrendingTool(t *testing.T) {
	e := newTestMCPServer(t)
	for _, d := range []int64{10, 20, 30} {
		if err := e.trend.Record(trending.ProbeResult{
			Probe: "disk.usage", AgentID: "srv-01",
			Status: trending.StatusSuccess, DurationMs: d,
		}); err != nil {
			t.Fatal(err)
		}
	}

	session := connectClient(t, e.srv)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "sonde_trending",
		Arguments: map[string]any{"group_by": "probe"},
	})
	if err != nil {
		t.Fatalf("call sonde_trending: %v", err)
	}

	var buckets []trending.Bucket
	decodeToolJSON(t, result, &buckets)
	if len(buckets) != 1 || buckets[0].Key != "disk.usage" || buckets[0].Count != 3 {
		t.Fatalf("unexpected buckets: %+v", buckets)
	}
}

func TestSearchAndVerifyAuditTools(t *testing.T) {
	e := newTestMCPServer(t)
	for _, probe := range []string{"disk.usage", "hub.ping"} {
		if _, err := e.ledger.Append(audit.Entry{
			AgentID: "srv-01", Probe: probe,
			Status: audit.StatusSuccess, DurationMs: 5,
		}); err != nil {
			t.Fatal(err)
		}
	}

	session := connectClient(t, e.srv)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "sonde_search_audit",
		Arguments: map[string]any{"probe": "disk.usage"},
	})
	if err != nil {
		t.Fatalf("call sonde_search_audit: %v", err)
	}
	var entries []audit.Entry
	decodeToolJSON(t, result, &entries)
	if len(entries) != 1 || entries[0].Probe != "disk.usage" {
		t.Fatalf("unexpected audit entries: %+v", entries)
	}

	result, err = session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "sonde_verify_audit",
	})
	if err != nil {
		t.Fatalf("call sonde_verify_audit: %v", err)
	}
	var verify struct {
		Valid   bool  `json:"valid"`
		Entries int64 `json:"entries"`
	}
	decodeToolJSON(t, result, &verify)
	if !verify.Valid || verify.Entries != 2 {
		t.Fatalf("unexpected verify result: %+v", verify)
	}
}
