// Package mcpserver exposes the hub to MCP callers: fleet inspection,
// probe execution, runbooks, trending and the audit ledger as tools
// over an SSE transport.
package mcpserver

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/sonde-ops/sondehub/internal/hub/audit"
	"github.com/sonde-ops/sondehub/internal/hub/events"
	"github.com/sonde-ops/sondehub/internal/hub/router"
	"github.com/sonde-ops/sondehub/internal/hub/runbook"
	"github.com/sonde-ops/sondehub/internal/hub/store"
	"github.com/sonde-ops/sondehub/internal/hub/trending"
)

// Version is injected from the hub build metadata.
var Version = "dev"

const defaultInstructions = "Sonde Hub coordinates diagnostic probes across an agent fleet. " +
	"Use sonde_list_agents to see the fleet, sonde_execute_probe to run a single probe, " +
	"and sonde_run_runbook for composed diagnostics."

// ProbeRunner executes a single probe through the router.
type ProbeRunner interface {
	Execute(ctx context.Context, probe string, params map[string]any, agent string) (*router.ProbeResponse, error)
}

// RunbookRunner executes registered runbooks and critical-path walks.
type RunbookRunner interface {
	Run(ctx context.Context, category string, params map[string]any) (*runbook.Result, error)
	RunPath(ctx context.Context, path *store.CriticalPath, params map[string]any) (*runbook.Result, error)
	List() []runbook.Definition
}

// AgentStatuser reports live connection state.
type AgentStatuser interface {
	IsOnline(agent string) bool
}

// EventSource returns recent hub events, newest first.
type EventSource interface {
	Recent(limit int) []events.Event
}

// MCPServer exposes hub capabilities as MCP tools.
type MCPServer struct {
	server   *mcp.Server
	handler  http.Handler
	store    *store.Store
	ledger   *audit.Ledger
	trending *trending.Store
	probes   ProbeRunner
	runbooks RunbookRunner
	agents   AgentStatuser
	events   EventSource
	logger   *zap.Logger
}

// New creates and wires the MCP surface. The instruction prefix stored
// in hub settings, when present, is prepended to the default
// instructions so operators can steer callers per deployment.
func New(
	s *store.Store,
	ledger *audit.Ledger,
	trend *trending.Store,
	probes ProbeRunner,
	runbooks RunbookRunner,
	agents AgentStatuser,
	evts EventSource,
	logger *zap.Logger,
) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	instructions := defaultInstructions
	if prefix, err := s.GetSetting(store.SettingMCPInstructions); err == nil && prefix != "" {
		instructions = prefix + "\n\n" + instructions
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "sondehub",
		Version: implVersion,
	}, &mcp.ServerOptions{
		Instructions: instructions,
	})

	m := &MCPServer{
		server:   srv,
		store:    s,
		ledger:   ledger,
		trending: trend,
		probes:   probes,
		runbooks: runbooks,
		agents:   agents,
		events:   evts,
		logger:   logger.Named("mcp"),
	}

	m.registerTools()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}
