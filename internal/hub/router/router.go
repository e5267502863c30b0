// Package router resolves probe names to their execution target: a
// connected agent, an integration pack, or the hub itself. Every
// execution, successful or not, lands in the 24h trending store and the
// audit ledger inside one transaction.
package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sonde-ops/sondehub/internal/hub/audit"
	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/integrations"
	"github.com/sonde-ops/sondehub/internal/hub/metrics"
	"github.com/sonde-ops/sondehub/internal/hub/store"
	"github.com/sonde-ops/sondehub/internal/hub/telemetry"
	"github.com/sonde-ops/sondehub/internal/hub/trending"
	"github.com/sonde-ops/sondehub/internal/protocol"
)

// DefaultTimeout bounds a single agent probe round trip.
const DefaultTimeout = 30 * time.Second

// Routes.
const (
	RouteAgent       = "agent"
	RouteIntegration = "integration"
	RouteInternal    = "internal"
)

// AgentCaller is the dispatcher surface the router needs.
type AgentCaller interface {
	Call(ctx context.Context, agent, method string, params map[string]any, timeout time.Duration) (*protocol.ResponseBody, error)
	IsOnline(agent string) bool
	ListOnlineAgents() []string
}

// ProbeResponse is the normalised outcome of one execution.
type ProbeResponse struct {
	Probe      string `json:"probe"`
	Route      string `json:"route"`
	Target     string `json:"target,omitempty"`
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Router executes probes.
type Router struct {
	db      *sql.DB
	store   *store.Store
	agents  AgentCaller
	exec    *integrations.Executor
	mgr     *integrations.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a router.
func New(s *store.Store, agents AgentCaller, exec *integrations.Executor, mgr *integrations.Manager, m *metrics.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		db:      s.DB(),
		store:   s,
		agents:  agents,
		exec:    exec,
		mgr:     mgr,
		metrics: m,
		logger:  logger.Named("router"),
	}
}

type callerKey struct{}

// WithCaller tags the context with the API key id driving this call, so
// audit entries carry the caller identity.
func WithCaller(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, callerKey{}, apiKeyID)
}

// CallerFrom returns the API key id tagged on the context, or "".
func CallerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey{}).(string); ok {
		return v
	}
	return ""
}

// Execute runs one probe. The response is always non-nil; err carries
// the typed kind when the probe failed so callers can branch.
func (r *Router) Execute(ctx context.Context, probe string, params map[string]any, agent string) (*ProbeResponse, error) {
	start := time.Now()
	resp, err := r.dispatch(ctx, probe, params, agent)
	resp.Probe = probe
	resp.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		resp.Status = statusFor(err)
		if resp.Error == "" {
			resp.Error = err.Error()
		}
	}

	r.record(ctx, resp, params)
	if r.metrics != nil {
		r.metrics.ObserveProbe(resp.Route, resp.Status, time.Since(start))
	}
	return resp, err
}

// dispatch resolves the target per the routing rules: pack probes with
// no agent go to the executor, agent-addressed probes to the
// dispatcher, hub.* locally, everything else is no-route.
func (r *Router) dispatch(ctx context.Context, probe string, params map[string]any, agent string) (*ProbeResponse, error) {
	switch {
	case agent == "" && r.packType(probe) != "":
		return r.runIntegration(ctx, probe, params)
	case agent != "":
		return r.runAgent(ctx, probe, params, agent)
	case strings.HasPrefix(probe, "hub."):
		return r.runInternal(ctx, probe)
	default:
		return &ProbeResponse{Route: RouteInternal},
			huberr.Newf(huberr.NotFound, "no route for probe %q", probe)
	}
}

// packType returns the pack type a probe belongs to, or "".
func (r *Router) packType(probe string) string {
	prefix, _, ok := strings.Cut(probe, ".")
	if ok {
		if _, found := r.exec.Pack(prefix); found {
			return prefix
		}
	}
	if r.exec.HasProbe(probe) {
		for _, m := range r.exec.Packs() {
			if p, found := r.exec.Pack(m.Type); found {
				if _, has := p.Handlers()[probe]; has {
					return m.Type
				}
			}
		}
	}
	return ""
}

func (r *Router) runIntegration(ctx context.Context, probe string, params map[string]any) (*ProbeResponse, error) {
	resp := &ProbeResponse{Route: RouteIntegration}

	typ := r.packType(probe)
	integ, err := r.mgr.ResolveForProbe(typ, params)
	if err != nil {
		return resp, err
	}
	resp.Target = integ.ID

	ctx, span := telemetry.StartProbeSpan(ctx, probe, RouteIntegration, integ.Name)
	res, err := r.exec.Run(ctx, integ, probe, params)
	if err != nil {
		telemetry.EndProbeSpan(span, statusFor(err), 0)
		return resp, err
	}
	resp.Status = res.Status
	resp.Data = res.Data
	resp.Error = res.Error
	telemetry.EndProbeSpan(span, res.Status, res.DurationMs)

	if res.Status != integrations.StatusSuccess {
		return resp, huberr.New(huberr.Unreachable, res.Error)
	}
	return resp, nil
}

func (r *Router) runAgent(ctx context.Context, probe string, params map[string]any, agent string) (*ProbeResponse, error) {
	resp := &ProbeResponse{Route: RouteAgent, Target: agent}

	ctx, span := telemetry.StartAgentCallSpan(ctx, agent, probe)
	defer span.End()

	body, err := r.agents.Call(ctx, agent, probe, params, DefaultTimeout)
	if err != nil {
		return resp, err
	}
	if !body.OK {
		resp.Status = trending.StatusError
		resp.Error = body.Error
		return resp, huberr.New(huberr.Internal, body.Error)
	}

	resp.Status = trending.StatusSuccess
	if len(body.Data) > 0 {
		var data any
		if err := json.Unmarshal(body.Data, &data); err == nil {
			resp.Data = data
		}
	}
	return resp, nil
}

// runInternal handles the hub's own probes.
func (r *Router) runInternal(ctx context.Context, probe string) (*ProbeResponse, error) {
	resp := &ProbeResponse{Route: RouteInternal, Target: "hub"}

	switch probe {
	case "hub.ping":
		resp.Status = trending.StatusSuccess
		resp.Data = map[string]any{"pong": true, "ts": time.Now().UTC().Format(time.RFC3339)}
		return resp, nil

	case "hub.status":
		agents, err := r.store.ListAgents()
		if err != nil {
			return resp, huberr.Wrap(huberr.Internal, "list agents", err)
		}
		integs, err := r.store.ListIntegrations()
		if err != nil {
			return resp, huberr.Wrap(huberr.Internal, "list integrations", err)
		}
		online := 0
		for _, a := range agents {
			if r.agents.IsOnline(a.Name) {
				online++
			}
		}
		resp.Status = trending.StatusSuccess
		resp.Data = map[string]any{
			"agents_total":  len(agents),
			"agents_online": online,
			"integrations":  len(integs),
		}
		return resp, nil

	default:
		return resp, huberr.Newf(huberr.NotFound, "no route for probe %q", probe)
	}
}

// record lands the trending row and the audit entry in one transaction.
// Recording failure is logged, never surfaced; the probe outcome stands.
func (r *Router) record(ctx context.Context, resp *ProbeResponse, params map[string]any) {
	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error("begin record tx", zap.Error(err))
		return
	}
	defer tx.Rollback()

	var agentID, integrationID string
	switch resp.Route {
	case RouteAgent:
		agentID = resp.Target
	case RouteIntegration:
		integrationID = resp.Target
	}

	var dataJSON string
	if resp.Data != nil {
		if raw, err := json.Marshal(resp.Data); err == nil {
			dataJSON = string(raw)
		}
	}
	if err := trending.RecordInTx(tx, trending.ProbeResult{
		Probe:         resp.Probe,
		AgentID:       agentID,
		IntegrationID: integrationID,
		Status:        resp.Status,
		DurationMs:    resp.DurationMs,
		DataJSON:      dataJSON,
		ErrorText:     resp.Error,
	}); err != nil {
		r.logger.Error("record probe result", zap.String("probe", resp.Probe), zap.Error(err))
		return
	}

	var requestJSON string
	if len(params) > 0 {
		if raw, err := json.Marshal(params); err == nil {
			requestJSON = string(raw)
		}
	}
	responseJSON := dataJSON
	if resp.Error != "" {
		raw, _ := json.Marshal(map[string]string{"error": resp.Error})
		responseJSON = string(raw)
	}
	if _, err := audit.AppendInTx(tx, audit.Entry{
		APIKeyID:     CallerFrom(ctx),
		AgentID:      agentID,
		Probe:        resp.Probe,
		Status:       resp.Status,
		DurationMs:   resp.DurationMs,
		RequestJSON:  requestJSON,
		ResponseJSON: responseJSON,
	}); err != nil {
		r.logger.Error("append audit entry", zap.String("probe", resp.Probe), zap.Error(err))
		return
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error("commit record tx", zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.AuditEntriesTotal.Inc()
	}
}

// statusFor maps error kinds onto result statuses.
func statusFor(err error) string {
	switch huberr.KindOf(err) {
	case huberr.Timeout:
		return trending.StatusTimeout
	default:
		return trending.StatusError
	}
}
