// Package runbook composes probes into diagnostics. Manifest runbooks
// are flat probe lists declared by packs or YAML files; diagnostic
// runbooks are named handler functions that drive probes through a
// toolkit and emit findings.
package runbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/metrics"
	"github.com/sonde-ops/sondehub/internal/hub/router"
	"github.com/sonde-ops/sondehub/internal/hub/telemetry"
)

// Severity levels for findings.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one diagnostic observation. Duplicate findings with the
// same severity and title are preserved so frequency stays observable.
type Finding struct {
	Severity      Severity `json:"severity"`
	Title         string   `json:"title"`
	Detail        string   `json:"detail,omitempty"`
	Remediation   string   `json:"remediation,omitempty"`
	RelatedProbes []string `json:"related_probes,omitempty"`
}

// ProbeRun is one probe execution inside a runbook.
type ProbeRun struct {
	Probe      string `json:"probe"`
	Agent      string `json:"agent,omitempty"`
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// FindingCounts breaks findings down by severity.
type FindingCounts struct {
	Info     int `json:"info"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

// Result is the outcome of one runbook run.
type Result struct {
	Category        string        `json:"category"`
	Probes          []ProbeRun    `json:"probes"`
	Findings        []Finding     `json:"findings"`
	ProbesRun       int           `json:"probes_run"`
	ProbesSucceeded int           `json:"probes_succeeded"`
	ProbesFailed    int           `json:"probes_failed"`
	FindingsCount   FindingCounts `json:"findings_count"`
	DurationMs      int64         `json:"duration_ms"`
	SummaryText     string        `json:"summary_text"`
}

// Runner is the probe execution surface runbooks use.
type Runner interface {
	Execute(ctx context.Context, probe string, params map[string]any, agent string) (*router.ProbeResponse, error)
}

// AgentLister exposes the connected fleet to diagnostic handlers.
type AgentLister interface {
	ListOnlineAgents() []string
}

// HandlerFunc is a diagnostic runbook body.
type HandlerFunc func(ctx context.Context, tk *Toolkit, params map[string]any) ([]Finding, error)

// Definition declares one runbook. Probes and Handler are mutually
// exclusive: manifest runbooks list probes, diagnostic runbooks carry a
// handler.
type Definition struct {
	Category       string
	Description    string
	Probes         []string
	Parallel       bool
	RequiredParams []string
	Handler        HandlerFunc
}

// Engine runs runbooks from its registry.
type Engine struct {
	mu       sync.RWMutex
	runbooks map[string]Definition

	runner  Runner
	agents  AgentLister
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewEngine creates an engine.
func NewEngine(runner Runner, agents AgentLister, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		runbooks: make(map[string]Definition),
		runner:   runner,
		agents:   agents,
		metrics:  m,
		logger:   logger.Named("runbook"),
	}
}

// Register adds a runbook definition, replacing any previous one for
// the category.
func (e *Engine) Register(def Definition) error {
	if def.Category == "" {
		return huberr.New(huberr.Validation, "runbook category is required")
	}
	if def.Handler == nil && len(def.Probes) == 0 {
		return huberr.Newf(huberr.Validation, "runbook %q has neither probes nor a handler", def.Category)
	}
	e.mu.Lock()
	e.runbooks[def.Category] = def
	e.mu.Unlock()
	e.logger.Info("runbook registered", zap.String("category", def.Category))
	return nil
}

// List returns the registered definitions.
func (e *Engine) List() []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Definition, 0, len(e.runbooks))
	for _, def := range e.runbooks {
		out = append(out, def)
	}
	return out
}

// Run executes the runbook for a category.
func (e *Engine) Run(ctx context.Context, category string, params map[string]any) (*Result, error) {
	e.mu.RLock()
	def, ok := e.runbooks[category]
	e.mu.RUnlock()
	if !ok {
		return nil, huberr.Newf(huberr.NotFound, "no runbook for category %q", category)
	}

	ctx, span := telemetry.StartRunbookSpan(ctx, category)
	start := time.Now()
	res := &Result{Category: category}

	if missing := missingParams(def.RequiredParams, params); len(missing) > 0 {
		// One critical finding, no probes run.
		res.Findings = []Finding{{
			Severity: SeverityCritical,
			Title:    "missing required parameters",
			Detail:   fmt.Sprintf("runbook %q requires parameters %v", category, missing),
		}}
		e.finish(res, span, start)
		return res, nil
	}

	tk := &Toolkit{ctx: ctx, engine: e}
	if def.Handler != nil {
		findings, err := e.invokeHandler(ctx, def, tk, params)
		if err != nil {
			// The runbook still succeeds; the failure becomes a finding.
			findings = append(findings, Finding{
				Severity: SeverityCritical,
				Title:    "runbook handler failed",
				Detail:   err.Error(),
			})
		}
		res.Findings = findings
	} else {
		e.runManifest(ctx, def, tk, params)
		res.Findings = manifestFindings(tk.Runs())
	}

	res.Probes = tk.Runs()
	e.finish(res, span, start)
	return res, nil
}

// runManifest executes a flat probe list, concurrently when declared
// parallel. Each probe gets its own result slot so failures stay local.
func (e *Engine) runManifest(ctx context.Context, def Definition, tk *Toolkit, params map[string]any) {
	if !def.Parallel {
		for _, probe := range def.Probes {
			tk.RunProbe(probe, params, "")
		}
		return
	}

	var wg sync.WaitGroup
	for _, probe := range def.Probes {
		wg.Add(1)
		go func(probe string) {
			defer wg.Done()
			tk.RunProbe(probe, params, "")
		}(probe)
	}
	wg.Wait()
}

// invokeHandler runs a diagnostic handler with panic recovery.
func (e *Engine) invokeHandler(ctx context.Context, def Definition, tk *Toolkit, params map[string]any) (findings []Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("runbook handler panicked",
				zap.String("category", def.Category), zap.Any("panic", r))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return def.Handler(ctx, tk, params)
}

// finish fills counts, metrics and the summary line.
func (e *Engine) finish(res *Result, span trace.Span, start time.Time) {
	for _, run := range res.Probes {
		res.ProbesRun++
		if run.Status == "success" {
			res.ProbesSucceeded++
		} else {
			res.ProbesFailed++
		}
	}
	for _, f := range res.Findings {
		switch f.Severity {
		case SeverityCritical:
			res.FindingsCount.Critical++
		case SeverityWarning:
			res.FindingsCount.Warning++
		default:
			res.FindingsCount.Info++
		}
		if e.metrics != nil {
			e.metrics.FindingsTotal.WithLabelValues(string(f.Severity)).Inc()
		}
	}
	res.DurationMs = time.Since(start).Milliseconds()
	res.SummaryText = fmt.Sprintf(
		"%d probes run (%d failed), %d critical / %d warning / %d info findings",
		res.ProbesRun, res.ProbesFailed,
		res.FindingsCount.Critical, res.FindingsCount.Warning, res.FindingsCount.Info)

	if e.metrics != nil {
		e.metrics.RunbooksTotal.WithLabelValues(res.Category).Inc()
	}
	telemetry.EndRunbookSpan(span, res.ProbesRun, res.ProbesFailed, len(res.Findings))
}

// manifestFindings synthesises findings for failed probes of a flat
// manifest runbook.
func manifestFindings(runs []ProbeRun) []Finding {
	var findings []Finding
	for _, run := range runs {
		if run.Status == "success" {
			continue
		}
		findings = append(findings, Finding{
			Severity:      SeverityWarning,
			Title:         "probe " + run.Probe + " failed",
			Detail:        run.Error,
			RelatedProbes: []string{run.Probe},
		})
	}
	return findings
}

func missingParams(required []string, params map[string]any) []string {
	var missing []string
	for _, name := range required {
		if v, ok := params[name]; !ok || v == nil || v == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// Toolkit is what handlers receive: probe execution plus a fleet view.
// It records every probe run for the result.
type Toolkit struct {
	ctx    context.Context
	engine *Engine

	mu   sync.Mutex
	runs []ProbeRun
}

// RunProbe executes one probe and records its outcome. Unreachable
// targets and timeouts come back as failed runs, never as errors, so a
// handler can keep probing.
func (tk *Toolkit) RunProbe(probe string, params map[string]any, agent string) ProbeRun {
	resp, err := tk.engine.runner.Execute(tk.ctx, probe, params, agent)

	run := ProbeRun{Probe: probe, Agent: agent}
	if resp != nil {
		run.Status = resp.Status
		run.Data = resp.Data
		run.Error = resp.Error
		run.DurationMs = resp.DurationMs
	}
	if err != nil && run.Error == "" {
		run.Status = "error"
		run.Error = err.Error()
	}

	tk.mu.Lock()
	tk.runs = append(tk.runs, run)
	tk.mu.Unlock()
	return run
}

// ConnectedAgents returns the names of agents currently online.
func (tk *Toolkit) ConnectedAgents() []string {
	return tk.engine.agents.ListOnlineAgents()
}

// Runs returns the probe runs recorded so far.
func (tk *Toolkit) Runs() []ProbeRun {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	out := make([]ProbeRun, len(tk.runs))
	copy(out, tk.runs)
	return out
}
