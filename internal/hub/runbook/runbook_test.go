package runbook

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/integrations"
	"github.com/sonde-ops/sondehub/internal/hub/metrics"
	"github.com/sonde-ops/sondehub/internal/hub/router"
)

// scriptRunner fakes the probe router with canned outcomes per probe.
type scriptRunner struct {
	outcomes map[string]outcome
	calls    int32
}

type outcome struct {
	status string
	data   any
	err    error
}

func (r *scriptRunner) Execute(ctx context.Context, probe string, params map[string]any, agent string) (*router.ProbeResponse, error) {
	atomic.AddInt32(&r.calls, 1)
	o, ok := r.outcomes[probe]
	if !ok {
		o = outcome{status: "success"}
	}
	resp := &router.ProbeResponse{Probe: probe, Status: o.status, Data: o.data}
	if o.err != nil {
		resp.Status = "error"
		resp.Error = o.err.Error()
	}
	return resp, o.err
}

type staticAgents []string

func (a staticAgents) ListOnlineAgents() []string { return a }

func newEngine(t *testing.T, runner Runner) *Engine {
	t.Helper()
	return NewEngine(runner, staticAgents{"srv-01", "srv-02"}, metrics.New(), zap.NewNop())
}

func TestRunUnknownCategory(t *testing.T) {
	e := newEngine(t, &scriptRunner{})
	if _, err := e.Run(context.Background(), "ghost", nil); !huberr.Is(err, huberr.NotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestManifestRunbookSequential(t *testing.T) {
	runner := &scriptRunner{outcomes: map[string]outcome{
		"hub.ping":   {status: "success"},
		"disk.usage": {status: "success"},
	}}
	e := newEngine(t, runner)
	if err := e.Register(Definition{
		Category: "health",
		Probes:   []string{"hub.ping", "disk.usage"},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.Run(context.Background(), "health", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProbesRun != 2 || res.ProbesSucceeded != 2 || res.ProbesFailed != 0 {
		t.Fatalf("unexpected summary: %+v", res)
	}
	if len(res.Findings) != 0 {
		t.Fatalf("healthy runbook should have no findings: %+v", res.Findings)
	}
}

func TestManifestRunbookParallel(t *testing.T) {
	runner := &scriptRunner{}
	e := newEngine(t, runner)
	probes := []string{"p.a", "p.b", "p.c", "p.d"}
	if err := e.Register(Definition{Category: "wide", Probes: probes, Parallel: true}); err != nil {
		t.Fatal(err)
	}

	res, err := e.Run(context.Background(), "wide", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProbesRun != len(probes) {
		t.Fatalf("expected %d runs, got %d", len(probes), res.ProbesRun)
	}
	seen := make(map[string]bool)
	for _, run := range res.Probes {
		seen[run.Probe] = true
	}
	for _, p := range probes {
		if !seen[p] {
			t.Fatalf("probe %s missing from results", p)
		}
	}
}

func TestDiagnosticPartialFailure(t *testing.T) {
	runner := &scriptRunner{outcomes: map[string]outcome{
		"datadog.monitors": {err: huberr.New(huberr.Unreachable, "integration endpoint down")},
		"disk.usage":       {status: "success", data: map[string]any{"pct": 40}},
		"hub.ping":         {status: "success"},
	}}
	e := newEngine(t, runner)

	if err := e.Register(Definition{
		Category: "connectivity",
		Handler: func(ctx context.Context, tk *Toolkit, params map[string]any) ([]Finding, error) {
			var findings []Finding
			// First probe fails; the handler keeps going.
			if run := tk.RunProbe("datadog.monitors", nil, ""); run.Status != "success" {
				findings = append(findings, Finding{
					Severity:      SeverityWarning,
					Title:         "monitor feed unreachable",
					Detail:        run.Error,
					RelatedProbes: []string{"datadog.monitors"},
				})
			}
			tk.RunProbe("disk.usage", nil, "srv-01")
			tk.RunProbe("hub.ping", nil, "")
			return findings, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.Run(context.Background(), "connectivity", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProbesRun != 3 {
		t.Fatalf("unreachable first probe must not stop the rest, ran %d", res.ProbesRun)
	}
	if res.ProbesFailed < 1 {
		t.Fatalf("expected at least one failed probe: %+v", res)
	}
	var found bool
	for _, f := range res.Findings {
		if f.Severity != SeverityInfo && containsProbe(f.RelatedProbes, "datadog.monitors") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a warning-or-higher finding naming the failed probe: %+v", res.Findings)
	}
}

func containsProbe(probes []string, target string) bool {
	for _, p := range probes {
		if p == target {
			return true
		}
	}
	return false
}

func TestMissingRequiredParam(t *testing.T) {
	runner := &scriptRunner{}
	e := newEngine(t, runner)
	if err := e.Register(Definition{
		Category:       "service-health",
		Probes:         []string{"http.status"},
		RequiredParams: []string{"url"},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.Run(context.Background(), "service-health", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProbesRun != 0 {
		t.Fatal("no probes may run when a required param is missing")
	}
	if len(res.Findings) != 1 || res.Findings[0].Severity != SeverityCritical {
		t.Fatalf("expected single critical finding, got %+v", res.Findings)
	}
	if atomic.LoadInt32(&runner.calls) != 0 {
		t.Fatal("runner must not be called")
	}
}

func TestHandlerErrorBecomesFinding(t *testing.T) {
	e := newEngine(t, &scriptRunner{})
	if err := e.Register(Definition{
		Category: "flaky",
		Handler: func(ctx context.Context, tk *Toolkit, params map[string]any) ([]Finding, error) {
			return []Finding{{Severity: SeverityInfo, Title: "partial"}}, context.DeadlineExceeded
		},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.Run(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("runbook must still succeed, got %v", err)
	}
	if res.FindingsCount.Critical != 1 || res.FindingsCount.Info != 1 {
		t.Fatalf("expected handler error as critical finding plus the partial one: %+v", res.FindingsCount)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	e := newEngine(t, &scriptRunner{})
	if err := e.Register(Definition{
		Category: "buggy",
		Handler: func(ctx context.Context, tk *Toolkit, params map[string]any) ([]Finding, error) {
			panic("handler bug")
		},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.Run(context.Background(), "buggy", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.FindingsCount.Critical != 1 {
		t.Fatalf("panic must surface as critical finding: %+v", res)
	}
}

func TestDuplicateFindingsPreserved(t *testing.T) {
	e := newEngine(t, &scriptRunner{})
	if err := e.Register(Definition{
		Category: "repeat",
		Handler: func(ctx context.Context, tk *Toolkit, params map[string]any) ([]Finding, error) {
			f := Finding{Severity: SeverityWarning, Title: "disk filling"}
			return []Finding{f, f, f}, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.Run(context.Background(), "repeat", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Findings) != 3 || res.FindingsCount.Warning != 3 {
		t.Fatalf("duplicates must be preserved, got %+v", res.FindingsCount)
	}
}

func TestToolkitConnectedAgents(t *testing.T) {
	e := newEngine(t, &scriptRunner{})
	var seen []string
	if err := e.Register(Definition{
		Category: "fleet",
		Handler: func(ctx context.Context, tk *Toolkit, params map[string]any) ([]Finding, error) {
			seen = tk.ConnectedAgents()
			return nil, nil
		},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background(), "fleet", nil); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("handler should see the fleet, got %v", seen)
	}
}

func TestLoadYAMLDir(t *testing.T) {
	dir := t.TempDir()
	rb := strings.TrimSpace(`
category: web-health
description: checks the public endpoints
parallel: true
probes:
  - http.status
  - hub.ping
required_params:
  - url
`)
	if err := os.WriteFile(filepath.Join(dir, "web-health.yaml"), []byte(rb), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newEngine(t, &scriptRunner{})
	if err := e.LoadYAMLDir(dir); err != nil {
		t.Fatal(err)
	}
	defs := e.List()
	if len(defs) != 1 || defs[0].Category != "web-health" || !defs[0].Parallel {
		t.Fatalf("yaml runbook not loaded: %+v", defs)
	}

	// Missing dir is not an error.
	if err := e.LoadYAMLDir(filepath.Join(dir, "missing")); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterPackManifests(t *testing.T) {
	e := newEngine(t, &scriptRunner{})
	e.RegisterPackManifests([]integrations.Manifest{
		{
			Name: "datadog-pack", Type: "datadog",
			Runbook: &integrations.RunbookManifest{
				Category: "monitoring",
				Probes:   []string{"datadog.monitors"},
				Parallel: false,
			},
		},
		{Name: "bare-pack", Type: "bare"},
	})
	defs := e.List()
	if len(defs) != 1 || defs[0].Category != "monitoring" {
		t.Fatalf("pack runbook not registered: %+v", defs)
	}
}

func TestRunRespectsContext(t *testing.T) {
	block := make(chan struct{})
	runner := &scriptRunner{}
	e := newEngine(t, runner)
	if err := e.Register(Definition{
		Category: "slow",
		Handler: func(ctx context.Context, tk *Toolkit, params map[string]any) ([]Finding, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-block:
				return nil, nil
			}
		},
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := e.Run(ctx, "slow", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.FindingsCount.Critical != 1 {
		t.Fatalf("cancelled handler should produce a critical finding, got %+v", res.FindingsCount)
	}
	close(block)
}
