package runbook

import (
	"context"
	"strings"
	"testing"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/router"
	"github.com/sonde-ops/sondehub/internal/hub/store"
)

func checkoutPath() *store.CriticalPath {
	return &store.CriticalPath{
		ID:   "cp-1",
		Name: "checkout",
		Steps: []store.CriticalPathStep{
			{Position: 0, TargetKind: store.TargetAgent, TargetID: "edge-01", Probes: []string{"network.ping", "service.check"}},
			{Position: 1, TargetKind: store.TargetIntegration, TargetID: "dd-main", Probes: []string{"datadog.monitors"}},
			{Position: 2, TargetKind: store.TargetAgent, TargetID: "db-01", Probes: []string{"service.check"}},
		},
	}
}

func TestRunPathHealthyChain(t *testing.T) {
	runner := &scriptRunner{}
	e := newEngine(t, runner)

	res, err := e.RunPath(context.Background(), checkoutPath(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Category != "critical-path:checkout" {
		t.Fatalf("unexpected category %q", res.Category)
	}
	if res.ProbesRun != 4 || res.ProbesFailed != 0 {
		t.Fatalf("unexpected summary: %+v", res)
	}
	if res.FindingsCount.Info != 1 || res.FindingsCount.Critical != 0 {
		t.Fatalf("healthy walk should end with one info finding: %+v", res.Findings)
	}
}

func TestRunPathStopsAtBrokenStep(t *testing.T) {
	runner := &scriptRunner{outcomes: map[string]outcome{
		"datadog.monitors": {err: huberr.New(huberr.Unreachable, "endpoint down")},
	}}
	e := newEngine(t, runner)

	res, err := e.RunPath(context.Background(), checkoutPath(), nil)
	if err != nil {
		t.Fatal(err)
	}
	// Step 0 runs fully, step 1 breaks, step 2 never runs.
	if res.ProbesRun != 3 {
		t.Fatalf("expected walk to stop after the broken step, ran %d probes", res.ProbesRun)
	}
	for _, run := range res.Probes {
		if run.Agent == "db-01" {
			t.Fatal("downstream step ran past the break")
		}
	}
	if res.FindingsCount.Critical != 1 {
		t.Fatalf("expected one chain-broken finding: %+v", res.Findings)
	}
	var broken bool
	for _, f := range res.Findings {
		if f.Severity == SeverityCritical && strings.Contains(f.Title, "step 1") {
			broken = true
		}
	}
	if !broken {
		t.Fatalf("critical finding should name the broken step: %+v", res.Findings)
	}
}

func TestRunPathIntegrationStepPinsInstance(t *testing.T) {
	var gotParams map[string]any
	runner := &paramCapture{params: &gotParams}
	e := newEngine(t, runner)

	path := &store.CriticalPath{
		ID:   "cp-2",
		Name: "feed",
		Steps: []store.CriticalPathStep{
			{TargetKind: store.TargetIntegration, TargetID: "dd-main", Probes: []string{"datadog.monitors"}},
		},
	}
	if _, err := e.RunPath(context.Background(), path, map[string]any{"window_minutes": 30}); err != nil {
		t.Fatal(err)
	}
	if gotParams["integration_id"] != "dd-main" {
		t.Fatalf("integration step must pin the instance, got %v", gotParams)
	}
	if gotParams["window_minutes"] != 30 {
		t.Fatalf("caller params must pass through, got %v", gotParams)
	}
}

func TestRunPathValidation(t *testing.T) {
	e := newEngine(t, &scriptRunner{})

	if _, err := e.RunPath(context.Background(), nil, nil); !huberr.Is(err, huberr.Validation) {
		t.Fatalf("nil path should fail validation, got %v", err)
	}
	empty := &store.CriticalPath{ID: "cp-3", Name: "empty"}
	if _, err := e.RunPath(context.Background(), empty, nil); !huberr.Is(err, huberr.Validation) {
		t.Fatalf("empty path should fail validation, got %v", err)
	}
}

// paramCapture records the params of the last probe call.
type paramCapture struct {
	params *map[string]any
}

func (r *paramCapture) Execute(ctx context.Context, probe string, params map[string]any, agent string) (*router.ProbeResponse, error) {
	*r.params = params
	return &router.ProbeResponse{Probe: probe, Status: "success"}, nil
}
