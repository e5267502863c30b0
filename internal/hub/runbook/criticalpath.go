package runbook

import (
	"context"
	"fmt"
	"time"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/store"
	"github.com/sonde-ops/sondehub/internal/hub/telemetry"
)

// RunPath walks a critical path step by step. Steps run in order and
// the walk stops at the first step with a failing probe, since
// everything downstream of a broken link is noise.
func (e *Engine) RunPath(ctx context.Context, path *store.CriticalPath, params map[string]any) (*Result, error) {
	if path == nil {
		return nil, huberr.New(huberr.Validation, "critical path is required")
	}
	if len(path.Steps) == 0 {
		return nil, huberr.Newf(huberr.Validation, "critical path %q has no steps", path.Name)
	}

	category := "critical-path:" + path.Name
	ctx, span := telemetry.StartRunbookSpan(ctx, category)
	start := time.Now()
	res := &Result{Category: category}
	tk := &Toolkit{ctx: ctx, engine: e}

	broken := false
	for i, step := range path.Steps {
		stepParams, agent := stepTarget(step, params)

		failed := 0
		for _, probe := range step.Probes {
			run := tk.RunProbe(probe, stepParams, agent)
			if run.Status == "success" {
				continue
			}
			failed++
			res.Findings = append(res.Findings, Finding{
				Severity:      SeverityWarning,
				Title:         fmt.Sprintf("step %d: probe %s failed", i, probe),
				Detail:        run.Error,
				RelatedProbes: []string{probe},
			})
		}

		if failed > 0 {
			broken = true
			res.Findings = append(res.Findings, Finding{
				Severity: SeverityCritical,
				Title:    fmt.Sprintf("chain broken at step %d (%s %s)", i, step.TargetKind, step.TargetID),
				Detail: fmt.Sprintf("%d of %d probes failed, %d downstream steps skipped",
					failed, len(step.Probes), len(path.Steps)-i-1),
			})
			break
		}
	}
	if !broken {
		res.Findings = append(res.Findings, Finding{
			Severity: SeverityInfo,
			Title:    "all steps healthy",
			Detail:   fmt.Sprintf("%d steps verified end to end", len(path.Steps)),
		})
	}

	res.Probes = tk.Runs()
	e.finish(res, span, start)
	return res, nil
}

// stepTarget maps a step onto probe addressing: agent steps run on the
// named agent, integration steps pin integration_id in the params.
func stepTarget(step store.CriticalPathStep, params map[string]any) (map[string]any, string) {
	if step.TargetKind == store.TargetAgent {
		return params, step.TargetID
	}
	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["integration_id"] = step.TargetID
	return merged, ""
}
