package runbook

import (
	"context"
	"fmt"
)

// FleetHealth is the built-in diagnostic every hub registers at startup:
// a hub self-check followed by a liveness probe against each connected
// agent.
func FleetHealth() Definition {
	return Definition{
		Category:    "fleet-health",
		Description: "Hub self-check plus a liveness probe per connected agent",
		Handler:     fleetHealthHandler,
	}
}

func fleetHealthHandler(_ context.Context, tk *Toolkit, _ map[string]any) ([]Finding, error) {
	var findings []Finding

	ping := tk.RunProbe("hub.ping", nil, "")
	if ping.Status != "success" {
		findings = append(findings, Finding{
			Severity:      SeverityCritical,
			Title:         "hub self-check failed",
			Detail:        ping.Error,
			RelatedProbes: []string{"hub.ping"},
		})
	}

	agents := tk.ConnectedAgents()
	if len(agents) == 0 {
		findings = append(findings, Finding{
			Severity:    SeverityWarning,
			Title:       "no agents connected",
			Remediation: "enroll an agent or check agent connectivity",
		})
		return findings, nil
	}

	unhealthy := 0
	for _, agent := range agents {
		run := tk.RunProbe("system.info", nil, agent)
		if run.Status == "success" {
			continue
		}
		unhealthy++
		findings = append(findings, Finding{
			Severity:      SeverityWarning,
			Title:         fmt.Sprintf("agent %s failed liveness probe", agent),
			Detail:        run.Error,
			RelatedProbes: []string{"system.info"},
		})
	}
	if unhealthy == 0 {
		findings = append(findings, Finding{
			Severity: SeverityInfo,
			Title:    fmt.Sprintf("fleet healthy: %d agents responding", len(agents)),
		})
	}
	return findings, nil
}
