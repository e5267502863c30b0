package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesInstruments(t *testing.T) {
	m := New()
	m.ObserveProbe("agent", "success", 120*time.Millisecond)
	m.ObserveProbe("integration", "error", 2*time.Second)
	m.AgentsConnected.Set(3)
	m.AuditEntriesTotal.Inc()
	m.EnrollmentsTotal.WithLabelValues("success").Inc()
	m.RunbooksTotal.WithLabelValues("connectivity").Inc()
	m.FindingsTotal.WithLabelValues("critical").Add(2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`sondehub_probes_total{route="agent",status="success"} 1`,
		`sondehub_probes_total{route="integration",status="error"} 1`,
		`sondehub_agents_connected 3`,
		`sondehub_audit_entries_total 1`,
		`sondehub_enrollments_total{outcome="success"} 1`,
		`sondehub_runbooks_total{category="connectivity"} 1`,
		`sondehub_findings_total{severity="critical"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestIsolatedRegistries(t *testing.T) {
	a := New()
	b := New()
	a.AgentsConnected.Set(5)

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(rec.Body.String(), "sondehub_agents_connected 5") {
		t.Fatal("registries must be isolated")
	}
}
