package datadog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/integrations"
)

func fakeDatadog(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("DD-API-KEY") != "api-1" || r.Header.Get("DD-APPLICATION-KEY") != "app-1" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/api/v1/validate", authed(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"valid":true}`))
	}))
	mux.HandleFunc("/api/v1/monitor", authed(func(w http.ResponseWriter, r *http.Request) {
		if tag := r.URL.Query().Get("monitor_tags"); tag == "env:prod" {
			w.Write([]byte(`[{"id":1,"name":"cpu high","overall_state":"Alert"}]`))
			return
		}
		w.Write([]byte(`[
			{"id":1,"name":"cpu high","overall_state":"Alert"},
			{"id":2,"name":"disk","overall_state":"OK"},
			{"id":3,"name":"latency","overall_state":"Warn"}
		]`))
	}))
	mux.HandleFunc("/api/v1/events", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start") == "" || r.URL.Query().Get("end") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"events":[
			{"title":"deploy","alert_type":"info"},
			{"title":"oom","alert_type":"error"}
		]}`))
	}))
	mux.HandleFunc("/api/v1/monitor/search", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("query") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"monitors":[{"id":1,"name":"cpu high","overall_state":"Alert"}],"metadata":{"total_count":1}}`))
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func ddCreds() integrations.Credentials {
	return integrations.Credentials{APIKey: "api-1", AppKey: "app-1"}
}

func run(t *testing.T, srv *httptest.Server, probe string, params map[string]any) (any, error) {
	t.Helper()
	h, ok := New().Handlers()[probe]
	if !ok {
		t.Fatalf("no handler for %s", probe)
	}
	return h(context.Background(), params, integrations.Config{Endpoint: srv.URL}, ddCreds(), integrations.NewFetch(nil))
}

func TestMonitorsSummarisesStates(t *testing.T) {
	srv := fakeDatadog(t)
	data, err := run(t, srv, "datadog.monitors", nil)
	if err != nil {
		t.Fatal(err)
	}
	out := data.(map[string]any)
	if out["total"] != 3 {
		t.Fatalf("expected 3 monitors, got %+v", out)
	}
	byState := out["by_state"].(map[string]int)
	if byState["alert"] != 1 || byState["ok"] != 1 || byState["warn"] != 1 {
		t.Fatalf("state summary wrong: %+v", byState)
	}
	if len(out["alerting"].([]map[string]any)) != 2 {
		t.Fatalf("alert+warn monitors should be listed: %+v", out["alerting"])
	}
}

func TestMonitorsTagFilter(t *testing.T) {
	srv := fakeDatadog(t)
	data, err := run(t, srv, "datadog.monitors", map[string]any{"tag": "env:prod"})
	if err != nil {
		t.Fatal(err)
	}
	if data.(map[string]any)["total"] != 1 {
		t.Fatalf("tag filter not applied: %+v", data)
	}
}

func TestEventsWindow(t *testing.T) {
	srv := fakeDatadog(t)
	data, err := run(t, srv, "datadog.events", map[string]any{"window_minutes": float64(30)})
	if err != nil {
		t.Fatal(err)
	}
	out := data.(map[string]any)
	if out["window_minutes"] != 30 || out["total"] != 2 {
		t.Fatalf("unexpected event summary: %+v", out)
	}
	if out["by_alert_type"].(map[string]int)["error"] != 1 {
		t.Fatalf("alert type counts wrong: %+v", out)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	srv := fakeDatadog(t)
	if _, err := run(t, srv, "datadog.search", nil); !huberr.Is(err, huberr.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	data, err := run(t, srv, "datadog.search", map[string]any{"query": "cpu"})
	if err != nil {
		t.Fatal(err)
	}
	if data.(map[string]any)["total_count"] != 1 {
		t.Fatalf("unexpected search result: %+v", data)
	}
}

func TestBadKeysFail(t *testing.T) {
	srv := fakeDatadog(t)
	h := New().Handlers()["datadog.monitors"]
	_, err := h(context.Background(), nil, integrations.Config{Endpoint: srv.URL},
		integrations.Credentials{APIKey: "wrong", AppKey: "wrong"}, integrations.NewFetch(nil))
	if err == nil {
		t.Fatal("forbidden response must fail the probe")
	}
}

func TestTestConnection(t *testing.T) {
	srv := fakeDatadog(t)
	p := New()
	fetch := integrations.NewFetch(nil)

	if err := p.TestConnection(context.Background(), integrations.Config{Endpoint: srv.URL}, ddCreds(), fetch); err != nil {
		t.Fatal(err)
	}
	err := p.TestConnection(context.Background(), integrations.Config{Endpoint: srv.URL},
		integrations.Credentials{APIKey: "wrong"}, fetch)
	if err == nil {
		t.Fatal("invalid keys must fail the connection test")
	}
}

func TestManifestDeclaresRunbook(t *testing.T) {
	m := New().Manifest()
	if m.Runbook == nil || m.Runbook.Category != "datadog-health" {
		t.Fatalf("runbook manifest missing: %+v", m.Runbook)
	}
	handlers := New().Handlers()
	for _, probe := range m.Runbook.Probes {
		if _, ok := handlers[probe]; !ok {
			t.Errorf("runbook probe %s not exported by the pack", probe)
		}
	}
}
