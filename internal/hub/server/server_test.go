package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sonde-ops/sondehub/internal/hub/ca"
	"github.com/sonde-ops/sondehub/internal/hub/config"
	"github.com/sonde-ops/sondehub/internal/hub/enroll"
	"github.com/sonde-ops/sondehub/internal/hub/events"
	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/mcpserver"
	"github.com/sonde-ops/sondehub/internal/hub/router"
	"github.com/sonde-ops/sondehub/internal/hub/store"
	"github.com/sonde-ops/sondehub/internal/shared/secrets"
)

// seedCA persists a small pre-generated CA so server startup skips the
// 4096-bit keygen.
func seedCA(t *testing.T, dbPath, hubSecret string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "Test Hub CA"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	authority := &ca.CA{Cert: cert, Key: key}

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	cipher, err := secrets.New([]byte(hubSecret))
	if err != nil {
		t.Fatal(err)
	}
	enc, err := cipher.EncryptString(authority.KeyPEM())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SaveHubCA(authority.CertPEM(), enc); err != nil {
		t.Fatal(err)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.HubSecret = "test-hub-secret"
	cfg.HubURL = "https://hub.example:8443"
	cfg.APIKeyPepper = "pepper"

	seedCA(t, cfg.DBPath(), cfg.HubSecret)

	s, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func serve(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestEnrollEndpoint(t *testing.T) {
	s := newTestServer(t)
	srv := serve(t, s)

	tok, err := s.enroll.CreateToken(time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(map[string]string{"token": tok.Token, "agent_name": "srv-01"})
	resp, err := http.Post(srv.URL+"/api/v1/enroll", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enroll returned %d", resp.StatusCode)
	}

	var creds enroll.Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		t.Fatal(err)
	}
	if creds.AgentName != "srv-01" || creds.CertPEM == "" || creds.HubURL != "https://hub.example:8443" {
		t.Fatalf("incomplete credentials: %+v", creds)
	}

	// A second redemption conflicts.
	resp2, err := http.Post(srv.URL+"/api/v1/enroll", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("replayed token should 409, got %d", resp2.StatusCode)
	}
}

func TestEnrollValidateEndpoint(t *testing.T) {
	s := newTestServer(t)
	srv := serve(t, s)

	tok, err := s.enroll.CreateToken(time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	check := func(token string, want bool) {
		t.Helper()
		resp, err := http.Get(srv.URL + "/api/v1/enroll/validate?token=" + token)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out map[string]bool
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		if out["valid"] != want {
			t.Fatalf("token %q: valid = %v, want %v", token, out["valid"], want)
		}
	}

	check(tok.Token, true)
	check("set_unknown", false)
}

func TestAgentWSRequiresClientCert(t *testing.T) {
	s := newTestServer(t)
	srv := serve(t, s)

	resp, err := http.Get(srv.URL + "/api/v1/agent/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("WS without client cert should 401, got %d", resp.StatusCode)
	}
}

func TestMCPRequiresAPIKey(t *testing.T) {
	s := newTestServer(t)
	srv := serve(t, s)

	resp, err := http.Get(srv.URL + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing bearer should 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Authorization", "Bearer sk_wrong")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key should 401, got %d", resp2.StatusCode)
	}
}

func TestAPIKeyMiddlewareTagsCaller(t *testing.T) {
	s := newTestServer(t)

	key, raw, err := s.store.CreateAPIKey([]byte(s.cfg.APIKeyPepper), "ops", "", "", "service", "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	var gotCaller string
	handler := s.requireAPIKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCaller = router.CallerFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid key rejected: %d", rec.Code)
	}
	if gotCaller != key.ID {
		t.Fatalf("caller id not tagged: got %q want %q", gotCaller, key.ID)
	}
}

func TestHealthzAndVersion(t *testing.T) {
	s := newTestServer(t)
	srv := serve(t, s)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz returned %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/version")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var v map[string]string
	if err := json.NewDecoder(resp2.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v["version"] == "" {
		t.Fatalf("version missing: %+v", v)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	srv := serve(t, s)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "sondehub_") {
		t.Fatalf("metrics exposition missing: %d", resp.StatusCode)
	}
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		kind huberr.Kind
		want int
	}{
		{huberr.Validation, http.StatusBadRequest},
		{huberr.NotFound, http.StatusNotFound},
		{huberr.Conflict, http.StatusConflict},
		{huberr.Unauthorised, http.StatusUnauthorized},
		{huberr.Forbidden, http.StatusForbidden},
		{huberr.Timeout, http.StatusGatewayTimeout},
		{huberr.Unreachable, http.StatusBadGateway},
		{huberr.Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, huberr.New(tc.kind, "boom"))
		if rec.Code != tc.want {
			t.Errorf("kind %s: got %d want %d", tc.kind, rec.Code, tc.want)
		}
	}
}

func TestRunbooksRegisteredFromPacks(t *testing.T) {
	s := newTestServer(t)
	categories := make(map[string]bool)
	for _, def := range s.engine.List() {
		categories[def.Category] = true
	}
	if !categories["http-health"] || !categories["datadog-health"] {
		t.Fatalf("pack runbooks not registered: %v", categories)
	}
	if !categories["fleet-health"] {
		t.Fatalf("built-in fleet-health runbook not registered: %v", categories)
	}
}

func TestFleetHealthRunbookRunsOnFreshHub(t *testing.T) {
	s := newTestServer(t)

	res, err := s.engine.Run(context.Background(), "fleet-health", nil)
	if err != nil {
		t.Fatal(err)
	}
	// No agents enrolled yet: the self-check runs and the empty fleet
	// surfaces as a warning, not an error.
	if res.ProbesRun != 1 || res.ProbesFailed != 0 {
		t.Fatalf("unexpected probe summary: %+v", res)
	}
	if res.FindingsCount.Warning != 1 {
		t.Fatalf("empty fleet should warn: %+v", res.Findings)
	}
}

func TestFleetEventsCounted(t *testing.T) {
	s := newTestServer(t)
	srv := serve(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.eventLoop(ctx)
	time.Sleep(20 * time.Millisecond)

	s.bus.Publish(events.Event{Type: events.AgentConnected, AgentID: "srv-01", Summary: "connected"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if strings.Contains(string(body), `sondehub_fleet_events_total{type="agent.connected"} 1`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fleet event never counted:\n%s", body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The history tail sees the same event.
	for len(s.history.Recent(0)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never reached the history")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.history.Recent(1); got[0].Type != events.AgentConnected {
		t.Fatalf("unexpected history entry: %+v", got)
	}
}

func TestVersionPropagatedToMCP(t *testing.T) {
	oldVersion, oldMCP := Version, mcpserver.Version
	t.Cleanup(func() {
		Version = oldVersion
		mcpserver.Version = oldMCP
	})
	Version = "9.9.9-test"

	newTestServer(t)
	if mcpserver.Version != "9.9.9-test" {
		t.Fatalf("build version not propagated, got %q", mcpserver.Version)
	}
}

func TestCheckLatestAgent(t *testing.T) {
	s := newTestServer(t)

	// Serve the version string a byte at a time so a single Read cannot
	// see all of it.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, b := range []byte("1.4.2\n") {
			w.Write([]byte{b})
			flusher.Flush()
		}
	}))
	t.Cleanup(upstream.Close)

	s.agentVersionURL = upstream.URL
	s.checkLatestAgent()

	v, err := s.store.GetSetting(store.SettingLatestAgent)
	if err != nil {
		t.Fatal(err)
	}
	if v != "1.4.2" {
		t.Fatalf("latest agent version not recorded, got %q", v)
	}
}
