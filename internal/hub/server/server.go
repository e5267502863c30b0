// Package server wires together all hub subsystems and exposes the TLS
// listener. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sonde-ops/sondehub/internal/hub/audit"
	"github.com/sonde-ops/sondehub/internal/hub/ca"
	"github.com/sonde-ops/sondehub/internal/hub/config"
	"github.com/sonde-ops/sondehub/internal/hub/dispatcher"
	"github.com/sonde-ops/sondehub/internal/hub/enroll"
	"github.com/sonde-ops/sondehub/internal/hub/events"
	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/integrations"
	"github.com/sonde-ops/sondehub/internal/hub/mcpserver"
	"github.com/sonde-ops/sondehub/internal/hub/metrics"
	"github.com/sonde-ops/sondehub/internal/hub/router"
	"github.com/sonde-ops/sondehub/internal/hub/runbook"
	"github.com/sonde-ops/sondehub/internal/hub/store"
	"github.com/sonde-ops/sondehub/internal/hub/trending"
	"github.com/sonde-ops/sondehub/internal/packs/datadog"
	"github.com/sonde-ops/sondehub/internal/packs/httpcheck"
	"github.com/sonde-ops/sondehub/internal/shared/secrets"
	"github.com/sonde-ops/sondehub/internal/shared/signing"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// latestAgentURL serves a one-line version string for the agent binary.
const latestAgentURL = "https://releases.sonde-ops.dev/agent/latest.txt"

// Server is the assembled hub.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	store     *store.Store
	cipher    *secrets.Cipher
	authority *ca.CA
	bus       *events.Bus
	history   *events.History
	metrics   *metrics.Metrics

	ledger     *audit.Ledger
	trending   *trending.Store
	dispatcher *dispatcher.Dispatcher
	executor   *integrations.Executor
	manager    *integrations.Manager
	router     *router.Router
	engine     *runbook.Engine
	enroll     *enroll.Service
	mcp        *mcpserver.MCPServer

	cron       *cron.Cron
	httpServer *http.Server

	// agentVersionURL serves a one-line version string for the agent
	// binary; a field so tests can point it at a local server.
	agentVersionURL string
}

// New builds a fully-wired Server from config.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:             cfg,
		logger:          logger,
		bus:             events.NewBus(256),
		metrics:         metrics.New(),
		agentVersionURL: latestAgentURL,
	}
	s.history = events.NewHistory(s.bus, 256)

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	s.store = st

	s.cipher, err = secrets.New([]byte(cfg.HubSecret))
	if err != nil {
		return nil, err
	}
	s.authority, err = enroll.BootstrapCA(st, s.cipher, logger)
	if err != nil {
		return nil, err
	}

	s.ledger = audit.NewLedger(st.DB())
	s.trending = trending.NewStore(st.DB(), logger)
	s.dispatcher = dispatcher.New(st, s.bus, signing.NewSigner(s.authority.Key), logger)

	s.executor = integrations.NewExecutor(s.cipher, nil, logger)
	s.executor.Register(httpcheck.New())
	s.executor.Register(datadog.New())
	s.manager = integrations.NewManager(st, s.executor, s.bus, logger)

	s.router = router.New(st, s.dispatcher, s.executor, s.manager, s.metrics, logger)
	s.engine = runbook.NewEngine(s.router, s.dispatcher, s.metrics, logger)
	if err := s.engine.Register(runbook.FleetHealth()); err != nil {
		return nil, err
	}
	s.engine.RegisterPackManifests(s.executor.Packs())
	if cfg.RunbookDir != "" {
		if err := s.engine.LoadYAMLDir(cfg.RunbookDir); err != nil {
			return nil, err
		}
	}

	s.enroll = enroll.NewService(st, s.authority, cfg.HubURL, s.bus, s.metrics, logger)
	mcpserver.Version = Version
	s.mcp = mcpserver.New(st, s.ledger, s.trending, s.router, s.engine, s.dispatcher, s.history, logger)

	s.cron = cron.New()
	if err := s.scheduleJobs(); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // probe calls and SSE streams outlive fixed write deadlines
		IdleTimeout:  120 * time.Second,
	}
	if cfg.HasTLS() {
		pool := x509.NewCertPool()
		pool.AddCert(s.authority.Cert)
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ClientAuth: tls.VerifyClientCertIfGiven,
			ClientCAs:  pool,
		}
	}

	return s, nil
}

func (s *Server) scheduleJobs() error {
	if _, err := s.cron.AddFunc("@every 15m", func() {
		if n, err := s.trending.Sweep(); err != nil {
			s.logger.Warn("trending sweep failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Debug("trending sweep", zap.Int64("evicted", n))
		}
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 1h", func() {
		if n, err := s.store.PurgeExpiredTokens(24 * time.Hour); err != nil {
			s.logger.Warn("token purge failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("purged expired enrollment tokens", zap.Int64("count", n))
		}
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 24h", s.checkLatestAgent); err != nil {
		return err
	}
	return nil
}

// checkLatestAgent records the newest published agent version so the
// dashboard and agents can compare against it.
func (s *Server) checkLatestAgent() {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(s.agentVersionURL)
	if err != nil {
		s.logger.Debug("agent version check failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.logger.Debug("agent version check failed", zap.Int("status", resp.StatusCode))
		return
	}

	// A single Read can return short; read to EOF with a cap instead.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		s.logger.Debug("agent version check failed", zap.Error(err))
		return
	}
	version := strings.TrimSpace(string(body))
	if version == "" {
		return
	}
	if err := s.store.SetSetting(store.SettingLatestAgent, version); err != nil {
		s.logger.Warn("store latest agent version", zap.Error(err))
		return
	}
	s.logger.Info("latest agent version", zap.String("version", version))
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.cron.Start()
	s.trending.Sweep()
	go s.gaugeLoop(ctx)
	go s.eventLoop(ctx)

	s.logger.Info("starting hub",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Bool("tls", s.cfg.HasTLS()),
		zap.Int("packs", len(s.executor.Packs())),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.cron.Stop()
	s.dispatcher.Close()
	return s.httpServer.Shutdown(shutdownCtx)
}

// eventLoop tails the bus: every fleet event lands in the log and on
// the sondehub_fleet_events_total counter.
func (s *Server) eventLoop(ctx context.Context) {
	ch := s.bus.Subscribe("server")
	defer s.bus.Unsubscribe("server")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.metrics.FleetEventsTotal.WithLabelValues(string(evt.Type)).Inc()
			s.logger.Info("fleet event",
				zap.String("type", string(evt.Type)),
				zap.String("agent", evt.AgentID),
				zap.String("summary", evt.Summary))
		}
	}
}

// gaugeLoop keeps the connection gauges current.
func (s *Server) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.AgentsConnected.Set(float64(len(s.dispatcher.ListOnlineAgents())))
			s.metrics.PendingRequests.Set(float64(s.dispatcher.InFlight()))
		}
	}
}

// Close releases all resources.
func (s *Server) Close() {
	if s.history != nil {
		s.history.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/enroll", s.handleEnroll)
	mux.HandleFunc("GET /api/v1/enroll/validate", s.handleValidateToken)
	mux.HandleFunc("GET /api/v1/agent/ws", s.handleAgentWS)
	mux.Handle("/mcp", s.requireAPIKey(s.mcp.Handler()))
	mux.Handle("/mcp/", s.requireAPIKey(s.mcp.Handler()))
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
}

type enrollRequest struct {
	Token     string `json:"token"`
	AgentName string `json:"agent_name"`
}

// handleEnroll redeems a one-shot token for agent credentials. This is
// the only write endpoint reachable without a client certificate: the
// token is the credential.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, huberr.New(huberr.Validation, "invalid JSON body"))
		return
	}

	creds, err := s.enroll.Consume(strings.TrimSpace(req.Token), strings.TrimSpace(req.AgentName))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, huberr.New(huberr.Validation, "token query parameter is required"))
		return
	}
	valid, err := s.enroll.IsValid(token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// handleAgentWS upgrades an agent connection. The agent identity is the
// CN of its verified client certificate; without one the connection is
// rejected.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	name := s.peerAgentName(r)
	if name == "" {
		writeError(w, huberr.New(huberr.Unauthorised, "client certificate required"))
		return
	}
	s.dispatcher.HandleAgentWS(w, r, name)
}

func (s *Server) peerAgentName(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	// VerifyClientCertIfGiven has already checked the chain against the
	// hub CA pool; the leaf CN is the enrolled agent name.
	return r.TLS.PeerCertificates[0].Subject.CommonName
}

// requireAPIKey authenticates MCP callers with a bearer API key and tags
// the request context with the key id for audit attribution.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		raw = strings.TrimSpace(raw)
		if raw == "" {
			writeError(w, huberr.New(huberr.Unauthorised, "API key required"))
			return
		}

		key, err := s.store.ValidateAPIKey([]byte(s.cfg.APIKeyPepper), raw)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := router.WithCaller(r.Context(), key.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	latest, _ := s.store.GetSetting(store.SettingLatestAgent)
	writeJSON(w, http.StatusOK, map[string]string{
		"version":      Version,
		"commit":       Commit,
		"latest_agent": latest,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch huberr.KindOf(err) {
	case huberr.Validation:
		status = http.StatusBadRequest
	case huberr.NotFound:
		status = http.StatusNotFound
	case huberr.Conflict:
		status = http.StatusConflict
	case huberr.Unauthorised:
		status = http.StatusUnauthorized
	case huberr.Forbidden:
		status = http.StatusForbidden
	case huberr.Timeout:
		status = http.StatusGatewayTimeout
	case huberr.Unreachable:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
