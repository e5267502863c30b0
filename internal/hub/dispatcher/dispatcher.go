// Package dispatcher manages agent WebSocket sessions on the hub. It
// correlates probe requests with responses, tracks heartbeat liveness
// and routes unsolicited agent events into the fleet state.
package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sonde-ops/sondehub/internal/hub/events"
	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/store"
	"github.com/sonde-ops/sondehub/internal/protocol"
	"github.com/sonde-ops/sondehub/internal/shared/signing"
)

const (
	heartbeatInterval = protocol.HeartbeatIntervalSeconds * time.Second
	// Read deadline spans two heartbeat intervals plus slack. The second
	// missed beat closes the socket from the read loop.
	readDeadline = 2*heartbeatInterval + 15*time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Identity comes from the mTLS client cert, checked before upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FleetState is the slice of the store the dispatcher mutates.
type FleetState interface {
	GetAgentByName(name string) (*store.Agent, error)
	SetAgentStatus(name, status string, lastSeen time.Time) error
	SetAgentRuntime(name, os, agentVersion string) error
	SetAgentPacks(name string, packs []protocol.PackStatus) error
	SetAgentAttestation(name, attestationJSON string, mismatch bool) error
}

// session is one live agent connection.
type session struct {
	name      string
	conn      *websocket.Conn
	connected time.Time

	mu       sync.Mutex
	lastBeat time.Time
	status   string
	closed   bool
}

// AgentInfo is a JSON-safe view of a live session.
type AgentInfo struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Connected time.Time `json:"connected"`
	LastBeat  time.Time `json:"last_heartbeat"`
}

// Dispatcher owns all agent sessions.
type Dispatcher struct {
	mu       sync.RWMutex
	sessions map[string]*session

	pending *pendingTable
	signer  *signing.Signer
	fleet   FleetState
	bus     *events.Bus
	logger  *zap.Logger

	// now is swappable for liveness tests.
	now func() time.Time
}

// New creates a dispatcher. The signer signs every hub-originated frame
// with the CA key; agents reject unsigned frames.
func New(fleet FleetState, bus *events.Bus, signer *signing.Signer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sessions: make(map[string]*session),
		pending:  newPendingTable(),
		signer:   signer,
		fleet:    fleet,
		bus:      bus,
		logger:   logger.Named("dispatcher"),
		now:      time.Now,
	}
}

// HandleAgentWS upgrades an authenticated agent connection and runs its
// read loop until the socket closes. The agent name is the CN of the
// verified client certificate, extracted by the server layer.
func (d *Dispatcher) HandleAgentWS(w http.ResponseWriter, r *http.Request, agentName string) {
	if agentName == "" {
		http.Error(w, `{"error":"missing agent identity"}`, http.StatusUnauthorized)
		return
	}
	if _, err := d.fleet.GetAgentByName(agentName); err != nil {
		http.Error(w, `{"error":"agent not enrolled"}`, http.StatusForbidden)
		d.logger.Warn("connection from unenrolled agent",
			zap.String("agent", agentName),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Error("upgrade failed", zap.String("agent", agentName), zap.Error(err))
		return
	}

	sess := &session{
		name:      agentName,
		conn:      conn,
		connected: d.now().UTC(),
		lastBeat:  d.now().UTC(),
		status:    store.AgentOnline,
	}

	evtType := events.AgentConnected
	d.mu.Lock()
	if existing, ok := d.sessions[agentName]; ok {
		// Replace-on-reconnect: the newer socket wins.
		existing.conn.Close()
		evtType = events.AgentReconnected
	}
	d.sessions[agentName] = sess
	d.mu.Unlock()

	d.logger.Info("agent connected", zap.String("agent", agentName))
	d.setStatus(sess, store.AgentOnline, evtType)

	stopBeats := make(chan struct{})
	go d.heartbeatLoop(sess, stopBeats)

	defer func() {
		close(stopBeats)
		conn.Close()
		d.mu.Lock()
		current := d.sessions[agentName] == sess
		if current {
			delete(d.sessions, agentName)
		}
		d.mu.Unlock()

		// A replaced session must not touch fleet state: the newer socket
		// owns the agent's status and its pending calls.
		if !current {
			d.logger.Info("replaced agent session closed", zap.String("agent", agentName))
			return
		}

		d.setStatus(sess, store.AgentOffline, events.AgentDisconnected)
		n := d.pending.failAgent(agentName,
			huberr.Newf(huberr.Unreachable, "agent %s disconnected", agentName))
		d.logger.Info("agent disconnected",
			zap.String("agent", agentName), zap.Int("failed_pending", n))
	}()

	_ = conn.SetReadDeadline(d.now().Add(readDeadline))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			d.logger.Warn("malformed frame from agent",
				zap.String("agent", agentName), zap.Error(err))
			continue
		}
		d.handleFrame(sess, env)
	}
}

// handleFrame routes one inbound envelope. Panics in event handlers must
// never tear down the session.
func (d *Dispatcher) handleFrame(sess *session, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic handling agent frame",
				zap.String("agent", sess.name),
				zap.Int64("id", env.ID),
				zap.Any("panic", r))
		}
	}()

	switch env.Kind {
	case protocol.KindHeartbeat:
		d.touchBeat(sess)
		_ = sess.conn.SetReadDeadline(d.now().Add(readDeadline))

	case protocol.KindResponse:
		d.touchBeat(sess)
		var body protocol.ResponseBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			d.logger.Warn("malformed response body",
				zap.String("agent", sess.name), zap.Int64("id", env.ID), zap.Error(err))
			return
		}
		if !d.pending.complete(env.ID, body) {
			d.logger.Warn("response for unknown request id",
				zap.String("agent", sess.name), zap.Int64("id", env.ID))
		}

	case protocol.KindEvent:
		d.touchBeat(sess)
		var body protocol.EventBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			d.logger.Warn("malformed event body",
				zap.String("agent", sess.name), zap.Error(err))
			return
		}
		d.handleAgentEvent(sess.name, body)

	default:
		d.logger.Warn("unexpected frame kind from agent",
			zap.String("agent", sess.name), zap.String("kind", string(env.Kind)))
	}
}

// handleAgentEvent applies an unsolicited agent event to the fleet state.
func (d *Dispatcher) handleAgentEvent(agent string, body protocol.EventBody) {
	switch body.Type {
	case protocol.EventStatus:
		var p protocol.StatusEventPayload
		if err := json.Unmarshal(body.Payload, &p); err != nil {
			d.logger.Warn("bad status event", zap.String("agent", agent), zap.Error(err))
			return
		}
		if err := d.fleet.SetAgentRuntime(agent, p.OS, p.AgentVersion); err != nil {
			d.logger.Error("record agent runtime", zap.String("agent", agent), zap.Error(err))
		}

	case protocol.EventAttestation:
		var p protocol.AttestationEventPayload
		if err := json.Unmarshal(body.Payload, &p); err != nil {
			d.logger.Warn("bad attestation event", zap.String("agent", agent), zap.Error(err))
			return
		}
		mismatch := d.attestationMismatch(agent, p)
		raw, _ := json.Marshal(p)
		if err := d.fleet.SetAgentAttestation(agent, string(raw), mismatch); err != nil {
			d.logger.Error("record attestation", zap.String("agent", agent), zap.Error(err))
			return
		}
		if mismatch && d.bus != nil {
			d.bus.Publish(events.Event{
				Type:    events.AttestationMismatch,
				AgentID: agent,
				Summary: "agent binary checksum changed without a version change",
				Detail:  p,
			})
		}

	case protocol.EventPacks:
		var p protocol.PacksEventPayload
		if err := json.Unmarshal(body.Payload, &p); err != nil {
			d.logger.Warn("bad packs event", zap.String("agent", agent), zap.Error(err))
			return
		}
		if err := d.fleet.SetAgentPacks(agent, p.Packs); err != nil {
			d.logger.Error("record packs", zap.String("agent", agent), zap.Error(err))
		}

	default:
		d.logger.Warn("unknown agent event type",
			zap.String("agent", agent), zap.String("type", body.Type))
	}
}

// attestationMismatch flags a checksum change for an unchanged version.
// First reports never mismatch.
func (d *Dispatcher) attestationMismatch(agent string, p protocol.AttestationEventPayload) bool {
	a, err := d.fleet.GetAgentByName(agent)
	if err != nil || a.AttestationJSON == "" {
		return false
	}
	var prev protocol.AttestationEventPayload
	if err := json.Unmarshal([]byte(a.AttestationJSON), &prev); err != nil {
		return false
	}
	return prev.Version == p.Version && prev.Checksum != p.Checksum
}

// Call sends a signed probe request to an agent and waits for the
// correlated response, the timeout, or ctx cancellation.
func (d *Dispatcher) Call(ctx context.Context, agent, method string, params map[string]any, timeout time.Duration) (*protocol.ResponseBody, error) {
	d.mu.RLock()
	sess, ok := d.sessions[agent]
	d.mu.RUnlock()
	if !ok {
		return nil, huberr.Newf(huberr.Unreachable, "agent %s is not connected", agent)
	}

	w := d.pending.add(agent, method, timeout)
	env, err := protocol.NewRequest(w.id, method, params)
	if err != nil {
		d.pending.drop(w.id)
		return nil, huberr.Wrap(huberr.Internal, "encode request", err)
	}
	if err := d.send(sess, env); err != nil {
		d.pending.drop(w.id)
		return nil, huberr.Wrap(huberr.Unreachable, "write to agent", err)
	}

	select {
	case res := <-w.ch:
		if res.err != nil {
			return nil, res.err
		}
		return &res.body, nil
	case <-ctx.Done():
		d.pending.drop(w.id)
		return nil, huberr.Wrap(huberr.Timeout, "probe cancelled", ctx.Err())
	}
}

// Broadcast sends a signed event frame to every connected agent.
func (d *Dispatcher) Broadcast(eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("encode broadcast payload", zap.Error(err))
		return
	}
	body, _ := json.Marshal(protocol.EventBody{Type: eventType, Payload: raw})
	env := protocol.Envelope{ID: 0, Kind: protocol.KindEvent, Body: body}

	d.mu.RLock()
	targets := make([]*session, 0, len(d.sessions))
	for _, s := range d.sessions {
		targets = append(targets, s)
	}
	d.mu.RUnlock()

	for _, s := range targets {
		if err := d.send(s, env); err != nil {
			d.logger.Warn("broadcast write failed",
				zap.String("agent", s.name), zap.Error(err))
		}
	}
}

// IsOnline reports whether the agent has a live, non-offline session.
func (d *Dispatcher) IsOnline(agent string) bool {
	d.mu.RLock()
	sess, ok := d.sessions[agent]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.status != store.AgentOffline
}

// ListOnlineAgents returns the names of all live sessions, sorted.
func (d *Dispatcher) ListOnlineAgents() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.sessions))
	for name := range d.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns live session info for the fleet view.
func (d *Dispatcher) List() []AgentInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]AgentInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		s.mu.Lock()
		out = append(out, AgentInfo{
			Name:      s.name,
			Status:    s.status,
			Connected: s.connected,
			LastBeat:  s.lastBeat,
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// InFlight returns the number of outstanding probe requests.
func (d *Dispatcher) InFlight() int {
	return d.pending.inFlight()
}

// Close shuts the dispatcher down, failing all pending requests and
// closing every session.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for _, s := range d.sessions {
		s.conn.Close()
	}
	d.mu.Unlock()
	d.pending.close()
}

// heartbeatLoop sends hub heartbeats and degrades the session when the
// agent's beats stop arriving. One missed interval marks the agent
// degraded; the read deadline closes the socket after the second.
func (d *Dispatcher) heartbeatLoop(sess *session, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if err := d.send(sess, protocol.NewHeartbeat(d.now().Unix())); err != nil {
			return
		}

		sess.mu.Lock()
		silent := d.now().Sub(sess.lastBeat)
		status := sess.status
		sess.mu.Unlock()

		if silent > heartbeatInterval && status == store.AgentOnline {
			d.logger.Warn("agent missed a heartbeat",
				zap.String("agent", sess.name), zap.Duration("silent", silent))
			d.setStatus(sess, store.AgentDegraded, events.AgentDegraded)
		}
	}
}

// touchBeat records inbound traffic as liveness and restores a degraded
// session to online.
func (d *Dispatcher) touchBeat(sess *session) {
	sess.mu.Lock()
	sess.lastBeat = d.now().UTC()
	wasDegraded := sess.status == store.AgentDegraded
	sess.mu.Unlock()

	if wasDegraded {
		d.setStatus(sess, store.AgentOnline, events.AgentReconnected)
	}
}

// setStatus updates the session, persists the transition and publishes
// it on the bus.
func (d *Dispatcher) setStatus(sess *session, status string, evtType events.Type) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.status = status
	if status == store.AgentOffline {
		sess.closed = true
	}
	sess.mu.Unlock()

	if err := d.fleet.SetAgentStatus(sess.name, status, d.now().UTC()); err != nil {
		d.logger.Error("persist agent status",
			zap.String("agent", sess.name), zap.String("status", status), zap.Error(err))
	}
	if d.bus != nil {
		d.bus.Publish(events.Event{
			Type:    evtType,
			AgentID: sess.name,
			Summary: "agent " + sess.name + " is " + status,
		})
	}
}

// send writes a signed envelope to the session. All hub-originated
// frames carry a signature over kind|id|body.
func (d *Dispatcher) send(sess *session, env protocol.Envelope) error {
	if d.signer != nil {
		sig, err := d.signer.Sign(string(env.Kind), env.ID, env.Body)
		if err != nil {
			return err
		}
		env.Sig = sig
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	_ = sess.conn.SetWriteDeadline(d.now().Add(10 * time.Second))
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}
