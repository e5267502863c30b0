// Package protocol defines the wire protocol between the hub and its agents.
// Both sides import this package to ensure type safety.
package protocol

import "encoding/json"

// Kind identifies the kind of message on the WebSocket wire.
type Kind string

const (
	// Hub → Agent
	KindRequest Kind = "request"

	// Agent → Hub
	KindResponse Kind = "response"
	KindEvent    Kind = "event"

	// Bidirectional, every 30s
	KindHeartbeat Kind = "heartbeat"
)

// HeartbeatIntervalSeconds is the cadence for heartbeat frames.
// Two consecutive missed heartbeats mark the session offline.
const HeartbeatIntervalSeconds = 30

// Envelope wraps every message on the wire.
//
// Requests from the hub carry a fresh monotone ID; responses echo it.
// Unsolicited agent events carry ID 0. Hub-originated messages include
// Sig, a detached signature by the hub CA key over the canonical form
// kind|id|canonical-json(body). Agents reject unsigned hub messages.
type Envelope struct {
	ID   int64           `json:"id"`
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
	Sig  string          `json:"sig,omitempty"`
}

// RequestBody is the body of a hub → agent probe request.
type RequestBody struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// ResponseBody is the body of an agent → hub probe response.
type ResponseBody struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// EventBody is the body of an unsolicited agent → hub event.
type EventBody struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HeartbeatBody is the body of a heartbeat frame.
type HeartbeatBody struct {
	TS int64 `json:"ts"` // unix seconds
}

// Agent event types.
const (
	EventStatus      = "status"      // version/OS status report
	EventAttestation = "attestation" // binary attestation report
	EventPacks       = "packs"       // installed pack list
)

// StatusEventPayload reports the agent's running state.
type StatusEventPayload struct {
	AgentVersion string `json:"agent_version"`
	OS           string `json:"os"`
	UptimeSec    int64  `json:"uptime_seconds"`
}

// AttestationEventPayload carries the agent's binary attestation.
type AttestationEventPayload struct {
	Checksum string `json:"checksum"`
	Version  string `json:"version"`
	Raw      string `json:"raw,omitempty"`
}

// PackStatus describes one pack loaded on an agent.
type PackStatus struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"` // loaded, failed, disabled
}

// PacksEventPayload lists packs loaded on an agent, in load order.
type PacksEventPayload struct {
	Packs []PackStatus `json:"packs"`
}

// NewRequest builds a request envelope. The body is marshalled eagerly
// so the signature input is stable.
func NewRequest(id int64, method string, params map[string]any) (Envelope, error) {
	body, err := json.Marshal(RequestBody{Method: method, Params: params})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Kind: KindRequest, Body: body}, nil
}

// NewHeartbeat builds a heartbeat envelope for the given unix timestamp.
func NewHeartbeat(ts int64) Envelope {
	body, _ := json.Marshal(HeartbeatBody{TS: ts})
	return Envelope{ID: 0, Kind: KindHeartbeat, Body: body}
}
