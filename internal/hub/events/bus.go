// Package events provides a pub/sub bus for hub-wide events. Connection
// state changes, probe executions and runbook completions flow through
// it so the MCP surface and integration event feeds see them live.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type classifies hub events.
type Type string

const (
	AgentConnected      Type = "agent.connected"
	AgentReconnected    Type = "agent.reconnected"
	AgentDisconnected   Type = "agent.disconnected"
	AgentDegraded       Type = "agent.degraded"
	AgentOffline        Type = "agent.offline"
	AgentEnrolled       Type = "agent.enrolled"
	AttestationMismatch Type = "agent.attestation_mismatch"
	ProbeExecuted       Type = "probe.executed"
	ProbeFailed         Type = "probe.failed"
	IntegrationTested   Type = "integration.tested"
	RunbookCompleted    Type = "runbook.completed"
)

// Event represents one hub event.
type Event struct {
	Type      Type      `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscriber, better than blocking
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the same
// id when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
