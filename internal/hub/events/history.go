package events

import "sync"

// History tails the bus and keeps the most recent events so pull-based
// surfaces can answer "what happened lately" without holding a live
// subscription.
type History struct {
	bus *Bus
	id  string

	mu  sync.Mutex
	buf []Event
	max int
}

// NewHistory subscribes to the bus and retains up to max events.
func NewHistory(bus *Bus, max int) *History {
	if max < 1 {
		max = 256
	}
	h := &History{bus: bus, id: "history", max: max}
	ch := bus.Subscribe(h.id)
	go func() {
		for evt := range ch {
			h.mu.Lock()
			h.buf = append(h.buf, evt)
			if len(h.buf) > h.max {
				h.buf = h.buf[len(h.buf)-h.max:]
			}
			h.mu.Unlock()
		}
	}()
	return h
}

// Recent returns up to limit events, newest first. limit <= 0 returns
// everything retained.
func (h *History) Recent(limit int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.buf)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.buf[i])
	}
	return out
}

// Close unsubscribes from the bus and stops the tail goroutine.
func (h *History) Close() {
	h.bus.Unsubscribe(h.id)
}
