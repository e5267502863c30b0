package dispatcher

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/protocol"
)

// result is what a waiter receives: the agent's response or a terminal
// error (timeout, disconnect, shutdown).
type result struct {
	body protocol.ResponseBody
	err  error
}

// waiter is one in-flight request awaiting its response envelope.
type waiter struct {
	id       int64
	agent    string
	method   string
	deadline time.Time
	ch       chan result // buffered 1, send never blocks
}

// pendingTable correlates request ids with waiters. Ids are monotone per
// hub process. Deadlines live in a min-heap serviced by one goroutine;
// heap entries for completed waiters are skipped lazily.
type pendingTable struct {
	mu      sync.Mutex
	nextID  int64
	waiters map[int64]*waiter
	heap    deadlineHeap

	wake chan struct{}
	done chan struct{}
}

func newPendingTable() *pendingTable {
	p := &pendingTable{
		waiters: make(map[int64]*waiter),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.expireLoop()
	return p
}

// add registers a waiter with a fresh id and a deadline.
func (p *pendingTable) add(agent, method string, timeout time.Duration) *waiter {
	p.mu.Lock()
	p.nextID++
	w := &waiter{
		id:       p.nextID,
		agent:    agent,
		method:   method,
		deadline: time.Now().Add(timeout),
		ch:       make(chan result, 1),
	}
	p.waiters[w.id] = w
	heap.Push(&p.heap, deadlineEntry{id: w.id, at: w.deadline})
	earliest := p.heap[0].id == w.id
	p.mu.Unlock()

	if earliest {
		p.kick()
	}
	return w
}

// complete delivers a response to the waiter, if still tracked.
func (p *pendingTable) complete(id int64, body protocol.ResponseBody) bool {
	w := p.take(id)
	if w == nil {
		return false
	}
	w.ch <- result{body: body}
	return true
}

// fail terminates a single waiter with an error.
func (p *pendingTable) fail(id int64, err error) bool {
	w := p.take(id)
	if w == nil {
		return false
	}
	w.ch <- result{err: err}
	return true
}

// failAgent terminates every waiter bound to the given agent. Used when
// its session closes.
func (p *pendingTable) failAgent(agent string, err error) int {
	p.mu.Lock()
	var failed []*waiter
	for id, w := range p.waiters {
		if w.agent == agent {
			failed = append(failed, w)
			delete(p.waiters, id)
		}
	}
	p.mu.Unlock()

	for _, w := range failed {
		w.ch <- result{err: err}
	}
	return len(failed)
}

// drop removes a waiter without delivering anything. Used when the
// caller's context is cancelled.
func (p *pendingTable) drop(id int64) {
	p.take(id)
}

func (p *pendingTable) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// close stops the expiry goroutine and fails all waiters.
func (p *pendingTable) close() {
	close(p.done)

	p.mu.Lock()
	remaining := make([]*waiter, 0, len(p.waiters))
	for id, w := range p.waiters {
		remaining = append(remaining, w)
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	for _, w := range remaining {
		w.ch <- result{err: huberr.New(huberr.Unreachable, "hub shutting down")}
	}
}

func (p *pendingTable) take(id int64) *waiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.waiters[id]
	if !ok {
		return nil
	}
	delete(p.waiters, id)
	return w
}

func (p *pendingTable) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// expireLoop services the deadline heap. It sleeps until the earliest
// deadline, fails everything due, and resumes. New earlier deadlines
// interrupt the sleep via wake.
func (p *pendingTable) expireLoop() {
	for {
		p.mu.Lock()
		now := time.Now()
		var due []*waiter
		for p.heap.Len() > 0 && !p.heap[0].at.After(now) {
			entry := heap.Pop(&p.heap).(deadlineEntry)
			if w, ok := p.waiters[entry.id]; ok && !w.deadline.After(now) {
				due = append(due, w)
				delete(p.waiters, entry.id)
			}
		}
		var next time.Duration = -1
		if p.heap.Len() > 0 {
			next = time.Until(p.heap[0].at)
		}
		p.mu.Unlock()

		for _, w := range due {
			w.ch <- result{err: huberr.Newf(huberr.Timeout,
				"probe %s timed out waiting for agent %s", w.method, w.agent)}
		}

		if next < 0 {
			select {
			case <-p.wake:
			case <-p.done:
				return
			}
			continue
		}
		timer := time.NewTimer(next)
		select {
		case <-timer.C:
		case <-p.wake:
			timer.Stop()
		case <-p.done:
			timer.Stop()
			return
		}
	}
}

type deadlineEntry struct {
	id int64
	at time.Time
}

type deadlineHeap []deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadlineEntry)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
