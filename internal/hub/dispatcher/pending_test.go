package dispatcher

import (
	"testing"
	"time"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/protocol"
)

func TestPendingMonotoneIDs(t *testing.T) {
	p := newPendingTable()
	defer p.close()

	a := p.add("srv-01", "disk.usage", time.Minute)
	b := p.add("srv-02", "http.status", time.Minute)
	if b.id != a.id+1 {
		t.Fatalf("ids must be monotone, got %d then %d", a.id, b.id)
	}
}

func TestPendingCompleteDelivers(t *testing.T) {
	p := newPendingTable()
	defer p.close()

	w := p.add("srv-01", "disk.usage", time.Minute)
	if !p.complete(w.id, protocol.ResponseBody{OK: true}) {
		t.Fatal("complete should find the waiter")
	}
	res := <-w.ch
	if res.err != nil || !res.body.OK {
		t.Fatalf("unexpected result: %+v", res)
	}
	if p.complete(w.id, protocol.ResponseBody{}) {
		t.Fatal("double complete must miss")
	}
}

func TestPendingExpiresEarliestFirst(t *testing.T) {
	p := newPendingTable()
	defer p.close()

	slow := p.add("srv-01", "slow.probe", time.Minute)
	fast := p.add("srv-01", "fast.probe", 30*time.Millisecond)

	select {
	case res := <-fast.ch:
		if !huberr.Is(res.err, huberr.Timeout) {
			t.Fatalf("expected timeout, got %v", res.err)
		}
	case <-time.After(time.Second):
		t.Fatal("short deadline did not fire")
	}

	select {
	case <-slow.ch:
		t.Fatal("long deadline fired with the short one")
	default:
	}
	if p.inFlight() != 1 {
		t.Fatalf("expected 1 in flight, got %d", p.inFlight())
	}
}

func TestPendingFailAgentScoped(t *testing.T) {
	p := newPendingTable()
	defer p.close()

	a := p.add("srv-01", "disk.usage", time.Minute)
	b := p.add("srv-02", "disk.usage", time.Minute)

	n := p.failAgent("srv-01", huberr.New(huberr.Unreachable, "agent srv-01 disconnected"))
	if n != 1 {
		t.Fatalf("expected 1 failed waiter, got %d", n)
	}
	res := <-a.ch
	if !huberr.Is(res.err, huberr.Unreachable) {
		t.Fatalf("expected unreachable, got %v", res.err)
	}

	select {
	case <-b.ch:
		t.Fatal("other agent's waiter must survive")
	default:
	}
}

func TestPendingCloseFailsAll(t *testing.T) {
	p := newPendingTable()
	w := p.add("srv-01", "disk.usage", time.Minute)
	p.close()

	res := <-w.ch
	if !huberr.Is(res.err, huberr.Unreachable) {
		t.Fatalf("expected unreachable on shutdown, got %v", res.err)
	}
}
