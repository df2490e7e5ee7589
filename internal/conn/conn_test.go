package conn

import (
	"testing"

	"github.com/oriys/spectrumreader/internal/domain"
	"github.com/oriys/spectrumreader/internal/rdma"
)

func newTestConn() *Connection {
	addr := domain.NewServerAddr([]byte{10, 0, 0, 1}, 18515)
	return New(addr, rdma.ConnID(1), 4)
}

func TestSetMaxPostedMonotonicallyNonIncreasing(t *testing.T) {
	c := newTestConn()
	c.SetMaxPosted(32)
	if c.MaxPosted() != 32 {
		t.Fatalf("expected maxPosted 32, got %d", c.MaxPosted())
	}
	c.SetMaxPosted(64) // attempt to widen; must be clamped
	if c.MaxPosted() != 32 {
		t.Fatalf("expected maxPosted to stay 32, got %d", c.MaxPosted())
	}
	c.SetMaxPosted(8)
	if c.MaxPosted() != 8 {
		t.Fatalf("expected maxPosted 8, got %d", c.MaxPosted())
	}
	if c.MinAck() != 2 {
		t.Fatalf("expected minAck 2 (8/4), got %d", c.MinAck())
	}
}

func TestEnqueuePostReapCreditAccounting(t *testing.T) {
	c := newTestConn()
	c.SetMaxPosted(2)
	c.SetState(StateEstablished)

	rr1 := &domain.ReadRequest{}
	rr2 := &domain.ReadRequest{}
	rr3 := &domain.ReadRequest{}
	c.Enqueue(rr1)
	c.Enqueue(rr2)
	c.Enqueue(rr3)

	if c.PendingLen() != 3 {
		t.Fatalf("expected 3 pending, got %d", c.PendingLen())
	}

	posted := 0
	for c.HasCredit() {
		rr := c.PopPending()
		if rr == nil {
			break
		}
		c.MarkPosted(rr)
		posted++
	}
	if posted != 2 {
		t.Fatalf("expected to post exactly 2 (credit ceiling), got %d", posted)
	}
	if c.NumPosted() != 2 {
		t.Fatalf("expected numPosted 2, got %d", c.NumPosted())
	}
	if c.PendingLen() != 1 {
		t.Fatalf("expected 1 still pending, got %d", c.PendingLen())
	}

	if _, ok := c.Reap(rr1.ID); !ok {
		t.Fatal("expected to reap rr1")
	}
	if c.NumPosted() != 1 {
		t.Fatalf("expected numPosted 1 after reap, got %d", c.NumPosted())
	}
	if _, ok := c.Reap(999); ok {
		t.Fatal("expected reap of unknown id to fail")
	}
}

func TestMemoryRegionCache(t *testing.T) {
	c := newTestConn()
	mr := rdma.MemoryRegion{LKey: 42}
	c.RegisterMemory(3, mr)

	got, ok := c.MemoryRegionFor(3)
	if !ok || got.LKey != 42 {
		t.Fatalf("expected cached region with LKey 42, got %+v ok=%v", got, ok)
	}
	if _, ok := c.MemoryRegionFor(7); ok {
		t.Fatal("expected miss for unregistered bucket")
	}
}

func TestReadyToDie(t *testing.T) {
	c := newTestConn()
	c.SetMaxPosted(1)
	c.SetState(StateDisconnecting)
	if !c.ReadyToDie() {
		t.Fatal("expected ready to die with zero posted")
	}

	rr := &domain.ReadRequest{}
	c.Enqueue(rr)
	c.PopPending()
	c.MarkPosted(rr)
	if c.ReadyToDie() {
		t.Fatal("expected not ready to die with one posted")
	}
}

func TestAckThreshold(t *testing.T) {
	c := newTestConn()
	c.SetMaxPosted(8) // minAck = 2

	if c.NoteCompletionEvent() {
		t.Fatal("expected no ack needed after first event")
	}
	if !c.NoteCompletionEvent() {
		t.Fatal("expected ack needed after reaching minAck")
	}
	c.ResetAckCounter()
	if c.PendingAckCount() != 0 {
		t.Fatalf("expected 0 pending acks after reset, got %d", c.PendingAckCount())
	}
}
