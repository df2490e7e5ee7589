package rdma

import (
	"context"
	"testing"
	"time"
)

func TestFakeProviderHappyConnect(t *testing.T) {
	f := NewFakeProvider()
	f.PeerRkey = 0x1234
	f.PeerInitiatorDepth = 16

	id, err := f.CreateID()
	if err != nil {
		t.Fatalf("CreateID: %v", err)
	}

	if err := f.ResolveAddr(context.Background(), id, [4]byte{10, 0, 0, 1}, 18515, time.Second); err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}
	if ev, ok, _ := f.NextEvent(); !ok || ev.Type != CMEventAddrResolved {
		t.Fatalf("expected ADDR_RESOLVED, got %+v ok=%v", ev, ok)
	}

	if _, err := f.CreateQP(id, 64); err != nil {
		t.Fatalf("CreateQP: %v", err)
	}
	if err := f.ResolveRoute(context.Background(), id, time.Second); err != nil {
		t.Fatalf("ResolveRoute: %v", err)
	}
	if ev, ok, _ := f.NextEvent(); !ok || ev.Type != CMEventRouteResolved {
		t.Fatalf("expected ROUTE_RESOLVED, got %+v ok=%v", ev, ok)
	}

	if err := f.Connect(id, 16); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ev, ok, _ := f.NextEvent()
	if !ok || ev.Type != CMEventEstablished {
		t.Fatalf("expected ESTABLISHED, got %+v ok=%v", ev, ok)
	}
	if ev.Rkey != 0x1234 || ev.InitiatorDepth != 16 {
		t.Fatalf("unexpected established params: %+v", ev)
	}
}

func TestFakeProviderReject(t *testing.T) {
	f := NewFakeProvider()
	f.RejectConnect = true

	id, _ := f.CreateID()
	_ = f.ResolveAddr(context.Background(), id, [4]byte{10, 0, 0, 1}, 18515, time.Second)
	f.NextEvent()
	_, _ = f.CreateQP(id, 64)
	_ = f.ResolveRoute(context.Background(), id, time.Second)
	f.NextEvent()

	if err := f.Connect(id, 16); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ev, ok, _ := f.NextEvent()
	if !ok || ev.Type != CMEventRejected {
		t.Fatalf("expected REJECTED, got %+v ok=%v", ev, ok)
	}
}

func TestFakeProviderPostAndComplete(t *testing.T) {
	f := NewFakeProvider()
	id, _ := f.CreateID()
	_, _ = f.CreateQP(id, 4)

	buf := make([]byte, 16)
	mr, err := f.RegisterMemory(id, buf)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	if err := f.PostRead(id, 42, buf, mr, 0x1000, 0xdeadbeef, 16); err != nil {
		t.Fatalf("PostRead: %v", err)
	}

	out := make([]WorkCompletion, 4)
	if n, _ := f.PollCQ(id, out); n != 0 {
		t.Fatalf("expected no completions before CompleteRead, got %d", n)
	}

	f.CompleteRead(id, 42, WCStatusSuccess)
	n, err := f.PollCQ(id, out)
	if err != nil {
		t.Fatalf("PollCQ: %v", err)
	}
	if n != 1 || out[0].WRID != 42 || out[0].Status != WCStatusSuccess {
		t.Fatalf("unexpected completion: n=%d out[0]=%+v", n, out[0])
	}
}
