package reactor

import (
	"crypto/md5"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/oriys/spectrumreader/internal/bufferpool"
	"github.com/oriys/spectrumreader/internal/config"
	"github.com/oriys/spectrumreader/internal/conn"
	"github.com/oriys/spectrumreader/internal/consumerqueue"
	"github.com/oriys/spectrumreader/internal/domain"
	"github.com/oriys/spectrumreader/internal/rdma"
)

func testCfg() config.ReaderConfig {
	return config.ReaderConfig{
		ResolveAddrTimeoutMS:     1000,
		ResolveRouteTimeoutMS:    1000,
		RDMAReadMaxPosted:        4,
		RDMAReadMinAckPart:       4,
		PreconnectBacklog:        true,
		InactiveServerTimeoutSec: 60,
	}
}

func testAddr() domain.ServerAddr {
	return domain.NewServerAddr(net.IPv4(10, 0, 0, 1), 18515)
}

func newTestReactor(t *testing.T) (*Reactor, *rdma.FakeProvider, *consumerqueue.Registry) {
	t.Helper()
	provider := rdma.NewFakeProvider()
	pool, err := bufferpool.New(64, 4096, 4)
	if err != nil {
		t.Fatalf("bufferpool.New: %v", err)
	}
	consumers := consumerqueue.NewRegistry(8)
	r := New(provider, pool, consumers, testCfg())
	r.state = stateRun
	return r, provider, consumers
}

// establish drives a connection through resolve_addr -> resolve_route ->
// connect -> established by processing the CM events the fake synthesizes
// for each step, mirroring the sequence in §4.2.
func establish(t *testing.T, r *Reactor, addr domain.ServerAddr) *conn.Connection {
	t.Helper()
	c, err := r.findOrOpen(addr)
	if err != nil {
		t.Fatalf("findOrOpen: %v", err)
	}
	// ResolveAddr -> CMEventAddrResolved
	r.handleOneCMEvent()
	if c.State() != conn.StateResolvingRoute {
		t.Fatalf("after addr resolved, state = %s, want resolving_route", c.State())
	}
	// ResolveRoute -> CMEventRouteResolved
	r.handleOneCMEvent()
	if c.State() != conn.StateConnecting {
		t.Fatalf("after route resolved, state = %s, want connecting", c.State())
	}
	// Connect -> CMEventEstablished
	r.handleOneCMEvent()
	if c.State() != conn.StateEstablished {
		t.Fatalf("after connect, state = %s, want established", c.State())
	}
	return c
}

func spectrumEntry(server domain.ServerAddr, payload []byte, consumers ...domain.ConsumerID) domain.SpectrumEntry {
	digest := md5.Sum(payload)
	return domain.SpectrumEntry{
		Info: domain.SpectrumInfo{
			Server:         server,
			DataAddr:       0x1000,
			NumChannels:    1,
			PerChannelSize: uint32(len(payload)),
			Digest:         digest,
		},
		ConsumerSet: consumers,
	}
}

func TestEstablishNegotiatesMaxPosted(t *testing.T) {
	r, provider, _ := newTestReactor(t)
	provider.DeviceMaxQPInitRdAtom = 2
	provider.PeerInitiatorDepth = 1 << 20

	c := establish(t, r, testAddr())

	if got, want := c.MaxPosted(), 2; got != want {
		t.Fatalf("max_posted = %d, want %d (device cap should tighten cfg default)", got, want)
	}
}

func TestEstablishTightensToInitiatorDepth(t *testing.T) {
	r, provider, _ := newTestReactor(t)
	provider.DeviceMaxQPInitRdAtom = 1 << 20
	provider.PeerInitiatorDepth = 1

	c := establish(t, r, testAddr())

	if got, want := c.MaxPosted(), 1; got != want {
		t.Fatalf("max_posted = %d, want %d (peer initiator_depth should tighten further)", got, want)
	}
}

func TestSignalIntakePostCompleteDeliver(t *testing.T) {
	r, provider, consumers := newTestReactor(t)
	addr := testAddr()
	q := consumers.Register("alpha")

	c := establish(t, r, addr)

	payload := []byte("spectrum-channel-payload")
	entry := spectrumEntry(addr, payload, "alpha")
	r.handleSignal(domain.NewSignalMsg([]domain.SpectrumEntry{entry}))

	if c.NumPosted() != 1 {
		t.Fatalf("num_posted = %d, want 1 after intake of one RR with credit available", c.NumPosted())
	}

	// Fill the buffer the fake PostRead recorded so digest verification
	// succeeds, then inject the completion.
	var wrID uint64 = 1
	fillPostedBuffer(t, r, c, wrID, payload)
	provider.CompleteRead(c.ConnID(), wrID, rdma.WCStatusSuccess)

	r.processCompletionsFor(c)

	if c.NumPosted() != 0 {
		t.Fatalf("num_posted = %d, want 0 after reaping the only outstanding RR", c.NumPosted())
	}

	select {
	case out := <-q.Recv():
		if out.Kind != domain.OutputValidBuffer {
			t.Fatalf("output kind = %v, want OutputValidBuffer", out.Kind)
		}
		if string(out.Buffer) != string(payload) {
			t.Fatalf("delivered buffer = %q, want %q", out.Buffer, payload)
		}
	default:
		t.Fatal("expected a delivered message, queue was empty")
	}
}

func TestDigestMismatchDeliversFailure(t *testing.T) {
	r, provider, consumers := newTestReactor(t)
	addr := testAddr()
	q := consumers.Register("alpha")
	c := establish(t, r, addr)

	entry := spectrumEntry(addr, []byte("expected-bytes-here"), "alpha")
	r.handleSignal(domain.NewSignalMsg([]domain.SpectrumEntry{entry}))

	var wrID uint64 = 1
	// Leave the posted buffer as whatever PostRead left it (zeroed), which
	// will not match the digest computed over "expected-bytes-here".
	provider.CompleteRead(c.ConnID(), wrID, rdma.WCStatusSuccess)
	r.processCompletionsFor(c)

	select {
	case out := <-q.Recv():
		if out.Kind != domain.OutputDigestFailure {
			t.Fatalf("output kind = %v, want OutputDigestFailure", out.Kind)
		}
		if out.Buffer != nil {
			t.Fatal("failure output must not carry a buffer reference")
		}
	default:
		t.Fatal("expected a delivered failure message")
	}
}

func TestReadFailureStatusDeliversFailure(t *testing.T) {
	r, provider, consumers := newTestReactor(t)
	addr := testAddr()
	q := consumers.Register("alpha")
	c := establish(t, r, addr)

	entry := spectrumEntry(addr, []byte("payload"), "alpha")
	r.handleSignal(domain.NewSignalMsg([]domain.SpectrumEntry{entry}))

	provider.CompleteRead(c.ConnID(), 1, rdma.WCStatusRemoteAccessErr)
	r.processCompletionsFor(c)

	select {
	case out := <-q.Recv():
		if out.Kind != domain.OutputRDMAReadFailure {
			t.Fatalf("output kind = %v, want OutputRDMAReadFailure", out.Kind)
		}
		if out.WCStatus != domain.WCStatusRemoteAccessErr {
			t.Fatalf("wc status = %v, want WCStatusRemoteAccessErr", out.WCStatus)
		}
	default:
		t.Fatal("expected a delivered failure message")
	}
}

func TestEmptyConsumerSetNeverReachesReactor(t *testing.T) {
	// §4.5/invariant: an entry with no consumers should have already been
	// filtered by internal/signalrecv before it reaches the reactor, but
	// handleSignal must still be safe to call with one, producing no RR
	// (nothing to deliver to).
	r, _, _ := newTestReactor(t)
	addr := testAddr()
	c := establish(t, r, addr)

	entry := spectrumEntry(addr, []byte("unwanted"))
	r.handleSignal(domain.NewSignalMsg([]domain.SpectrumEntry{entry}))

	if c.NumPosted() != 0 {
		t.Fatalf("num_posted = %d, want 0 (an entry with an empty consumer set produces no RR)", c.NumPosted())
	}
}

func TestCreditBoundNotExceeded(t *testing.T) {
	r, provider, consumers := newTestReactor(t)
	provider.DeviceMaxQPInitRdAtom = 2
	addr := testAddr()
	consumers.Register("alpha")
	c := establish(t, r, addr)

	if c.MaxPosted() != 2 {
		t.Fatalf("max_posted = %d, want 2", c.MaxPosted())
	}

	entries := make([]domain.SpectrumEntry, 0, 5)
	for i := 0; i < 5; i++ {
		entries = append(entries, spectrumEntry(addr, []byte("payload"), "alpha"))
	}
	r.handleSignal(domain.NewSignalMsg(entries))

	if c.NumPosted() != 2 {
		t.Fatalf("num_posted = %d, want 2 (bounded by max_posted even with 5 RRs queued)", c.NumPosted())
	}
	if c.PendingLen() != 3 {
		t.Fatalf("pending length = %d, want 3 still queued", c.PendingLen())
	}
}

func TestNoReorderingPrefixProperty(t *testing.T) {
	r, provider, consumers := newTestReactor(t)
	provider.DeviceMaxQPInitRdAtom = 1
	addr := testAddr()
	q := consumers.Register("alpha")
	c := establish(t, r, addr)

	first := spectrumEntry(addr, []byte("first-payload"), "alpha")
	second := spectrumEntry(addr, []byte("second-payload"), "alpha")
	r.handleSignal(domain.NewSignalMsg([]domain.SpectrumEntry{first, second}))

	if c.NumPosted() != 1 || c.PendingLen() != 1 {
		t.Fatalf("expected exactly one posted and one pending with max_posted=1, got posted=%d pending=%d", c.NumPosted(), c.PendingLen())
	}

	fillPostedBuffer(t, r, c, 1, []byte("first-payload"))
	provider.CompleteRead(c.ConnID(), 1, rdma.WCStatusSuccess)
	r.processCompletionsFor(c)

	select {
	case out := <-q.Recv():
		if string(out.Buffer) != "first-payload" {
			t.Fatalf("first delivered buffer = %q, want %q (no reordering)", out.Buffer, "first-payload")
		}
	default:
		t.Fatal("expected the first RR's completion to be delivered")
	}

	if c.NumPosted() != 1 {
		t.Fatalf("num_posted = %d, want 1 (second RR should now be posted)", c.NumPosted())
	}
}

func TestPostReadFailurePreservesOrderAndID(t *testing.T) {
	r, _, consumers := newTestReactor(t)
	addr := testAddr()
	consumers.Register("alpha")

	// A connection the fake provider never created an id for: every
	// PostRead against it fails, exercising §4.4 step 4's requeue path
	// without needing to script a failure into the fake itself. A memory
	// region is recorded for the payload's bucket so posting gets as far
	// as PostRead.
	badConn := conn.New(addr, 9999, 4)
	badConn.SetState(conn.StateEstablished)
	badConn.SetMaxPosted(4)
	badConn.RegisterMemory(r.pool.BucketID(len("payload")), rdma.MemoryRegion{})

	entry := spectrumEntry(addr, []byte("payload"), "alpha")
	rr := &domain.ReadRequest{Info: entry.Info, ConsumerSet: entry.ConsumerSet, BucketID: -1, Enqueued: time.Now()}
	badConn.Enqueue(rr)
	wantID := rr.ID

	r.postReads(badConn)

	if badConn.PendingLen() != 1 {
		t.Fatalf("pending length = %d, want 1 (RR requeued after PostRead failure against an unknown connection id)", badConn.PendingLen())
	}
	if badConn.NumPosted() != 0 {
		t.Fatalf("num_posted = %d, want 0", badConn.NumPosted())
	}

	head := badConn.PopPending()
	if head == nil {
		t.Fatal("expected the requeued RR to still be present")
	}
	if head.ID != wantID {
		t.Fatalf("requeued RR id = %d, want %d (Requeue must not reassign ids)", head.ID, wantID)
	}
	if head.Buffer != nil {
		t.Fatal("requeued RR should have had its buffer reference cleared")
	}
}

func TestTwoPhaseQuitProducesExactlyOneEndPerConsumer(t *testing.T) {
	r, _, consumers := newTestReactor(t)
	addr := testAddr()
	qa := consumers.Register("alpha")
	qb := consumers.Register("beta")
	establish(t, r, addr)

	r.RequestQuit()
	r.popOneRequest(nil) // drains the loopback Quit, begins disconnect, loops itself back
	if r.state != stateQuit {
		t.Fatalf("reactor state = %s, want quit after first Quit dispatch", r.state)
	}
	r.popOneRequest(nil) // drains the second (same-instance) Quit, loops an End back
	if r.state != stateQuit {
		t.Fatalf("reactor state = %s, want still quit before End is dispatched", r.state)
	}
	r.popOneRequest(nil) // drains the End, transitions to done and broadcasts
	if r.state != stateDone {
		t.Fatalf("reactor state = %s, want done", r.state)
	}

	for name, q := range map[string]*consumerqueue.Queue{"alpha": qa, "beta": qb} {
		count := 0
		var last *domain.OutputMessage
	drain:
		for {
			select {
			case m := <-q.Recv():
				last = m
				count++
			default:
				break drain
			}
		}
		if count != 1 {
			t.Fatalf("consumer %s received %d End messages, want exactly 1", name, count)
		}
		if last.Kind != domain.OutputEnd {
			t.Fatalf("consumer %s's terminal message kind = %v, want OutputEnd", name, last.Kind)
		}
	}
}

// TestCMChannelErrorDrivesQuitToEnd covers the error-triggered quit path
// (§8 Scenario S3): a CM event-channel read failure must run the same
// disconnect-all+loopback sequence as an explicit RequestQuit, not merely
// flip the state enum, or the reactor hangs forever and consumers never
// see a terminal End.
func TestCMChannelErrorDrivesQuitToEnd(t *testing.T) {
	r, provider, consumers := newTestReactor(t)
	addr := testAddr()
	qa := consumers.Register("alpha")
	establish(t, r, addr)

	provider.NextEventErr = errors.New("cm event channel closed")
	r.handleOneCMEvent() // reads the injected error, must start the quit sequence

	if r.state != stateQuit {
		t.Fatalf("reactor state = %s, want quit after a CM channel error", r.state)
	}
	if len(r.errs) != 1 {
		t.Fatalf("errs = %v, want exactly one recorded error", r.errs)
	}
	if r.quitMsg == nil {
		t.Fatal("quitMsg must be set after the error-triggered quit sequence begins")
	}

	r.popOneRequest(nil) // drains the second (same-instance) Quit, loops an End back
	if r.state != stateQuit {
		t.Fatalf("reactor state = %s, want still quit before End is dispatched", r.state)
	}
	r.popOneRequest(nil) // drains the End, transitions to done and broadcasts
	if r.state != stateDone {
		t.Fatalf("reactor state = %s, want done", r.state)
	}

	select {
	case m := <-qa.Recv():
		if m.Kind != domain.OutputEnd {
			t.Fatalf("terminal message kind = %v, want OutputEnd", m.Kind)
		}
	default:
		t.Fatal("expected a terminal End to have been broadcast to consumers")
	}
}

// TestAccumulatedErrorsDriveQuitToEnd covers the other error-triggered quit
// call site: the end-of-tick check on accumulated r.errs in Run's loop body.
func TestAccumulatedErrorsDriveQuitToEnd(t *testing.T) {
	r, _, consumers := newTestReactor(t)
	addr := testAddr()
	qa := consumers.Register("alpha")
	establish(t, r, addr)

	r.recordError("signal receiver reported a verb failure: remote_access_err")
	if len(r.errs) > 0 && r.state == stateRun {
		r.errQuit()
	}
	if r.state != stateQuit {
		t.Fatalf("reactor state = %s, want quit once errs is non-empty", r.state)
	}

	r.popOneRequest(nil) // drains the second (same-instance) Quit, loops an End back
	r.popOneRequest(nil) // drains the End, transitions to done and broadcasts
	if r.state != stateDone {
		t.Fatalf("reactor state = %s, want done", r.state)
	}

	select {
	case m := <-qa.Recv():
		if m.Kind != domain.OutputEnd {
			t.Fatalf("terminal message kind = %v, want OutputEnd", m.Kind)
		}
	default:
		t.Fatal("expected a terminal End to have been broadcast to consumers")
	}
}

func TestBeginDisconnectDropsPendingBacklog(t *testing.T) {
	r, provider, consumers := newTestReactor(t)
	provider.DeviceMaxQPInitRdAtom = 1
	addr := testAddr()
	consumers.Register("alpha")
	c := establish(t, r, addr)

	entries := []domain.SpectrumEntry{
		spectrumEntry(addr, []byte("one"), "alpha"),
		spectrumEntry(addr, []byte("two"), "alpha"),
	}
	r.handleSignal(domain.NewSignalMsg(entries))
	if c.PendingLen() != 1 {
		t.Fatalf("pending length = %d, want 1 before disconnect", c.PendingLen())
	}

	// A still-pending RR has never been posted, so it holds no buffer
	// (posting.go only assigns one immediately before PostRead, and clears
	// it again on failure) — beginDisconnect's backlog drop has nothing to
	// release for it. The one RR already posted keeps its buffer until its
	// completion is reaped; disconnect does not reach into in-flight state.
	r.beginDisconnect(c, "test_teardown")

	if c.PendingLen() != 0 {
		t.Fatalf("pending length = %d, want 0 after disconnect drops the backlog", c.PendingLen())
	}
	if c.State() != conn.StateDisconnecting && c.State() != conn.StateDead {
		t.Fatalf("state = %s, want disconnecting or dead", c.State())
	}
	if c.NumPosted() != 1 {
		t.Fatalf("num_posted = %d, want 1 (the already-posted RR is untouched by a backlog drop)", c.NumPosted())
	}
}

func TestDisconnectCompletesOnceCreditDrains(t *testing.T) {
	r, provider, consumers := newTestReactor(t)
	consumers.Register("alpha")
	addr := testAddr()
	c := establish(t, r, addr)

	entry := spectrumEntry(addr, []byte("payload"), "alpha")
	r.handleSignal(domain.NewSignalMsg([]domain.SpectrumEntry{entry}))
	if c.NumPosted() != 1 {
		t.Fatalf("num_posted = %d, want 1", c.NumPosted())
	}

	r.beginDisconnect(c, "shutdown")
	if c.State() != conn.StateDisconnecting {
		t.Fatalf("state = %s, want disconnecting while a read is still outstanding", c.State())
	}
	if r.registry.Len() != 1 {
		t.Fatal("connection should remain registered while num_posted > 0")
	}

	fillPostedBuffer(t, r, c, 1, []byte("payload"))
	provider.CompleteRead(c.ConnID(), 1, rdma.WCStatusSuccess)
	r.processCompletionsFor(c)

	if r.registry.Len() != 0 {
		t.Fatal("connection should be removed from the registry once disconnecting and num_posted reaches 0")
	}
}

// fillPostedBuffer overwrites the RR's posted buffer with want so digest
// verification can be driven deterministically; the fake provider has no
// remote memory to actually read from (see rdma.FakeProvider.PostRead).
func fillPostedBuffer(t *testing.T, r *Reactor, c *conn.Connection, wrID uint64, want []byte) {
	t.Helper()
	rr, ok := c.PeekInflight(wrID)
	if !ok {
		t.Fatalf("no in-flight RR with id %d to fill", wrID)
	}
	copy(rr.Buffer, want)
}
