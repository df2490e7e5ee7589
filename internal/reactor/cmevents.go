package reactor

import (
	"context"
	"fmt"

	"github.com/oriys/spectrumreader/internal/conn"
	"github.com/oriys/spectrumreader/internal/logging"
	"github.com/oriys/spectrumreader/internal/metrics"
	"github.com/oriys/spectrumreader/internal/rdma"
)

// handleOneCMEvent processes at most one connection-manager event per tick
// (§4.1 dispatch step 2), advancing the owning CtC's sub-state machine.
func (r *Reactor) handleOneCMEvent() {
	ev, ok, err := r.provider.NextEvent()
	if err != nil {
		r.recordError(fmt.Sprintf("cm event channel: %v", err))
		r.errQuit()
		return
	}
	if !ok {
		return
	}

	c, known := r.byConnID[ev.ConnID]
	if !known {
		return
	}

	switch ev.Type {
	case rdma.CMEventAddrResolved:
		r.onAddrResolved(c)
	case rdma.CMEventRouteResolved:
		r.onRouteResolved(c)
	case rdma.CMEventEstablished:
		r.onEstablished(c, ev)
	case rdma.CMEventDisconnected, rdma.CMEventTimewaitExit:
		r.beginDisconnect(c, "peer_disconnect")
	case rdma.CMEventAddrError, rdma.CMEventRouteError, rdma.CMEventConnectError,
		rdma.CMEventUnreachable, rdma.CMEventRejected:
		metrics.CMError(ev.Type.String())
		r.recordError(fmt.Sprintf("%s: %s", c.RemoteAddr(), ev.Type))
		r.beginDisconnect(c, "cm_error")
	}
}

// onAddrResolved negotiates the initial credit ceiling from device
// attributes, creates the queue pair, and issues route resolution (§4.2
// "Address resolved").
func (r *Reactor) onAddrResolved(c *conn.Connection) {
	attr, err := r.provider.QueryDevice(c.ConnID())
	if err != nil {
		r.fatalConn(c, "query_device", err)
		return
	}

	maxPosted := r.cfg.RDMAReadMaxPosted
	if attr.MaxQPInitRdAtom > 0 && attr.MaxQPInitRdAtom < maxPosted {
		maxPosted = attr.MaxQPInitRdAtom
	}

	actualCap, err := r.provider.CreateQP(c.ConnID(), maxPosted)
	if err != nil {
		r.fatalConn(c, "create_qp", err)
		return
	}
	if actualCap > 0 && actualCap < maxPosted {
		maxPosted = actualCap
	}
	c.SetMaxPosted(maxPosted)

	fd, err := r.provider.CompletionChannelFD(c.ConnID())
	if err != nil {
		r.fatalConn(c, "completion_channel_fd", err)
		return
	}
	c.SetCompFD(fd)
	r.registry.AddToFDIndex(c)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ResolveRouteTimeout())
	defer cancel()
	if err := r.provider.ResolveRoute(ctx, c.ConnID(), r.cfg.ResolveRouteTimeout()); err != nil {
		r.fatalConn(c, "resolve_route", err)
		return
	}
	c.SetState(conn.StateResolvingRoute)
}

// onRouteResolved registers every buffer-pool bucket's arena against this
// connection's protection domain, arms one completion notification, and
// issues rdma_connect (§4.2 "Route resolved").
func (r *Reactor) onRouteResolved(c *conn.Connection) {
	for _, bucketID := range r.pool.BucketIDs() {
		arena, err := r.pool.Arena(bucketID)
		if err != nil {
			r.fatalConn(c, "arena", err)
			return
		}
		mr, err := r.provider.RegisterMemory(c.ConnID(), arena)
		if err != nil {
			r.fatalConn(c, "register_memory", err)
			return
		}
		c.RegisterMemory(bucketID, mr)
	}

	if err := r.provider.RequestNotify(c.ConnID()); err != nil {
		r.fatalConn(c, "request_notify", err)
		return
	}
	if err := r.provider.Connect(c.ConnID(), c.MaxPosted()); err != nil {
		r.fatalConn(c, "connect", err)
		return
	}
	c.SetState(conn.StateConnecting)
}

// onEstablished tightens max_posted to the peer's negotiated initiator
// depth, records the peer rkey, and starts posting any backlog (§4.2
// "Established").
func (r *Reactor) onEstablished(c *conn.Connection, ev rdma.CMEvent) {
	maxPosted := c.MaxPosted()
	if ev.InitiatorDepth > 0 && ev.InitiatorDepth < maxPosted {
		maxPosted = ev.InitiatorDepth
	}
	c.SetMaxPosted(maxPosted)
	c.SetRkey(ev.Rkey)
	c.SetState(conn.StateEstablished)
	metrics.ConnectionOpened()

	r.postReads(c)
}

// fatalConn records a CM-path error against c and begins its teardown;
// other connections are unaffected (§7 "Per-connection fatal").
func (r *Reactor) fatalConn(c *conn.Connection, step string, err error) {
	r.recordError(fmt.Sprintf("%s: %s: %v", c.RemoteAddr(), step, err))
	r.beginDisconnect(c, step)
}

// beginDisconnect drops pending work, issues rdma_disconnect if still
// established, and transitions to disconnecting; it is idempotent (§4.2
// "Disconnect").
func (r *Reactor) beginDisconnect(c *conn.Connection, reason string) {
	if c.State() == conn.StateDisconnecting || c.State() == conn.StateDead {
		return
	}

	for _, rr := range c.DropPending() {
		metrics.ReadRequestDropped(reason)
		if rr.Buffer != nil {
			r.pool.Put(rr.Buffer, rr.BucketID)
		}
	}

	if c.State() == conn.StateEstablished {
		if err := r.provider.Disconnect(c.ConnID()); err != nil {
			r.recordError(fmt.Sprintf("%s: disconnect: %v", c.RemoteAddr(), err))
		}
	}
	c.SetState(conn.StateDisconnecting)
	r.maybeFinishDisconnect(c, reason)
}

// maybeFinishDisconnect completes teardown once num_posted has drained to
// zero (§4.2 "Disconnect completion"): every resource is released and the
// CtC is removed from both indices. The queue pair is destroyed through
// DestroyQP, which gives up after a grace period instead of hanging; that
// failure is logged as a warning and teardown proceeds.
func (r *Reactor) maybeFinishDisconnect(c *conn.Connection, reason string) {
	if !c.ReadyToDie() {
		return
	}

	r.registry.RemoveFromFDIndex(c)
	r.registry.Remove(c)
	delete(r.byConnID, c.ConnID())

	if n := c.PendingAckCount(); n > 0 {
		_ = r.provider.AckCompletionEvents(c.ConnID(), n)
		c.ResetAckCounter()
	}
	for _, mr := range c.MemoryRegions() {
		_ = r.provider.DeregisterMemory(c.ConnID(), mr)
	}
	if err := r.provider.DestroyQP(c.ConnID()); err != nil {
		logging.Op().Warn("reactor: destroy_qp", "remote_addr", c.RemoteAddr().String(), "error", err)
	}
	if err := r.provider.DestroyID(c.ConnID()); err != nil {
		r.recordError(fmt.Sprintf("%s: destroy_id: %v", c.RemoteAddr(), err))
	}

	c.SetState(conn.StateDead)
	metrics.ConnectionTornDown(reason)
	metrics.DeleteConnectionLabels(c.RemoteAddr().String())
}
