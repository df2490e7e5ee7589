package reactor

import (
	"crypto/md5"
	"fmt"
	"time"

	"github.com/oriys/spectrumreader/internal/conn"
	"github.com/oriys/spectrumreader/internal/domain"
	"github.com/oriys/spectrumreader/internal/metrics"
	"github.com/oriys/spectrumreader/internal/rdma"
)

// processCompletionsFor drains one readable completion channel: acquires
// the event, batches the ack, drains the completion queue into the reap
// buffer, verifies digests, delivers outcomes, posts more reads from
// pending, and finishes any in-progress disconnect (§4.3).
func (r *Reactor) processCompletionsFor(c *conn.Connection) {
	if err := r.provider.GetCQEvent(c.ConnID()); err != nil {
		r.fatalConn(c, "get_cq_event", err)
		return
	}

	if shouldAck := c.NoteCompletionEvent(); shouldAck {
		n := c.PendingAckCount()
		if err := r.provider.AckCompletionEvents(c.ConnID(), n); err != nil {
			r.recordError(fmt.Sprintf("%s: ack_completion_events: %v", c.RemoteAddr(), err))
		} else {
			c.ResetAckCounter()
		}
	}

	if err := r.provider.RequestNotify(c.ConnID()); err != nil {
		r.fatalConn(c, "request_notify", err)
		return
	}

	max := c.MaxPosted()
	if max <= 0 {
		max = 1
	}
	if cap(r.reapBuf) < max {
		r.reapBuf = make([]rdma.WorkCompletion, max)
	}
	buf := r.reapBuf[:max]

	n, err := r.provider.PollCQ(c.ConnID(), buf)
	if err != nil {
		r.fatalConn(c, "poll_cq", err)
		return
	}

	for i := 0; i < n; i++ {
		wc := buf[i]
		rr, ok := c.Reap(wc.WRID)
		if !ok {
			continue
		}
		r.completeReadRequest(rr, wc.Status)
	}
	if n > 0 {
		c.Touch(time.Now())
	}

	r.postReads(c)

	metrics.SetCreditUtilization(c.RemoteAddr().String(), c.NumPosted(), c.MaxPosted())
	metrics.SetPendingDepth(c.RemoteAddr().String(), c.PendingLen())

	if c.State() == conn.StateDisconnecting {
		r.maybeFinishDisconnect(c, "drained")
	}
}

// completeReadRequest classifies one reaped completion and delivers the
// resulting message to every consumer in the RR's consumer set (§4.3 step
// 3, §6 output classification table).
func (r *Reactor) completeReadRequest(rr *domain.ReadRequest, status rdma.WCStatus) {
	out := &domain.OutputMessage{
		Kind:   domain.OutputValidBuffer,
		Info:   rr.Info,
		Buffer: rr.Buffer,
	}

	switch {
	case status != rdma.WCStatusSuccess:
		ds := toDomainWCStatus(status)
		out.AsFailure(domain.OutputRDMAReadFailure, ds)
		metrics.ReadCompleted("read_failure")
		metrics.ReadFailure(ds.String())
		r.pool.Put(rr.Buffer, rr.BucketID)
	case md5.Sum(rr.Buffer) != rr.Info.Digest:
		out.AsFailure(domain.OutputDigestFailure, domain.WCStatusSuccess)
		metrics.ReadCompleted("digest_failure")
		r.pool.Put(rr.Buffer, rr.BucketID)
	default:
		metrics.ReadCompleted("success")
	}

	r.consumers.Deliver(rr.ConsumerSet, out)
	metrics.ObserveRRLatency(float64(time.Since(rr.Enqueued).Milliseconds()))
}
