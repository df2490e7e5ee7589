package reactor

import (
	"fmt"

	"github.com/oriys/spectrumreader/internal/conn"
	"github.com/oriys/spectrumreader/internal/metrics"
)

// postReads posts RRs from c's pending FIFO up to remaining credit (§4.4).
func (r *Reactor) postReads(c *conn.Connection) {
	if c.State() != conn.StateEstablished {
		return
	}

	for c.HasCredit() {
		rr := c.PopPending()
		if rr == nil {
			break
		}

		size := int(rr.Info.ByteLen())
		buf, bucketID, err := r.pool.Get(size)
		if err != nil {
			metrics.DataBufferStarvation()
			continue
		}
		rr.Buffer = buf
		rr.BucketID = bucketID

		mr, ok := c.MemoryRegionFor(bucketID)
		if !ok {
			r.recordError(fmt.Sprintf("%s: no memory region for bucket %d", c.RemoteAddr(), bucketID))
			r.pool.Put(buf, bucketID)
			continue
		}

		if err := r.provider.PostRead(c.ConnID(), rr.ID, rr.Buffer, mr, rr.Info.DataAddr, c.Rkey(), rr.Info.ByteLen()); err != nil {
			r.recordError(fmt.Sprintf("%s: post_read: %v", c.RemoteAddr(), err))
			r.pool.Put(buf, bucketID)
			rr.Buffer = nil
			rr.BucketID = -1
			// Stop posting from this CtC for this tick (§4.4 step 4);
			// put rr back at the head so posting order is preserved.
			c.Requeue(rr)
			break
		}

		c.MarkPosted(rr)
		metrics.ReadPosted()
	}
}
