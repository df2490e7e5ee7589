package reactor

import (
	"time"

	"github.com/oriys/spectrumreader/internal/conn"
	"github.com/oriys/spectrumreader/internal/domain"
	"github.com/oriys/spectrumreader/internal/metrics"
)

// handleSignal processes one decoded signal message: for every spectrum
// entry with a non-empty consumer set, find-or-open the owning connection
// and enqueue an RR (§4.5). internal/signalrecv already filters out entries
// with an empty consumer set; any that still arrive are dropped here
// without opening a connection.
func (r *Reactor) handleSignal(msg *domain.DataPathMessage) {
	for _, entry := range msg.Signal {
		r.intakeOne(entry)
	}
}

func (r *Reactor) intakeOne(entry domain.SpectrumEntry) {
	if r.state != stateRun {
		// A quit is already underway; no new RRs are accepted (§4.1 quit state).
		metrics.ReadRequestDropped("quiescing")
		return
	}

	if len(entry.ConsumerSet) == 0 {
		metrics.ReadRequestDropped("empty_consumer_set")
		return
	}

	c, err := r.findOrOpen(entry.Info.Server)
	if err != nil {
		metrics.ReadRequestDropped("open_failed")
		return
	}

	if c.State() != conn.StateEstablished && !r.cfg.PreconnectBacklog {
		metrics.ReadRequestDropped("not_established")
		return
	}

	rr := &domain.ReadRequest{
		Info:        entry.Info,
		ConsumerSet: entry.ConsumerSet,
		BucketID:    -1,
		Enqueued:    time.Now(),
	}
	c.Enqueue(rr)

	if c.State() == conn.StateEstablished {
		r.postReads(c)
	}
}
