package reactor

import "time"

// sweepInactive implements the periodic eviction sweep (§4.6): every
// connection idle for at least the configured timeout is proactively
// disconnected. This is preemptive eviction, not a deadline on any
// individual read in flight.
func (r *Reactor) sweepInactive() {
	threshold := r.cfg.InactiveTimeout()
	if threshold <= 0 {
		return
	}
	now := time.Now()
	for _, c := range r.registry.All() {
		if now.Sub(c.LastAccess()) >= threshold {
			r.beginDisconnect(c, "inactive")
		}
	}
}
