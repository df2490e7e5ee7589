package reactor

import (
	"github.com/oriys/spectrumreader/internal/domain"
)

// popOneRequest pops at most one message from the signal-receiver queue,
// preferring a pending loopback message first, and dispatches it (§4.1
// dispatch step 5). The loopback channel carries this reactor's own Quit/
// End self-messages; giving it priority ensures the two-phase quit
// protocol advances even while the request queue keeps producing.
func (r *Reactor) popOneRequest(requestQueue <-chan *domain.DataPathMessage) {
	select {
	case msg := <-r.loopback:
		r.dispatch(msg)
		return
	default:
	}

	select {
	case msg := <-requestQueue:
		r.dispatch(msg)
	default:
	}
}

func (r *Reactor) dispatch(msg *domain.DataPathMessage) {
	switch msg.Kind {
	case domain.KindSignalMsg:
		r.handleSignal(msg)
	case domain.KindReceiveFail:
		r.recordError("signal receiver reported a verb failure: " + msg.WCStatus.String())
	case domain.KindBufferStarvation:
		r.recordError("signal receiver buffer starvation")
	case domain.KindQuit:
		r.handleQuit(msg)
	case domain.KindEnd:
		r.handleEnd(msg)
	}
}

// handleQuit implements the two-phase flush (§4.7). The first Quit begins
// disconnecting every connection and loops itself back; the loopback's
// second arrival (recognized by pointer identity, not value equality)
// allocates the End that finally sets state = done.
func (r *Reactor) handleQuit(msg *domain.DataPathMessage) {
	if r.quitMsg == nil {
		r.startQuit(msg)
		return
	}

	if msg.SameInstance(r.quitMsg) {
		r.quitMsg = nil
		r.loopback <- domain.NewEnd(r.finalResult())
	}
}

// startQuit is the first-phase quit sequence: record msg as the in-flight
// quit token, transition run -> quit, disconnect every registered
// connection, and loop msg back so its second arrival (matched by identity
// in handleQuit above) drives the reactor to done. Grounded on the
// original's to_quit_state (spectrum_reader.c), which runs this
// disconnect-all+loopback sequence unconditionally on every entry into
// quit state, not only on an explicit quit request.
func (r *Reactor) startQuit(msg *domain.DataPathMessage) {
	r.quitMsg = msg
	r.toQuit()
	for _, c := range r.registry.All() {
		r.beginDisconnect(c, "quit")
	}
	r.loopback <- msg
}

// errQuit begins the same first-phase quit sequence as startQuit, but for
// callers that have no message of their own to loop back -- a reactor-fatal
// error rather than a dispatched Quit. It builds a fresh Quit message and is
// a no-op if a quit is already in flight, so an error observed after
// RequestQuit (or after an earlier error) never double-initiates.
func (r *Reactor) errQuit() {
	if r.quitMsg != nil {
		return
	}
	r.startQuit(domain.NewQuit())
}

func (r *Reactor) handleEnd(msg *domain.DataPathMessage) {
	r.state = stateDone
	r.consumers.Broadcast(&domain.OutputMessage{Kind: domain.OutputEnd, Result: msg.Result})
}

// toQuit transitions run → quit (§4.1); idempotent.
func (r *Reactor) toQuit() {
	if r.state == stateRun {
		r.state = stateQuit
	}
}

// RequestQuit is the external entry point for initiating shutdown: it
// pushes a fresh Quit onto the reactor's own loopback channel, exactly as
// §4.7 describes self-messaging. Safe to call from another goroutine; the
// loopback channel is the one piece of reactor state intentionally shared.
func (r *Reactor) RequestQuit() {
	r.loopback <- domain.NewQuit()
}
