// Package conn implements the credit-tracked connection (CtC): the
// per-server state machine holding a reliable-connected queue pair, its
// completion queue, posted/acked credit counters, registered memory
// regions keyed by buffer-pool bucket, a FIFO of pending read requests, and
// the last-access timestamp the inactivity sweep consults.
//
// # State machine
//
//	resolving_addr ──► resolving_route ──► connecting ──► established
//	                                                           │
//	                                                   disconnecting
//	                                                           │
//	                                                         dead
//
// Every state except established and dead is transient, driven forward by
// a CM event (see internal/reactor/cmevents.go). established is the only
// state in which reads are posted; disconnecting drains num_posted to zero
// before the connection is torn down.
//
// # Concurrency
//
// Connection has exactly one owner, the reactor goroutine; there is no
// internal locking, matching oriys-nova's circuitbreaker.Breaker state enum
// style but dropping its mutex, since here there is never a second caller.
package conn

import (
	"time"

	"github.com/oriys/spectrumreader/internal/domain"
	"github.com/oriys/spectrumreader/internal/rdma"
)

// State is a CtC's position in its connection-lifecycle state machine.
type State int

const (
	StateResolvingAddr State = iota
	StateResolvingRoute
	StateConnecting
	StateEstablished
	StateDisconnecting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateResolvingAddr:
		return "resolving_addr"
	case StateResolvingRoute:
		return "resolving_route"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateDisconnecting:
		return "disconnecting"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// mrCacheEntry remembers the last (bucket, region) pair used for posting,
// since consecutive RRs commonly share a bucket (§4.4 step 2).
type mrCacheEntry struct {
	bucketID int
	region   rdma.MemoryRegion
	valid    bool
}

// Connection is one CtC: all state owned exclusively by the reactor for
// one remote server address.
type Connection struct {
	remoteAddr domain.ServerAddr
	connID     rdma.ConnID

	state State

	rkey           uint32
	maxPosted      int
	numPosted      int
	numNotAck      int
	minAck         int
	compFD         int
	minAckDivisor  int

	mrs      map[int]rdma.MemoryRegion
	mrCache  mrCacheEntry
	pending  []*domain.ReadRequest
	inflight map[uint64]*domain.ReadRequest // keyed by RR.ID == work-request id

	lastAccess time.Time

	rrSeq uint64 // monotonically increasing RR id source, scoped to this connection
}

// New creates a CtC in StateResolvingAddr for addr, owning connID.
func New(addr domain.ServerAddr, connID rdma.ConnID, minAckDivisor int) *Connection {
	if minAckDivisor <= 0 {
		minAckDivisor = 4
	}
	return &Connection{
		remoteAddr:    addr,
		connID:        connID,
		state:         StateResolvingAddr,
		minAckDivisor: minAckDivisor,
		mrs:           make(map[int]rdma.MemoryRegion),
		inflight:      make(map[uint64]*domain.ReadRequest),
		lastAccess:    time.Now(),
	}
}

func (c *Connection) RemoteAddr() domain.ServerAddr { return c.remoteAddr }
func (c *Connection) ConnID() rdma.ConnID           { return c.connID }
func (c *Connection) State() State                  { return c.state }
func (c *Connection) CompFD() int                   { return c.compFD }
func (c *Connection) Rkey() uint32                  { return c.rkey }
func (c *Connection) MaxPosted() int                { return c.maxPosted }
func (c *Connection) NumPosted() int                { return c.numPosted }
func (c *Connection) LastAccess() time.Time          { return c.lastAccess }
func (c *Connection) PendingLen() int               { return len(c.pending) }

// SetState advances the CtC to a new lifecycle state. max_posted is
// monotonically non-increasing (invariant 3 of §8); SetMaxPosted enforces
// that separately from state transitions.
func (c *Connection) SetState(s State) {
	c.state = s
}

// SetCompFD records the completion-channel fd once the queue pair exists.
func (c *Connection) SetCompFD(fd int) {
	c.compFD = fd
}

// SetMaxPosted tightens the credit ceiling. Per invariant 3, callers must
// only ever narrow it; this is enforced here rather than trusted to callers.
func (c *Connection) SetMaxPosted(n int) {
	if c.maxPosted != 0 && n > c.maxPosted {
		n = c.maxPosted
	}
	c.maxPosted = n
	c.minAck = n / c.minAckDivisor
	if c.minAck < 1 {
		c.minAck = 1
	}
}

// SetRkey records the peer's remote memory key from CM private data.
func (c *Connection) SetRkey(rkey uint32) {
	c.rkey = rkey
}

// MinAck returns the unacked-completion-event threshold computed from
// max_posted and the configured divisor.
func (c *Connection) MinAck() int {
	return c.minAck
}

// RegisterMemory records the memory region for a buffer-pool bucket.
func (c *Connection) RegisterMemory(bucketID int, mr rdma.MemoryRegion) {
	c.mrs[bucketID] = mr
}

// MemoryRegions returns every registered (bucket, region) pair, for
// deregistration at teardown.
func (c *Connection) MemoryRegions() map[int]rdma.MemoryRegion {
	return c.mrs
}

// MemoryRegionFor resolves the region for a bucket, consulting the
// single-entry cache before falling back to the map (§4.4 step 2).
func (c *Connection) MemoryRegionFor(bucketID int) (rdma.MemoryRegion, bool) {
	if c.mrCache.valid && c.mrCache.bucketID == bucketID {
		return c.mrCache.region, true
	}
	mr, ok := c.mrs[bucketID]
	if ok {
		c.mrCache = mrCacheEntry{bucketID: bucketID, region: mr, valid: true}
	}
	return mr, ok
}

// Enqueue appends an RR to the pending FIFO, assigning it this
// connection-scoped work-request id.
func (c *Connection) Enqueue(rr *domain.ReadRequest) {
	c.rrSeq++
	rr.ID = c.rrSeq
	c.pending = append(c.pending, rr)
}

// DropPending empties the pending FIFO and returns the removed RRs; the
// caller releases any buffers assigned to them (disconnect path, §4.2).
func (c *Connection) DropPending() []*domain.ReadRequest {
	dropped := c.pending
	c.pending = nil
	return dropped
}

// Requeue puts rr back at the head of the pending FIFO without reassigning
// its work-request id, used when a post attempt fails after the RR was
// already popped (§4.4 step 4) so posting order is preserved.
func (c *Connection) Requeue(rr *domain.ReadRequest) {
	c.pending = append([]*domain.ReadRequest{rr}, c.pending...)
}

// PopPending removes and returns the head of the pending FIFO, or nil if
// empty.
func (c *Connection) PopPending() *domain.ReadRequest {
	if len(c.pending) == 0 {
		return nil
	}
	rr := c.pending[0]
	c.pending = c.pending[1:]
	return rr
}

// HasCredit reports whether a new read may be posted without exceeding
// max_posted.
func (c *Connection) HasCredit() bool {
	return c.numPosted < c.maxPosted
}

// MarkPosted records a successfully posted RR, tracked in the in-flight
// table keyed by work-request id for completion recovery.
func (c *Connection) MarkPosted(rr *domain.ReadRequest) {
	c.numPosted++
	c.inflight[rr.ID] = rr
}

// PeekInflight returns the RR for a work-request id still outstanding,
// without reaping it. Used by tests that need to fill a posted buffer
// before injecting its completion.
func (c *Connection) PeekInflight(wrID uint64) (*domain.ReadRequest, bool) {
	rr, ok := c.inflight[wrID]
	return rr, ok
}

// Reap removes and returns the RR for a completed work-request id,
// decrementing num_posted. Returns false if the id is unknown (should not
// happen absent a driver bug, but handled defensively).
func (c *Connection) Reap(wrID uint64) (*domain.ReadRequest, bool) {
	rr, ok := c.inflight[wrID]
	if !ok {
		return nil, false
	}
	delete(c.inflight, wrID)
	c.numPosted--
	return rr, true
}

// Touch bumps last_access to now, called after draining a completion batch
// (§4.3 step 4).
func (c *Connection) Touch(now time.Time) {
	c.lastAccess = now
}

// NoteCompletionEvent increments the unacked-completion-event counter and
// reports whether the ack threshold has been reached.
func (c *Connection) NoteCompletionEvent() (shouldAck bool) {
	c.numNotAck++
	return c.numNotAck >= c.minAck
}

// ResetAckCounter zeroes the unacked-completion-event counter after a bulk
// ack.
func (c *Connection) ResetAckCounter() {
	c.numNotAck = 0
}

// PendingAckCount returns the number of completion events acquired but not
// yet acked, needed to ack the correct count at teardown (pass threshold 1,
// §4.2 disconnect completion).
func (c *Connection) PendingAckCount() int {
	return c.numNotAck
}

// ReadyToDie reports whether this CtC, already disconnecting, has drained
// every outstanding read and may be torn down (§3 invariant).
func (c *Connection) ReadyToDie() bool {
	return c.state == StateDisconnecting && c.numPosted == 0
}
