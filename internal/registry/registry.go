// Package registry is the reactor's single-owner connection directory: one
// entry per remote server address, plus a secondary index ordered by
// completion-queue file descriptor for fast dispatch from poll results.
//
// # Concurrency model
//
// Unlike oriys-nova's internal/pool, which is built around sync.RWMutex and
// sync.Map for concurrent access from many goroutines, Registry has exactly
// one owner: the reactor goroutine. No field here is ever touched from a
// second goroutine, so there is no locking at all — mirroring the "all CtCs,
// the registry, both pollsets... are owned exclusively by the reactor and
// never escape" scheduling rule this engine runs under. Do not add a mutex
// here; if a second caller ever needs access, that is a sign something has
// violated the single-reactor-owner rule, not a sign this type needs locks.
//
// # Invariants
//
//   - Exactly one *conn.Connection per domain.ServerAddr.
//   - The fd index contains a connection iff it has a completion channel fd
//     (i.e. it has progressed past address resolution into CreateQP).
//   - A connection is removed only by the caller, after it has confirmed
//     zero posted reads and a disconnect already begun.
package registry

import (
	"sort"

	"github.com/oriys/spectrumreader/internal/conn"
	"github.com/oriys/spectrumreader/internal/domain"
)

// Registry owns every live connection, keyed by remote address, with a
// secondary ordered index by completion-queue fd.
type Registry struct {
	byAddr map[domain.ServerAddr]*conn.Connection
	byFD   []*conn.Connection // kept sorted by CompFD; linear insert/remove, binary-search lookup
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byAddr: make(map[domain.ServerAddr]*conn.Connection),
	}
}

// Len reports the number of connections currently tracked, regardless of
// whether they have entered the fd index yet.
func (r *Registry) Len() int {
	return len(r.byAddr)
}

// Lookup returns the connection for addr, if one exists.
func (r *Registry) Lookup(addr domain.ServerAddr) (*conn.Connection, bool) {
	c, ok := r.byAddr[addr]
	return c, ok
}

// Insert adds a newly created connection, keyed by its remote address. It is
// a programming error to insert a second connection for an address already
// present; callers must check Lookup first.
func (r *Registry) Insert(c *conn.Connection) {
	r.byAddr[c.RemoteAddr()] = c
}

// AddToFDIndex inserts c into the fd-ordered secondary index. Called once a
// connection's completion channel fd becomes known (after CreateQP
// succeeds). It is a no-op if c is already indexed.
func (r *Registry) AddToFDIndex(c *conn.Connection) {
	i := r.searchFD(c.CompFD())
	if i < len(r.byFD) && r.byFD[i].CompFD() == c.CompFD() {
		return
	}
	r.byFD = append(r.byFD, nil)
	copy(r.byFD[i+1:], r.byFD[i:])
	r.byFD[i] = c
}

// RemoveFromFDIndex removes c from the secondary index, if present.
func (r *Registry) RemoveFromFDIndex(c *conn.Connection) {
	i := r.searchFD(c.CompFD())
	if i >= len(r.byFD) || r.byFD[i].CompFD() != c.CompFD() {
		return
	}
	r.byFD = append(r.byFD[:i], r.byFD[i+1:]...)
}

// LookupByFD finds the connection whose completion channel fd equals fd, as
// looked up from a poll(2)/epoll(7) readiness result.
func (r *Registry) LookupByFD(fd int) (*conn.Connection, bool) {
	i := r.searchFD(fd)
	if i < len(r.byFD) && r.byFD[i].CompFD() == fd {
		return r.byFD[i], true
	}
	return nil, false
}

// searchFD returns the insertion point for fd in the sorted byFD slice.
func (r *Registry) searchFD(fd int) int {
	return sort.Search(len(r.byFD), func(i int) bool {
		return r.byFD[i].CompFD() >= fd
	})
}

// Remove deletes c from both the primary and secondary indices. Callers are
// responsible for having already confirmed c is quiescent (zero posted
// reads, disconnect begun) before calling this.
func (r *Registry) Remove(c *conn.Connection) {
	delete(r.byAddr, c.RemoteAddr())
	r.RemoveFromFDIndex(c)
}

// All returns every tracked connection, for the inactivity sweep and for
// shutdown fan-out. The returned slice is a snapshot; mutating the registry
// while iterating it is safe but will not be reflected.
func (r *Registry) All() []*conn.Connection {
	out := make([]*conn.Connection, 0, len(r.byAddr))
	for _, c := range r.byAddr {
		out = append(out, c)
	}
	return out
}
