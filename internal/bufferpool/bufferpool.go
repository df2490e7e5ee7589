// Package bufferpool provides the size-bucketed, page-aligned buffer
// allocator the reactor borrows RDMA READ destinations from and returns
// them to after consumer delivery. Buffers are anonymous mmap regions so
// every buffer returned is safely RDMA-registerable (page-aligned, not
// backed by the Go heap, immune to GC-driven relocation).
package bufferpool

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Stats reports cumulative allocator accounting (borrowed = returned + in
// consumer hands).
type Stats struct {
	Borrowed int64
	Returned int64
}

// bucket holds one fixed-size, page-aligned arena for a given capacity,
// carved into slotsPerBucket fixed slots. A single arena per bucket means a
// connection's memory registration against that arena (see Arena) stays
// valid for every buffer this bucket ever hands out, instead of requiring a
// fresh MR per allocation — matching the teacher's habit of sizing pools to
// reduce fragmentation (`oriys-nova/internal/pool`'s per-runtime
// sub-pools), generalized here to also keep RDMA registration cheap.
type bucket struct {
	mu       sync.Mutex
	capacity int // bytes per slot
	arena    []byte
	free     []int // free slot indices
}

// Pool is a size-bucketed, page-aligned buffer pool. Safe for concurrent
// Get/Put, though in this design only the reactor calls it.
type Pool struct {
	pageSize       int
	minShift       int // smallest bucket is 1 << minShift bytes
	maxShift       int // largest bucket is 1 << maxShift bytes
	slotsPerBucket int

	bucketsMu sync.Mutex
	buckets   map[int]*bucket // keyed by capacity shift (power of two)

	statsMu sync.Mutex
	stats   Stats
}

// DefaultSlotsPerBucket is used when New is given a non-positive slot count.
const DefaultSlotsPerBucket = 64

// New creates a Pool whose buckets range from minSize to maxSize bytes,
// each rounded up to the nearest power of two and to the host page size.
// Each bucket arena holds slotsPerBucket slots; a non-positive value falls
// back to DefaultSlotsPerBucket.
func New(minSize, maxSize, slotsPerBucket int) (*Pool, error) {
	if minSize <= 0 || maxSize <= 0 || minSize > maxSize {
		return nil, fmt.Errorf("bufferpool: invalid size range [%d, %d]", minSize, maxSize)
	}
	if slotsPerBucket <= 0 {
		slotsPerBucket = DefaultSlotsPerBucket
	}
	pageSize := unix.Getpagesize()

	p := &Pool{
		pageSize:       pageSize,
		slotsPerBucket: slotsPerBucket,
		buckets:        make(map[int]*bucket),
	}
	p.minShift = shiftFor(roundUp(minSize, pageSize))
	p.maxShift = shiftFor(roundUp(maxSize, pageSize))
	return p, nil
}

func roundUp(n, multiple int) int {
	if n%multiple == 0 {
		return n
	}
	return (n/multiple + 1) * multiple
}

func shiftFor(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// BucketID returns the bucket a request of the given size would be served
// from, or -1 if size exceeds the pool's configured maximum.
func (p *Pool) BucketID(size int) int {
	shift := shiftFor(roundUp(size, p.pageSize))
	if shift < p.minShift {
		shift = p.minShift
	}
	if shift > p.maxShift {
		return -1
	}
	return shift
}

// BucketIDs returns every bucket id in this pool's configured range, in
// ascending order, for up-front memory registration at connection setup
// (§4.2 route-resolved: "register every buffer-pool bucket as a memory
// region").
func (p *Pool) BucketIDs() []int {
	ids := make([]int, 0, p.maxShift-p.minShift+1)
	for s := p.minShift; s <= p.maxShift; s++ {
		ids = append(ids, s)
	}
	return ids
}

func (p *Pool) bucketCapacity(id int) int {
	return 1 << uint(id)
}

func (p *Pool) bucketFor(id int) *bucket {
	p.bucketsMu.Lock()
	defer p.bucketsMu.Unlock()
	return p.ensureBucketLocked(id)
}

// ensureBucketLocked creates the bucket's arena on first use. Must be
// called with bucketsMu held.
func (p *Pool) ensureBucketLocked(id int) *bucket {
	b, ok := p.buckets[id]
	if ok {
		return b
	}
	capacity := p.bucketCapacity(id)
	b = &bucket{capacity: capacity}
	b.free = make([]int, p.slotsPerBucket)
	for i := range b.free {
		b.free[i] = p.slotsPerBucket - 1 - i // pop from the tail; order is irrelevant
	}
	p.buckets[id] = b
	return b
}

// arenaBytes lazily mmaps a bucket's backing arena, sized to hold every
// slot, and returns it. The arena is never unmapped until Close.
func (b *bucket) arenaBytes() ([]byte, error) {
	if b.arena != nil {
		return b.arena, nil
	}
	total := b.capacity * cap(b.free)
	arena, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: mmap arena of %d bytes: %w", total, err)
	}
	b.arena = arena
	return arena, nil
}

// Arena ensures bucketID's backing arena exists and returns it whole, for
// registration as a single memory region. Every buffer Get ever returns
// from this bucket is a sub-slice of this exact byte slice.
func (p *Pool) Arena(bucketID int) ([]byte, error) {
	if bucketID < p.minShift || bucketID > p.maxShift {
		return nil, fmt.Errorf("bufferpool: bucket %d out of range", bucketID)
	}
	b := p.bucketFor(bucketID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arenaBytes()
}

// Get returns a page-aligned buffer of at least size bytes and the bucket
// id it was served from, or an error if size exceeds the configured
// maximum or every slot in the bucket is currently on loan (accounted by
// the caller as data or signal buffer starvation per §3.3/§6).
func (p *Pool) Get(size int) ([]byte, int, error) {
	id := p.BucketID(size)
	if id < 0 {
		return nil, -1, fmt.Errorf("bufferpool: requested size %d exceeds pool maximum", size)
	}
	b := p.bucketFor(id)

	b.mu.Lock()
	defer b.mu.Unlock()

	arena, err := b.arenaBytes()
	if err != nil {
		return nil, -1, err
	}
	if len(b.free) == 0 {
		return nil, -1, fmt.Errorf("bufferpool: bucket %d exhausted (%d slots in use)", id, cap(b.free))
	}
	n := len(b.free)
	slot := b.free[n-1]
	b.free = b.free[:n-1]

	off := slot * b.capacity
	buf := arena[off : off+b.capacity][:size]
	p.recordBorrow()
	return buf, id, nil
}

// Put returns a buffer to its bucket's free list for reuse. bucketID must
// be the value returned by the Get call that produced buf.
func (p *Pool) Put(buf []byte, bucketID int) {
	if bucketID < 0 {
		return
	}
	b := p.bucketFor(bucketID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.arena == nil || b.capacity == 0 {
		return
	}
	full := buf[:cap(buf)]
	offset := int(uintptr(unsafe.Pointer(&full[0])) - uintptr(unsafe.Pointer(&b.arena[0])))
	slot := offset / b.capacity
	b.free = append(b.free, slot)
	p.recordReturn()
}

func (p *Pool) recordBorrow() {
	p.statsMu.Lock()
	p.stats.Borrowed++
	p.statsMu.Unlock()
}

func (p *Pool) recordReturn() {
	p.statsMu.Lock()
	p.stats.Returned++
	p.statsMu.Unlock()
}

// Stats returns a snapshot of cumulative borrow/return counts.
func (p *Pool) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// Close unmaps every bucket arena. Buffers still borrowed by in-flight RRs
// or consumer hands are part of the same arena and become invalid the
// moment this returns, same as the teacher's pools rely on process
// teardown rather than tracking every live allocation.
func (p *Pool) Close() error {
	p.bucketsMu.Lock()
	defer p.bucketsMu.Unlock()
	var firstErr error
	for _, b := range p.buckets {
		b.mu.Lock()
		if b.arena != nil {
			if err := unix.Munmap(b.arena); err != nil && firstErr == nil {
				firstErr = err
			}
			b.arena = nil
		}
		b.free = nil
		b.mu.Unlock()
	}
	return firstErr
}
