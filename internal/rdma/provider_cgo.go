//go:build linux && cgo

package rdma

/*
#cgo LDFLAGS: -lrdmacm -libverbs
#include <stdlib.h>
#include <string.h>
#include <errno.h>
#include <poll.h>
#include <infiniband/verbs.h>
#include <rdma/rdma_cma.h>

// addr_to_sockaddr fills an IPv4 sockaddr_in for rdma_resolve_addr.
static void addr_to_sockaddr(struct sockaddr_in *sin, unsigned char a, unsigned char b,
                              unsigned char c, unsigned char d, unsigned short port) {
	memset(sin, 0, sizeof(*sin));
	sin->sin_family = AF_INET;
	sin->sin_port = htons(port);
	unsigned char *ip = (unsigned char *)&sin->sin_addr.s_addr;
	ip[0] = a; ip[1] = b; ip[2] = c; ip[3] = d;
}

// private_data_rkey reads the first 32 bits of CM private data as the
// server's rkey, native byte order, no conversion (matches the original).
static unsigned int private_data_rkey(const void *data, unsigned char len) {
	if (data == NULL || len < 4) {
		return 0;
	}
	unsigned int rkey;
	memcpy(&rkey, data, sizeof(rkey));
	return rkey;
}
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"
)

// cgoConn holds the native handles for one CM id / queue pair.
type cgoConn struct {
	id      *C.struct_rdma_cm_id
	compCh  *C.struct_ibv_comp_channel
	maxPost int
	mrs     map[C.uint32_t]*C.struct_ibv_mr
}

// cgoProvider is the real Provider backed by librdmacm/libibverbs.
type cgoProvider struct {
	mu      sync.Mutex
	channel *C.struct_rdma_event_channel
	conns   map[ConnID]*cgoConn
	next    ConnID
	closed  bool
}

// NewCGOProvider creates the production Provider, opening one RDMA CM event
// channel shared by every connection this process manages.
func NewCGOProvider() (Provider, error) {
	ch, errno := C.rdma_create_event_channel()
	if ch == nil {
		return nil, fmt.Errorf("rdma: rdma_create_event_channel: %w", errno)
	}
	if err := syscall.SetNonblock(int(ch.fd), true); err != nil {
		C.rdma_destroy_event_channel(ch)
		return nil, fmt.Errorf("rdma: set cm event channel non-blocking: %w", err)
	}
	return &cgoProvider{
		channel: ch,
		conns:   make(map[ConnID]*cgoConn),
	}, nil
}

func (p *cgoProvider) EventChannelFD() int {
	return int(p.channel.fd)
}

func (p *cgoProvider) lookupByID(raw *C.struct_rdma_cm_id) (ConnID, *cgoConn, bool) {
	for id, c := range p.conns {
		if c.id == raw {
			return id, c, true
		}
	}
	return 0, nil, false
}

func (p *cgoProvider) NextEvent() (CMEvent, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return CMEvent{}, false, ErrProviderClosed
	}

	var raw *C.struct_rdma_cm_event
	rc, errno := C.rdma_get_cm_event(p.channel, &raw)
	if rc != 0 {
		if isEAGAIN(errno) {
			return CMEvent{}, false, nil
		}
		return CMEvent{}, false, fmt.Errorf("rdma: rdma_get_cm_event: %w", errno)
	}
	defer C.rdma_ack_cm_event(raw)

	connID, _, found := p.lookupByID(raw.id)
	ev := CMEvent{ConnID: connID}
	if !found {
		// Event for an id this provider didn't originate (shouldn't
		// happen given we own the channel exclusively); surface it
		// with a zero ConnID rather than panic.
	}

	switch raw.event {
	case C.RDMA_CM_EVENT_ADDR_RESOLVED:
		ev.Type = CMEventAddrResolved
	case C.RDMA_CM_EVENT_ROUTE_RESOLVED:
		ev.Type = CMEventRouteResolved
	case C.RDMA_CM_EVENT_ESTABLISHED:
		ev.Type = CMEventEstablished
		pd := raw.param.conn
		ev.Rkey = uint32(C.private_data_rkey(pd.private_data, pd.private_data_len))
		ev.InitiatorDepth = int(pd.initiator_depth)
	case C.RDMA_CM_EVENT_DISCONNECTED:
		ev.Type = CMEventDisconnected
	case C.RDMA_CM_EVENT_ADDR_ERROR:
		ev.Type = CMEventAddrError
	case C.RDMA_CM_EVENT_ROUTE_ERROR:
		ev.Type = CMEventRouteError
	case C.RDMA_CM_EVENT_CONNECT_ERROR:
		ev.Type = CMEventConnectError
	case C.RDMA_CM_EVENT_UNREACHABLE:
		ev.Type = CMEventUnreachable
	case C.RDMA_CM_EVENT_REJECTED:
		ev.Type = CMEventRejected
	case C.RDMA_CM_EVENT_TIMEWAIT_EXIT:
		ev.Type = CMEventTimewaitExit
	default:
		return CMEvent{}, false, fmt.Errorf("rdma: unhandled cm event %d", int(raw.event))
	}

	return ev, true, nil
}

func (p *cgoProvider) CreateID() (ConnID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var raw *C.struct_rdma_cm_id
	rc, errno := C.rdma_create_id(p.channel, &raw, nil, C.RDMA_PS_TCP)
	if rc != 0 {
		return 0, fmt.Errorf("rdma: rdma_create_id: %w", errno)
	}

	p.next++
	id := p.next
	p.conns[id] = &cgoConn{id: raw, mrs: make(map[C.uint32_t]*C.struct_ibv_mr)}
	return id, nil
}

func (p *cgoProvider) conn(id ConnID) (*cgoConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	if !ok {
		return nil, fmt.Errorf("rdma: unknown connection id %d", id)
	}
	return c, nil
}

func (p *cgoProvider) ResolveAddr(ctx context.Context, id ConnID, addr [4]byte, port uint16, timeout time.Duration) error {
	c, err := p.conn(id)
	if err != nil {
		return err
	}
	var sin C.struct_sockaddr_in
	C.addr_to_sockaddr(&sin, C.uchar(addr[0]), C.uchar(addr[1]), C.uchar(addr[2]), C.uchar(addr[3]), C.ushort(port))

	rc, errno := C.rdma_resolve_addr(c.id, nil, (*C.struct_sockaddr)(unsafe.Pointer(&sin)), C.int(timeout.Milliseconds()))
	if rc != 0 {
		return fmt.Errorf("rdma: rdma_resolve_addr: %w", errno)
	}
	return nil
}

func (p *cgoProvider) QueryDevice(id ConnID) (DeviceAttr, error) {
	c, err := p.conn(id)
	if err != nil {
		return DeviceAttr{}, err
	}
	var attr C.struct_ibv_device_attr
	rc := C.ibv_query_device(c.id.verbs, &attr)
	if rc != 0 {
		return DeviceAttr{}, fmt.Errorf("rdma: ibv_query_device: rc=%d", int(rc))
	}
	return DeviceAttr{MaxQPInitRdAtom: int(attr.max_qp_init_rd_atom)}, nil
}

func (p *cgoProvider) CreateQP(id ConnID, maxSendWR int) (int, error) {
	c, err := p.conn(id)
	if err != nil {
		return 0, err
	}

	var initAttr C.struct_ibv_qp_init_attr
	C.memset(unsafe.Pointer(&initAttr), 0, C.sizeof_struct_ibv_qp_init_attr)
	initAttr.qp_type = C.IBV_QPT_RC
	initAttr.cap.max_send_wr = C.uint32_t(maxSendWR)
	initAttr.cap.max_recv_wr = 1
	initAttr.cap.max_send_sge = 1
	initAttr.cap.max_recv_sge = 1

	rc, errno := C.rdma_create_qp(c.id, nil, &initAttr)
	if rc != 0 {
		return 0, fmt.Errorf("rdma: rdma_create_qp: %w", errno)
	}

	actual := int(initAttr.cap.max_send_wr)
	if actual > maxSendWR || actual <= 0 {
		actual = maxSendWR
	}

	if ch := c.id.send_cq_channel; ch != nil {
		if err := syscall.SetNonblock(int(ch.fd), true); err != nil {
			return 0, fmt.Errorf("rdma: set completion channel non-blocking: %w", err)
		}
	}

	p.mu.Lock()
	c.compCh = c.id.send_cq_channel
	c.maxPost = actual
	p.mu.Unlock()

	return actual, nil
}

func (p *cgoProvider) ResolveRoute(ctx context.Context, id ConnID, timeout time.Duration) error {
	c, err := p.conn(id)
	if err != nil {
		return err
	}
	rc, errno := C.rdma_resolve_route(c.id, C.int(timeout.Milliseconds()))
	if rc != 0 {
		return fmt.Errorf("rdma: rdma_resolve_route: %w", errno)
	}
	return nil
}

func (p *cgoProvider) RegisterMemory(id ConnID, buf []byte) (MemoryRegion, error) {
	c, err := p.conn(id)
	if err != nil {
		return MemoryRegion{}, err
	}
	if len(buf) == 0 {
		return MemoryRegion{}, fmt.Errorf("rdma: cannot register empty buffer")
	}
	access := C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_READ
	mr, errno := C.ibv_reg_mr(c.id.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return MemoryRegion{}, fmt.Errorf("rdma: ibv_reg_mr: %w", errno)
	}

	p.mu.Lock()
	c.mrs[mr.lkey] = mr
	p.mu.Unlock()

	return MemoryRegion{LKey: uint32(mr.lkey)}, nil
}

func (p *cgoProvider) DeregisterMemory(id ConnID, region MemoryRegion) error {
	c, err := p.conn(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	mr, ok := c.mrs[C.uint32_t(region.LKey)]
	if ok {
		delete(c.mrs, C.uint32_t(region.LKey))
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("rdma: unknown memory region lkey %d", region.LKey)
	}
	rc := C.ibv_dereg_mr(mr)
	if rc != 0 {
		return fmt.Errorf("rdma: ibv_dereg_mr: rc=%d", int(rc))
	}
	return nil
}

func (p *cgoProvider) CompletionChannelFD(id ConnID) (int, error) {
	c, err := p.conn(id)
	if err != nil {
		return 0, err
	}
	if c.compCh == nil {
		return 0, fmt.Errorf("rdma: connection %d has no completion channel yet", id)
	}
	return int(c.compCh.fd), nil
}

func (p *cgoProvider) RequestNotify(id ConnID) error {
	c, err := p.conn(id)
	if err != nil {
		return err
	}
	rc := C.ibv_req_notify_cq(c.id.send_cq, 0)
	if rc != 0 {
		return fmt.Errorf("rdma: ibv_req_notify_cq: rc=%d", int(rc))
	}
	return nil
}

func (p *cgoProvider) AckCompletionEvents(id ConnID, n int) error {
	c, err := p.conn(id)
	if err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}
	C.ibv_ack_cq_events(c.id.send_cq, C.uint(n))
	return nil
}

func (p *cgoProvider) GetCQEvent(id ConnID) error {
	c, err := p.conn(id)
	if err != nil {
		return err
	}
	var evCQ *C.struct_ibv_cq
	var cqCtx unsafe.Pointer
	rc, errno := C.ibv_get_cq_event(c.compCh, &evCQ, &cqCtx)
	if rc != 0 {
		if isEAGAIN(errno) {
			return nil
		}
		return fmt.Errorf("rdma: ibv_get_cq_event: %w", errno)
	}
	return nil
}

func (p *cgoProvider) Connect(id ConnID, initiatorDepth int) error {
	c, err := p.conn(id)
	if err != nil {
		return err
	}
	var param C.struct_rdma_conn_param
	C.memset(unsafe.Pointer(&param), 0, C.sizeof_struct_rdma_conn_param)
	param.initiator_depth = C.uchar(initiatorDepth)
	param.retry_count = 7

	rc, errno := C.rdma_connect(c.id, &param)
	if rc != 0 {
		return fmt.Errorf("rdma: rdma_connect: %w", errno)
	}
	return nil
}

func (p *cgoProvider) Disconnect(id ConnID) error {
	c, err := p.conn(id)
	if err != nil {
		return err
	}
	rc, errno := C.rdma_disconnect(c.id)
	if rc != 0 {
		return fmt.Errorf("rdma: rdma_disconnect: %w", errno)
	}
	return nil
}

func (p *cgoProvider) PostRead(id ConnID, wrID uint64, localBuf []byte, mr MemoryRegion, remoteAddr uint64, rkey uint32, length uint64) error {
	c, err := p.conn(id)
	if err != nil {
		return err
	}
	if len(localBuf) == 0 {
		return fmt.Errorf("rdma: empty local buffer for read")
	}

	var sge C.struct_ibv_sge
	sge.addr = C.uint64_t(uintptr(unsafe.Pointer(&localBuf[0])))
	sge.length = C.uint32_t(length)
	sge.lkey = C.uint32_t(mr.LKey)

	var wr C.struct_ibv_send_wr
	C.memset(unsafe.Pointer(&wr), 0, C.sizeof_struct_ibv_send_wr)
	wr.wr_id = C.uint64_t(wrID)
	wr.sg_list = &sge
	wr.num_sge = 1
	wr.opcode = C.IBV_WR_RDMA_READ
	wr.send_flags = C.IBV_SEND_SIGNALED
	*(*C.uint64_t)(unsafe.Pointer(&wr.wr[0])) = C.uint64_t(remoteAddr)
	*(*C.uint32_t)(unsafe.Pointer(&wr.wr[8])) = C.uint32_t(rkey)

	var badWR *C.struct_ibv_send_wr
	rc := C.ibv_post_send(c.id.qp, &wr, &badWR)
	if rc != 0 {
		return fmt.Errorf("rdma: ibv_post_send: rc=%d", int(rc))
	}
	return nil
}

func (p *cgoProvider) PollCQ(id ConnID, out []WorkCompletion) (int, error) {
	c, err := p.conn(id)
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, nil
	}
	wcs := make([]C.struct_ibv_wc, len(out))
	n := C.ibv_poll_cq(c.id.send_cq, C.int(len(out)), &wcs[0])
	if n < 0 {
		return 0, fmt.Errorf("rdma: ibv_poll_cq: rc=%d", int(n))
	}
	for i := 0; i < int(n); i++ {
		out[i] = WorkCompletion{
			WRID:   uint64(wcs[i].wr_id),
			Status: fromIBVStatus(wcs[i].status),
		}
	}
	return int(n), nil
}

func fromIBVStatus(s C.enum_ibv_wc_status) WCStatus {
	switch s {
	case C.IBV_WC_SUCCESS:
		return WCStatusSuccess
	case C.IBV_WC_LOC_LEN_ERR:
		return WCStatusLocalLengthErr
	case C.IBV_WC_LOC_PROT_ERR:
		return WCStatusLocalProtErr
	case C.IBV_WC_WR_FLUSH_ERR:
		return WCStatusWrFlushErr
	case C.IBV_WC_REM_ACCESS_ERR:
		return WCStatusRemoteAccessErr
	case C.IBV_WC_RETRY_EXC_ERR:
		return WCStatusRetryExcErr
	case C.IBV_WC_RNR_RETRY_EXC_ERR:
		return WCStatusRnrRetryExcErr
	default:
		return WCStatusOther
	}
}

// DestroyQP destroys the queue pair with a bounded grace period: the
// original source skips this call entirely because it can hang at exit.
// We instead attempt it off the calling goroutine and give up after a
// short timeout, logging rather than blocking shutdown indefinitely.
func (p *cgoProvider) DestroyQP(id ConnID) error {
	c, err := p.conn(id)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		C.rdma_destroy_qp(c.id)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("rdma: rdma_destroy_qp did not return within grace period for connection %d", id)
	}
}

func (p *cgoProvider) DestroyID(id ConnID) error {
	p.mu.Lock()
	c, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("rdma: unknown connection id %d", id)
	}
	rc, errno := C.rdma_destroy_id(c.id)
	if rc != 0 {
		return fmt.Errorf("rdma: rdma_destroy_id: %w", errno)
	}
	return nil
}

func (p *cgoProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	C.rdma_destroy_event_channel(p.channel)
	return nil
}

// isEAGAIN reports whether a cgo two-result errno carries EAGAIN, the
// expected "nothing ready yet" outcome of a non-blocking poll.
func isEAGAIN(errno error) bool {
	errnoVal, ok := errno.(syscall.Errno)
	return ok && errnoVal == syscall.EAGAIN
}
