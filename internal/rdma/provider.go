// Package rdma abstracts the RDMA connection-manager and verbs operations
// the reactor needs, so the reactor, registry, and connection state machine
// can be exercised against a fake without real RDMA hardware. The real
// implementation (provider_cgo.go) binds librdmacm/libibverbs directly;
// there is no mainstream pure-Go alternative.
package rdma

import (
	"context"
	"errors"
	"time"
)

// ErrProviderClosed is returned by the cgo provider's NextEvent once Close
// has been called.
var ErrProviderClosed = errors.New("rdma: provider closed")

// CMEventType enumerates the RDMA connection-manager events the reactor
// reacts to, mirroring the subset of rdma_cm_event_type this design needs.
type CMEventType int

const (
	CMEventAddrResolved CMEventType = iota
	CMEventAddrError
	CMEventRouteResolved
	CMEventRouteError
	CMEventEstablished
	CMEventConnectError
	CMEventRejected
	CMEventUnreachable
	CMEventDisconnected
	CMEventTimewaitExit
)

func (e CMEventType) String() string {
	switch e {
	case CMEventAddrResolved:
		return "ADDR_RESOLVED"
	case CMEventAddrError:
		return "ADDR_ERROR"
	case CMEventRouteResolved:
		return "ROUTE_RESOLVED"
	case CMEventRouteError:
		return "ROUTE_ERROR"
	case CMEventEstablished:
		return "ESTABLISHED"
	case CMEventConnectError:
		return "CONNECT_ERROR"
	case CMEventRejected:
		return "REJECTED"
	case CMEventUnreachable:
		return "UNREACHABLE"
	case CMEventDisconnected:
		return "DISCONNECTED"
	case CMEventTimewaitExit:
		return "TIMEWAIT_EXIT"
	default:
		return "UNKNOWN"
	}
}

// CMEvent is a decoded connection-manager event correlated back to the CM id
// that produced it.
type CMEvent struct {
	Type            CMEventType
	ConnID          ConnID
	Rkey            uint32 // valid only for CMEventEstablished; native byte order, no conversion
	InitiatorDepth  int    // valid only for CMEventEstablished
	RejectedReason  string
}

// ConnID identifies one CM id / queue pair for the lifetime of a connection.
// Opaque to callers; only the provider interprets it.
type ConnID uint64

// WCStatus mirrors the ibv_wc_status values the reactor needs to classify.
type WCStatus int

const (
	WCStatusSuccess WCStatus = iota
	WCStatusLocalLengthErr
	WCStatusLocalProtErr
	WCStatusWrFlushErr
	WCStatusRemoteAccessErr
	WCStatusRetryExcErr
	WCStatusRnrRetryExcErr
	WCStatusOther
)

// WorkCompletion is a reaped entry from a completion queue.
type WorkCompletion struct {
	WRID   uint64
	Status WCStatus
}

// DeviceAttr is the subset of ibv_device_attr the credit negotiation needs.
type DeviceAttr struct {
	MaxQPInitRdAtom int
}

// MemoryRegion is a registered, RDMA-addressable buffer.
type MemoryRegion struct {
	LKey uint32
}

// Provider is the seam between the reactor and the RDMA connection-manager
// and verbs stack. The cgo implementation (provider_cgo.go) talks to
// librdmacm/libibverbs; FakeProvider (fake.go) drives the same state
// machine in memory for tests.
type Provider interface {
	// EventChannelFD returns the pollable fd backing CM events.
	EventChannelFD() int

	// NextEvent returns the next pending CM event without blocking, or
	// (CMEvent{}, false, nil) if none is ready.
	NextEvent() (CMEvent, bool, error)

	// CreateID creates a new reliable-connected CM id.
	CreateID() (ConnID, error)

	// ResolveAddr begins address resolution toward addr with the given
	// deadline; completion surfaces as a CMEventAddrResolved/AddrError.
	ResolveAddr(ctx context.Context, id ConnID, addr [4]byte, port uint16, timeout time.Duration) error

	// QueryDevice returns the device attributes for id's bound device.
	// Only valid after address resolution.
	QueryDevice(id ConnID) (DeviceAttr, error)

	// CreateQP creates a send-only (nominal-receive) queue pair sized to
	// maxSendWR work requests, returning the actual negotiated capacity
	// (the provider may round up or down).
	CreateQP(id ConnID, maxSendWR int) (actualCap int, err error)

	// ResolveRoute begins route resolution with the given deadline.
	ResolveRoute(ctx context.Context, id ConnID, timeout time.Duration) error

	// RegisterMemory registers buf against id's protection domain.
	RegisterMemory(id ConnID, buf []byte) (MemoryRegion, error)

	// DeregisterMemory releases a previously registered region.
	DeregisterMemory(id ConnID, mr MemoryRegion) error

	// CompletionChannelFD returns the pollable fd for id's completion
	// channel. Valid once CreateQP has succeeded.
	CompletionChannelFD(id ConnID) (int, error)

	// RequestNotify re-arms the completion queue for one-shot notification.
	RequestNotify(id ConnID) error

	// AckCompletionEvents acks n accumulated completion-channel events.
	AckCompletionEvents(id ConnID, n int) error

	// GetCQEvent consumes one completion-channel event, required before
	// the next RequestNotify/poll cycle can be trusted to deliver new
	// notifications.
	GetCQEvent(id ConnID) error

	// Connect issues rdma_connect with the given initiator depth.
	Connect(id ConnID, initiatorDepth int) error

	// Disconnect issues rdma_disconnect.
	Disconnect(id ConnID) error

	// PostRead issues an RDMA READ of length bytes from the peer's
	// remoteAddr/rkey into localBuf (registered under mr), tagged wrID.
	PostRead(id ConnID, wrID uint64, localBuf []byte, mr MemoryRegion, remoteAddr uint64, rkey uint32, length uint64) error

	// PollCQ drains up to max completions into out, returning the count
	// filled.
	PollCQ(id ConnID, out []WorkCompletion) (int, error)

	// DestroyQP destroys id's queue pair. Implementations should guard
	// against the known provider hang on destroy (see DESIGN.md).
	DestroyQP(id ConnID) error

	// DestroyID destroys the CM id itself, releasing the event channel
	// association.
	DestroyID(id ConnID) error

	// Close releases provider-wide resources (the CM event channel).
	Close() error
}
