// Package domain holds the types shared between the reactor, the connection
// registry, and the external collaborators (signal receiver, buffer pool,
// consumer queues, filter dispatch) described in the spectrum reader design.
package domain

import (
	"fmt"
	"net"
	"time"
)

// ServerAddr identifies a correlator server by its RDMA-reachable socket
// address. It is comparable so it can be used directly as a map key in the
// connection registry.
type ServerAddr struct {
	IP   [4]byte
	Port uint16
}

// NewServerAddr builds a ServerAddr from a dotted-quad IPv4 and port. It
// panics on a malformed or non-IPv4 address since signals are only ever
// produced for IPv4 RDMA endpoints in this design.
func NewServerAddr(ip net.IP, port uint16) ServerAddr {
	v4 := ip.To4()
	if v4 == nil {
		panic(fmt.Sprintf("domain: not an IPv4 address: %s", ip))
	}
	var a ServerAddr
	copy(a.IP[:], v4)
	a.Port = port
	return a
}

func (a ServerAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// UDPAddr converts back to a *net.UDPAddr for use with the standard library.
func (a ServerAddr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3]), Port: int(a.Port)}
}

// ConsumerID names a registered consumer. The filter dispatch computes a set
// of these per spectrum; the reactor never interprets the value, only routes
// by it.
type ConsumerID string

// SpectrumInfo is the per-spectrum metadata carried in a signal, sufficient
// to issue the RDMA READ and to verify the result.
type SpectrumInfo struct {
	Server         ServerAddr
	DataAddr       uint64 // remote virtual address, valid against the connection's rkey
	NumChannels    uint32
	PerChannelSize uint32
	FreqHz         float64  // sky frequency of the first channel, for filter dispatch
	Digest         [16]byte // expected MD5 of the fetched payload
}

// ByteLen is the number of bytes the READ must fetch for this spectrum.
func (s SpectrumInfo) ByteLen() uint64 {
	return uint64(s.NumChannels) * uint64(s.PerChannelSize)
}

// SpectrumEntry pairs one spectrum with the consumer set the filter dispatch
// computed for it. An empty ConsumerSet means no consumer wants it.
type SpectrumEntry struct {
	Info        SpectrumInfo
	ConsumerSet []ConsumerID
}

// ReadRequest is the in-flight unit of work tracked from signal intake
// through posting, reaping, and delivery (RR in the design doc).
type ReadRequest struct {
	ID          uint64 // assigned by conn.Connection.Enqueue, used as the RDMA work-request id
	Info        SpectrumInfo
	ConsumerSet []ConsumerID
	Buffer      []byte // borrowed from the buffer pool once posted; nil while pending
	BucketID    int    // buffer-pool bucket this RR's buffer came from
	Enqueued    time.Time
}

// ResultCode classifies the terminal state of the whole reactor run, carried
// on the final End message delivered to every consumer queue.
type ResultCode int

const (
	ResultNoError ResultCode = iota
	ResultSysErr
	ResultErrorBuffPool
)

func (c ResultCode) String() string {
	switch c {
	case ResultNoError:
		return "no_error"
	case ResultSysErr:
		return "syserr"
	case ResultErrorBuffPool:
		return "error_buffpool"
	default:
		return "unknown"
	}
}

// Result carries the outcome summary attached to an End output message.
type Result struct {
	Code       ResultCode
	SysErrDesc string // populated only when Code == ResultSysErr
}

// WCStatus mirrors the subset of RDMA work-completion status codes the
// reactor needs to report to consumers; it deliberately does not attempt to
// enumerate every ibv_wc_status value, only the ones that cross the output
// boundary.
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

func (s WCStatus) String() string {
	switch s {
	case WCStatusSuccess:
		return "success"
	case WCStatusLocalLengthErr:
		return "local_length_error"
	case WCStatusLocalProtErr:
		return "local_protection_error"
	case WCStatusWrFlushErr:
		return "flush_error"
	case WCStatusRemoteAccessErr:
		return "remote_access_error"
	case WCStatusRetryExcErr:
		return "retry_exceeded"
	case WCStatusRnrRetryExcErr:
		return "rnr_retry_exceeded"
	default:
		return "other_error"
	}
}

// DataPathMessage is the control-channel union pushed by the signal receiver
// (and, for Quit/End, looped back by the reactor itself). Kind reports which
// variant a given value is, and so which of its fields are meaningful.
type DataPathMessageKind int

const (
	KindSignalMsg DataPathMessageKind = iota
	KindReceiveFail
	KindBufferStarvation
	KindQuit
	KindEnd
)

type DataPathMessage struct {
	Kind DataPathMessageKind

	// KindSignalMsg
	Signal []SpectrumEntry

	// KindReceiveFail
	WCStatus WCStatus

	// KindEnd
	Result Result

	// identity token: for Quit/End, the second arrival of the *same*
	// pointer is what drives the two-phase shutdown in §4.7. Two distinct
	// Quit messages created independently are NOT the same instance.
	token *int
}

// NewSignalMsg wraps a decoded signal in a DataPathMessage.
func NewSignalMsg(entries []SpectrumEntry) *DataPathMessage {
	return &DataPathMessage{Kind: KindSignalMsg, Signal: entries}
}

// NewReceiveFail reports a signal-receiver verb failure.
func NewReceiveFail(status WCStatus) *DataPathMessage {
	return &DataPathMessage{Kind: KindReceiveFail, WCStatus: status}
}

// NewBufferStarvation reports the signal receiver could not obtain a buffer.
func NewBufferStarvation() *DataPathMessage {
	return &DataPathMessage{Kind: KindBufferStarvation}
}

// NewQuit creates a fresh Quit instance. Each call produces a distinct
// identity; the reactor's quit protocol depends on being able to tell this
// apart from a second, unrelated Quit.
func NewQuit() *DataPathMessage {
	return &DataPathMessage{Kind: KindQuit, token: new(int)}
}

// NewEnd creates a fresh End instance carrying the aggregated result.
func NewEnd(result Result) *DataPathMessage {
	return &DataPathMessage{Kind: KindEnd, Result: result, token: new(int)}
}

// SameInstance reports whether m and other were produced by the same
// New{Quit,End} call, i.e. share identity rather than merely equal fields.
func (m *DataPathMessage) SameInstance(other *DataPathMessage) bool {
	return m != nil && other != nil && m.token == other.token
}

// OutputKind enumerates the message variants delivered to consumer queues.
type OutputKind int

const (
	OutputValidBuffer OutputKind = iota
	OutputDigestFailure
	OutputRDMAReadFailure
	OutputQueueOverflow
	OutputDataBufferStarvation
	OutputSignalBufferStarvation
	OutputSignalReceiveFailure
	OutputEnd
)

// OutputMessage is delivered to a single consumer's queue. ValidBuffer and
// the two failure variants share the same slot in the source design (the
// tag is flipped in place on failure); here that collapsing is represented
// simply by using one struct with the tag deciding which fields are live.
type OutputMessage struct {
	Kind OutputKind

	Info     SpectrumInfo // OutputValidBuffer, OutputDigestFailure, OutputRDMAReadFailure
	Buffer   []byte       // OutputValidBuffer only; released for every other kind
	WCStatus WCStatus     // OutputRDMAReadFailure, OutputSignalReceiveFailure
	Result   Result       // OutputEnd
}

// AsFailure flips a valid-buffer-shaped message into one of the failure
// variants in place, releasing the buffer reference. Mirrors the source
// design's "flip the tag, release the buffer" handling of shared slots.
func (m *OutputMessage) AsFailure(kind OutputKind, wc WCStatus) {
	m.Kind = kind
	m.Buffer = nil
	m.WCStatus = wc
}
