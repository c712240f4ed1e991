package gcoap

import "errors"

// Sentinel errors returned by the codec, registry and engine. Callers should
// compare with errors.Is rather than matching on string content.
var (
	// ErrMalformed is returned when a received datagram does not parse as a
	// well-formed CoAP PDU (bad version, truncated option, token length
	// out of range, empty payload after the 0xFF marker, and so on).
	ErrMalformed = errors.New("gcoap: malformed PDU")

	// ErrBufferTooSmall is returned when an outgoing PDU does not fit in
	// the caller-supplied buffer.
	ErrBufferTooSmall = errors.New("gcoap: buffer too small")

	// ErrNoSlot is returned when a bounded slot table (open requests,
	// observers, observe registrations, resend buffers) is full.
	ErrNoSlot = errors.New("gcoap: slot table full")

	// ErrTimeout is delivered to a response handler when a confirmable
	// request exhausts its retransmissions, or a non-confirmable request
	// receives no response within the non-confirmable timeout.
	ErrTimeout = errors.New("gcoap: request timed out")

	// ErrReset is delivered to a response handler when the remote replies
	// with a Reset message instead of an Acknowledgement or response.
	ErrReset = errors.New("gcoap: request reset by peer")

	// ErrNotRunning is returned by ReqSend/ReqSend2 when the engine's
	// event loop is not (or no longer) running.
	ErrNotRunning = errors.New("gcoap: engine not running")

	// ErrHandlerFailed is a generic error a resource handler may return
	// instead of a response length; the engine answers any handler error,
	// this one included, with 5.00 Internal Server Error.
	ErrHandlerFailed = errors.New("gcoap: resource handler error")

	// ErrNoObservers is returned by Engine.ObsSend when the named
	// resource currently has no active observers to notify.
	ErrNoObservers = errors.New("gcoap: resource has no active observers")
)

// FindResult is the outcome of searching the listener list for a resource
// matching a request's path, mirroring gcoap_find_resource's three-way
// result in the original firmware.
type FindResult int

const (
	// ResourceFound indicates a resource matched both path and method.
	ResourceFound FindResult = iota
	// ResourceWrongMethod indicates a resource matched the path but not
	// the request method.
	ResourceWrongMethod
	// ResourceNoPath indicates no resource matched the path at all.
	ResourceNoPath
)

// ObsInitResult is the outcome of ObsInit, distinguishing a fresh
// registration from a resource with none.
type ObsInitResult int

const (
	// ObsInitOK indicates the PDU was initialized with an active
	// observe memo for the resource.
	ObsInitOK ObsInitResult = iota
	// ObsInitUnused indicates the resource has no active observers;
	// the PDU was not initialized and the caller should skip the send.
	ObsInitUnused
)
