package gcoap

import "time"

// Config holds the tunables for an Engine. The zero value is not useful;
// start from DefaultConfig and override individual fields, the same way
// cmd/proxy's Config is built in the teacher codebase this package grew out
// of.
type Config struct {
	// Port is the local UDP port the transport listens on.
	Port int

	// PDUBufSize bounds the size of any single CoAP message, request or
	// response, that this engine will build or parse.
	PDUBufSize int

	// HeaderMaxLen is carried for configuration parity but is not read by
	// the engine: responses are bounded only by PDUBufSize, and a request
	// memo keeps its full token rather than a length-limited header copy.
	HeaderMaxLen int

	// ReqWaitingMax is the number of confirmable/non-confirmable requests
	// that may be outstanding (awaiting response or retransmission
	// timeout) at once. This is the size of the open-request slot table.
	ReqWaitingMax int

	// ObsClientsMax is the number of distinct remote endpoints that may
	// hold at least one active observation at once.
	ObsClientsMax int

	// ObsRegistrationsMax is the number of (observer, resource) memos
	// tracked at once across all clients and resources.
	ObsRegistrationsMax int

	// ResendBufsMax is the number of confirmable-request retransmission
	// buffers held at once; it bounds how many confirmable requests may
	// be in flight concurrently (distinct from ReqWaitingMax, which also
	// counts non-confirmable requests that carry no resend buffer).
	ResendBufsMax int

	// AckTimeout is the initial retransmission timeout for a confirmable
	// message, before RandomFactor jitter and exponential backoff.
	AckTimeout time.Duration

	// RandomFactor widens AckTimeout by a uniform random multiplier in
	// [1.0, RandomFactor) for the first transmission's timeout, per
	// RFC 7252 section 4.8; each retransmission's doubled timeout is
	// widened the same way.
	RandomFactor float64

	// MaxRetransmit is the number of retransmissions attempted after the
	// initial send of a confirmable message before the request is
	// reported as timed out.
	MaxRetransmit int

	// NonTimeout bounds how long a non-confirmable request waits for a
	// matching response before being reported as timed out.
	NonTimeout time.Duration

	// TokenLen is the number of random bytes used for the token of a
	// request built by ReqInit.
	TokenLen int

	// ObsTickExponent is the right-shift applied to a microsecond clock
	// reading to seed a resource's 24-bit Observe notification counter
	// the first time the engine needs it: an incoming request carrying an
	// Observe option, a notification, or a call to ObsCounter/ObsInit.
	ObsTickExponent int

	// SendWaitForResponse selects ReqSend2's synchronous mode: when
	// true, ReqSend2 blocks the calling goroutine until a response (or
	// timeout/reset) arrives, returning it directly rather than invoking
	// a callback on the engine goroutine.
	SendWaitForResponse bool

	// QueryStringMax bounds the assembled Uri-Query string a caller may
	// build up via Packet.AddQueryString before a request is sent.
	QueryStringMax int
}

// DefaultConfig returns the RFC 7252 defaults, sized for a constrained
// endpoint: small slot tables, the standard ACK_TIMEOUT/RANDOM_FACTOR/
// MAX_RETRANSMIT triple, and the standard CoAP port.
func DefaultConfig() Config {
	return Config{
		Port:                5683,
		PDUBufSize:          128,
		HeaderMaxLen:        32,
		ReqWaitingMax:       8,
		ObsClientsMax:       4,
		ObsRegistrationsMax: 8,
		ResendBufsMax:       4,
		AckTimeout:          2 * time.Second,
		RandomFactor:        1.5,
		MaxRetransmit:       4,
		NonTimeout:          5 * time.Second,
		TokenLen:            2,
		ObsTickExponent:     5,
		SendWaitForResponse: false,
		QueryStringMax:      64,
	}
}
