package gcoap

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	mrand "math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// inbound is a datagram handed from the transport reader goroutine to the
// event loop.
type inbound struct {
	buf    []byte
	n      int
	remote net.Addr
}

// outboundReq is a request submitted to the event loop by ReqSend/ReqSend2,
// running on a caller's goroutine.
type outboundReq struct {
	buf     []byte
	pduLen  int
	remote  net.Addr
	handler RespHandlerFunc
	waitCh  chan respOutcome
	resultc chan error

	// oneShot is set for a confirmable Observe notification re-entering
	// handleSubmit from handleNotify: see requestMemo.oneShot.
	oneShot bool
}

// Engine is a single-endpoint CoAP request/response/observe engine. All
// mutable state (slot tables, listener list) is owned by one goroutine,
// started by Run; the submitting methods (ReqSend/ReqSend2, ObsSend)
// communicate with that goroutine over channels rather than touching the
// tables directly, while OpState and FindResource read the tables and the
// listener list directly from the caller's goroutine. This is the Go
// equivalent of
// the original firmware's single-threaded event loop owning its arrays
// outright.
type Engine struct {
	cfg       Config
	log       *logrus.Entry
	transport Transport
	metrics   *Metrics

	listenersHead *Listener

	reqSlots   []requestMemo
	resendBufs [][]byte
	obsSlots   []observerSlot
	obsMemos   []observeMemo

	nextMsgID uint32

	inboundCh  chan inbound
	submitCh   chan *outboundReq
	notifyCh   chan *obsNotifyReq
	timeoutCh  chan int // index into reqSlots
	doneCh     chan struct{}
	running    int32
	closeOnce  sync.Once
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default logrus.StandardLogger-derived entry.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs an Engine bound to transport, ready for Run.
func New(cfg Config, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		transport:  transport,
		log:        logrus.WithField("component", "gcoap"),
		reqSlots:   make([]requestMemo, cfg.ReqWaitingMax),
		resendBufs: make([][]byte, cfg.ResendBufsMax),
		obsSlots:   make([]observerSlot, cfg.ObsClientsMax),
		obsMemos:   make([]observeMemo, cfg.ObsRegistrationsMax),
		inboundCh:  make(chan inbound, 16),
		submitCh:   make(chan *outboundReq),
		notifyCh:   make(chan *obsNotifyReq),
		timeoutCh:  make(chan int, 4),
		doneCh:     make(chan struct{}),
	}
	for i := range e.resendBufs {
		e.resendBufs[i] = make([]byte, cfg.PDUBufSize)
	}
	for i := range e.reqSlots {
		e.reqSlots[i].resendBuf = -1
	}
	for i := range e.obsMemos {
		e.obsMemos[i].observer = -1
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RegisterListener appends l to the engine's listener list. It must be
// called before Run, or while Run is not concurrently dispatching a
// request (the engine does not guard the listener list with a mutex, since
// only the event loop goroutine ever walks it).
func (e *Engine) RegisterListener(l *Listener) {
	if e.listenersHead == nil {
		e.listenersHead = l
		return
	}
	tail := e.listenersHead
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = l
}

// LocalAddr returns the address the engine's transport is bound to.
func (e *Engine) LocalAddr() net.Addr { return e.transport.LocalAddr() }

// FindResource looks up the Resource registered for path, the exported
// counterpart to gcoap_find_resource: it reports ResourceFound with the
// matched Resource, or distinguishes ResourceWrongMethod (the path matched
// but not for method) from ResourceNoPath (no listener registers path at
// all). It is safe to call concurrently with Run, unlike RegisterListener,
// since it only reads the listener list.
func (e *Engine) FindResource(path string, method MethodFlag) (*Resource, FindResult) {
	return findResource(e.listenersHead, path, method)
}

// OpState reports the number of currently outstanding requests, the same
// count gcoap_op_state exposes so a caller can decide whether it is safe to
// sleep a radio duty cycle.
func (e *Engine) OpState() int {
	n := 0
	for i := range e.reqSlots {
		if e.reqSlots[i].state == memoWaiting {
			n++
		}
	}
	return n
}

// Run starts the transport reader goroutine and the event loop, blocking
// until ctx is canceled or the transport closes. It is safe to call Run
// exactly once per Engine.
func (e *Engine) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return fmt.Errorf("gcoap: engine already running")
	}
	defer atomic.StoreInt32(&e.running, 0)
	defer e.closeOnce.Do(func() { close(e.doneCh) })

	readErrCh := make(chan error, 1)
	go e.readLoop(readErrCh)

	for {
		select {
		case <-ctx.Done():
			e.transport.Close()
			return ctx.Err()

		case err := <-readErrCh:
			return err

		case dg := <-e.inboundCh:
			e.handleDatagram(dg.buf[:dg.n], dg.remote)

		case idx := <-e.timeoutCh:
			e.handleTimeout(idx)

		case req := <-e.submitCh:
			req.resultc <- e.handleSubmit(req)

		case req := <-e.notifyCh:
			req.resultc <- e.handleNotify(req)
		}
	}
}

func (e *Engine) readLoop(errc chan<- error) {
	for {
		buf := make([]byte, e.cfg.PDUBufSize)
		n, remote, err := e.transport.ReadFrom(buf)
		if err != nil {
			errc <- err
			return
		}
		select {
		case e.inboundCh <- inbound{buf: buf, n: n, remote: remote}:
		case <-e.doneCh:
			return
		}
	}
}

// handleDatagram parses one inbound datagram and routes it as either a
// response to an outstanding request, a reset/empty-ACK, or a new request.
func (e *Engine) handleDatagram(buf []byte, remote net.Addr) {
	pkt, err := Parse(buf)
	if err != nil {
		e.log.WithError(err).Debug("dropping malformed datagram")
		if e.metrics != nil {
			e.metrics.DroppedDatagrams.Inc()
		}
		return
	}

	switch {
	case pkt.Code == CodeEmpty:
		// A bare ACK (piggybacked response not yet ready) or a Reset.
		if e.dispatchResponse(pkt, remote) {
			return
		}
		if pkt.Type == TypeReset {
			// RST with no matching memo: most likely a canceled
			// observation, per RFC 7641 section 3.2.
			e.removeObserverMemosForToken(remote, pkt.Token)
		}

	case pkt.Code.Class() >= 2:
		// A piggybacked or separate response.
		e.dispatchResponse(pkt, remote)

	default:
		// A request: class 0, non-empty code.
		e.handleRequest(pkt, remote)
	}
}

// dispatchResponse matches pkt against the open-request table, delivering
// the outcome and freeing the slot. It returns false if no memo matched.
func (e *Engine) dispatchResponse(pkt *Packet, remote net.Addr) bool {
	bareACK := pkt.Type == TypeAcknowledgement && pkt.Code == CodeEmpty
	bareRST := pkt.Type == TypeReset && pkt.Code == CodeEmpty
	for i := range e.reqSlots {
		m := &e.reqSlots[i]
		if (m.state != memoWaiting && m.state != memoObserving) || m.remote.String() != remote.String() {
			continue
		}
		if bareRST {
			// An empty Reset carries no token, so it matches an
			// outstanding request by message ID alone.
			if m.state != memoWaiting || m.msgID != pkt.MsgID {
				continue
			}
			e.completeMemo(i, respOutcome{err: ErrReset})
			return true
		}
		if bareACK {
			// A bare ACK to a confirmable request matches by message ID
			// alone; the separate response has not arrived yet, so stop
			// retransmitting but keep the memo waiting.
			if m.state != memoWaiting || m.msgID != pkt.MsgID {
				continue
			}
			if m.timer != nil {
				m.timer.Stop()
			}
			if m.oneShot {
				// A confirmable notification's ACK has no piggybacked
				// content to wait for separately; the ACK itself is the
				// terminal event.
				e.completeMemo(i, respOutcome{})
			}
			return true
		}
		if !tokenEqual(m.token, pkt.Token) {
			continue
		}
		if pkt.Type == TypeReset {
			// The peer reset instead of acknowledging a notification:
			// treat the observation as canceled, per RFC 7641 section 3.2.
			e.completeMemo(i, respOutcome{err: ErrReset})
			return true
		}
		if pkt.Type == TypeConfirmable {
			// A confirmable out-of-band notification (obs_send's CON
			// path) is a message in its own right, independent of
			// whatever response the original request already received;
			// RFC 7252 section 4.2 requires acknowledging it.
			e.ackConfirmable(pkt, remote)
		}
		e.completeMemo(i, respOutcome{resp: pkt})
		return true
	}
	return false
}

// ackConfirmable sends a bare acknowledgement for a received confirmable
// message, the receiver-side half of the retransmission handshake
// obs_send's confirmable notification path relies on.
func (e *Engine) ackConfirmable(pkt *Packet, remote net.Addr) {
	buf := make([]byte, 4)
	n, err := BuildHeader(buf, TypeAcknowledgement, nil, CodeEmpty, pkt.MsgID)
	if err != nil {
		e.log.WithError(err).Warn("building notification ack")
		return
	}
	if _, err := e.transport.WriteTo(buf[:n], remote); err != nil {
		e.log.WithError(err).Warn("acking confirmable notification")
	}
}

func tokenEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (e *Engine) completeMemo(idx int, outcome respOutcome) {
	m := &e.reqSlots[idx]
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.resendBuf >= 0 {
		e.resendBufs[m.resendBuf][0] = 0
		m.resendBuf = -1
	}

	// An asynchronous request whose first response registered an Observe
	// stays alive (as memoObserving) to keep receiving later
	// notifications under the same token; a synchronous ReqSend2 caller
	// only ever gets the one response it is blocked waiting for.
	keepObserving := outcome.err == nil && outcome.resp != nil && outcome.resp.HasObserve &&
		(m.state == memoWaiting || m.state == memoObserving) && m.waitCh == nil

	if (outcome.err == ErrTimeout || outcome.err == ErrReset) && m.oneShot {
		// A confirmable notification that exhausted its retransmissions
		// never reached the observer, and one the observer reset was
		// refused; treat either the same as an explicit deregistration.
		e.removeObserverMemosForToken(m.remote, m.token)
	}

	if m.waitCh != nil {
		m.waitCh <- outcome
	} else if m.handler != nil {
		m.handler(outcome.resp, m.remote, outcome.err)
	}

	if keepObserving {
		m.state = memoObserving
	} else {
		*m = requestMemo{resendBuf: -1}
	}
	if e.metrics != nil {
		e.metrics.OpenRequests.Set(float64(e.OpState()))
	}
}

// handleTimeout processes a retransmission/request timeout fired by a
// per-memo timer.
func (e *Engine) handleTimeout(idx int) {
	m := &e.reqSlots[idx]
	if m.state != memoWaiting {
		return
	}
	if m.retries == nonConfirmable || m.retries <= 0 {
		if e.metrics != nil {
			e.metrics.TimedOutRequests.Inc()
		}
		e.completeMemo(idx, respOutcome{err: ErrTimeout})
		return
	}
	m.retries--
	// Re-jitter each retransmit's timeout within [doubled, doubled *
	// RandomFactor), the same random_uint32_range(timeout, timeout *
	// RANDOM_FACTOR) the original applies on every retry rather than
	// only on the initial timeout.
	m.timeout = jitteredTimeout(m.timeout*2, e.cfg.RandomFactor)
	if e.metrics != nil {
		e.metrics.Retransmits.Inc()
	}
	buf := e.resendBufs[m.resendBuf][:m.resendLen]
	if _, err := e.transport.WriteTo(buf, m.remote); err != nil {
		e.log.WithError(err).Warn("retransmit failed")
	}
	e.armTimer(idx, m.timeout)
}

func (e *Engine) armTimer(idx int, d time.Duration) {
	m := &e.reqSlots[idx]
	m.timer = time.AfterFunc(d, func() {
		select {
		case e.timeoutCh <- idx:
		case <-e.doneCh:
		}
	})
}

// handleRequest matches an incoming request against the listener list and
// either invokes the resource's handler or synthesizes a 4.04/4.05.
func (e *Engine) handleRequest(pkt *Packet, remote net.Addr) {
	method := MethodToFlag(pkt.Code)
	resource, result := findResource(e.listenersHead, pkt.URIPath, method)

	respBuf := make([]byte, e.cfg.PDUBufSize)
	var resp *Packet
	var n int
	var herr error

	switch result {
	case ResourceNoPath:
		resp = e.RespInit(pkt, CodeNotFound)
		n, herr = resp.Finish(respBuf, nil)
	case ResourceWrongMethod:
		resp = e.RespInit(pkt, CodeMethodNotAllowed)
		n, herr = resp.Finish(respBuf, nil)
	case ResourceFound:
		if err := e.maybeRegisterObserve(pkt, resource, remote); err != nil {
			e.log.WithError(err).Debug("observe registration failed")
		}
		if pkt.HasObserve {
			// Seed the resource's notification counter from the clock
			// before the handler runs, so a handler echoing it onto the
			// registration's piggybacked response reports a value drawn
			// from a low-resolution clock rather than starting at zero.
			e.seedObsCounter(resource)
		}
		written, herr2 := resource.Handler(respBuf, pkt, e)
		if herr2 != nil {
			resp = e.RespInit(pkt, CodeInternalServerError)
			n, herr = resp.Finish(respBuf, nil)
		} else {
			n = written
		}
	}

	if herr != nil {
		e.log.WithError(herr).Warn("failed to build response")
		return
	}
	if n < 4 {
		// Nothing meaningful to send back (e.g. a handler that chose not
		// to answer a non-confirmable request at all).
		return
	}
	if _, err := e.transport.WriteTo(respBuf[:n], remote); err != nil {
		e.log.WithError(err).Warn("failed to send response")
	}
}

// ReqInit stages a new request's fields. The caller must still call
// Finish to encode it into a buffer before passing it to ReqSend2.
func (e *Engine) ReqInit(typ uint8, code Code, path string) (*Packet, error) {
	token := make([]byte, e.cfg.TokenLen)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("gcoap: generating token: %w", err)
	}
	return &Packet{
		Type:          typ,
		Code:          code,
		MsgID:         uint16(atomic.AddUint32(&e.nextMsgID, 1)),
		Token:         token,
		URIPath:       path,
		ContentFormat: ContentFormatNone,
	}, nil
}

// RespInit stages a response matching req: an acknowledgement carrying
// req's message ID if req was confirmable, or a fresh non-confirmable
// message otherwise, always echoing req's token.
func (e *Engine) RespInit(req *Packet, code Code) *Packet {
	resp := &Packet{Code: code, Token: req.Token, ContentFormat: ContentFormatNone}
	if req.Type == TypeConfirmable {
		resp.Type = TypeAcknowledgement
		resp.MsgID = req.MsgID
	} else {
		resp.Type = TypeNonConfirmable
		resp.MsgID = uint16(atomic.AddUint32(&e.nextMsgID, 1))
	}
	return resp
}

// ReqSend2 submits an already-encoded request (buf[:pduLen], typically
// produced by ReqInit followed by Packet.Finish) for sending, matching
// responses against handler (asynchronous mode) or, when
// Config.SendWaitForResponse is set, blocking the caller until the
// response, a timeout, or a reset arrives.
func (e *Engine) ReqSend2(buf []byte, pduLen int, remote net.Addr, handler RespHandlerFunc) (*Packet, error) {
	if atomic.LoadInt32(&e.running) == 0 {
		return nil, ErrNotRunning
	}
	req := &outboundReq{buf: buf, pduLen: pduLen, remote: remote, resultc: make(chan error, 1)}
	var waitCh chan respOutcome
	if e.cfg.SendWaitForResponse {
		waitCh = make(chan respOutcome, 1)
		req.waitCh = waitCh
	} else {
		req.handler = handler
	}

	select {
	case e.submitCh <- req:
	case <-e.doneCh:
		return nil, ErrNotRunning
	}

	if err := <-req.resultc; err != nil {
		return nil, err
	}
	if waitCh == nil {
		return nil, nil
	}
	select {
	case outcome := <-waitCh:
		return outcome.resp, outcome.err
	case <-e.doneCh:
		return nil, ErrNotRunning
	}
}

// ReqSend is the fire-and-forget convenience wrapper around ReqSend2 for
// asynchronous (handler-based) sends.
func (e *Engine) ReqSend(buf []byte, pduLen int, remote net.Addr, handler RespHandlerFunc) error {
	_, err := e.ReqSend2(buf, pduLen, remote, handler)
	return err
}

// handleSubmit runs on the event loop goroutine: it allocates a slot (and,
// for confirmable requests, a resend buffer), sends the first copy of the
// PDU, and arms the retransmission/timeout timer.
func (e *Engine) handleSubmit(req *outboundReq) error {
	if len(req.buf) < 4 {
		return ErrMalformed
	}
	typ := (req.buf[0] >> 4) & 0x3
	tkl := int(req.buf[0] & 0xF)
	msgID := uint16(req.buf[2])<<8 | uint16(req.buf[3])
	token := append([]byte(nil), req.buf[4:4+tkl]...)

	idx := -1
	if !req.oneShot {
		for i := range e.reqSlots {
			// A request reusing the token and remote of an existing
			// memoObserving entry is a deregistration (or a
			// re-registration) of that same observation; reuse its slot
			// rather than opening a second one that would make later
			// response matching ambiguous. A oneShot submission (a
			// confirmable notification tracked by obs_send) is never
			// itself an observer-side registration, so it never
			// participates in this reuse.
			if e.reqSlots[i].state == memoObserving && e.reqSlots[i].remote.String() == req.remote.String() && tokenEqual(e.reqSlots[i].token, token) {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		for i := range e.reqSlots {
			if e.reqSlots[i].state == memoUnused {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		return ErrNoSlot
	}

	m := &e.reqSlots[idx]
	*m = requestMemo{
		state:     memoWaiting,
		msgID:     msgID,
		token:     token,
		remote:    req.remote,
		handler:   req.handler,
		waitCh:    req.waitCh,
		oneShot:   req.oneShot,
		resendBuf: -1,
	}

	var timeout time.Duration
	if typ == TypeConfirmable {
		bufIdx := -1
		for i, b := range e.resendBufs {
			if resendBufFree(b) {
				bufIdx = i
				break
			}
		}
		if bufIdx == -1 {
			*m = requestMemo{resendBuf: -1}
			return ErrNoSlot
		}
		copy(e.resendBufs[bufIdx], req.buf[:req.pduLen])
		m.resendBuf = bufIdx
		m.resendLen = req.pduLen
		m.retries = e.cfg.MaxRetransmit
		timeout = jitteredTimeout(e.cfg.AckTimeout, e.cfg.RandomFactor)
	} else {
		m.retries = nonConfirmable
		timeout = e.cfg.NonTimeout
	}
	m.timeout = timeout

	if _, err := e.transport.WriteTo(req.buf[:req.pduLen], req.remote); err != nil {
		*m = requestMemo{resendBuf: -1}
		return err
	}
	e.armTimer(idx, timeout)
	if e.metrics != nil {
		e.metrics.OpenRequests.Set(float64(e.OpState()))
	}
	return nil
}

// jitteredTimeout widens base by a uniform random factor in
// [1.0, randomFactor), per RFC 7252 section 4.8's initial timeout formula.
func jitteredTimeout(base time.Duration, randomFactor float64) time.Duration {
	if randomFactor <= 1.0 {
		return base
	}
	span := randomFactor - 1.0
	mult := 1.0 + mrand.Float64()*span
	return time.Duration(math.Round(float64(base) * mult))
}
