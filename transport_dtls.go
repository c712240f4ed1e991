package gcoap

import (
	"fmt"
	"net"
	"sync"

	"github.com/pion/dtls/v2"
)

// maxDatagramSize bounds a single read off a DTLS session; it is
// independent of Config.PDUBufSize so the transport can be reused across
// engines with different PDU size limits.
const maxDatagramSize = 2048

type dtlsDatagram struct {
	data   []byte
	remote net.Addr
	err    error
}

// TransportDTLS adapts pion/dtls/v2's connection-oriented session model to
// the connectionless Transport surface the engine expects, the same role
// tdsec_create/tdsec_read_msg play over tinydtls sessions in the original
// firmware: incoming datagrams from any accepted session are funneled into
// one channel tagged with their session's remote address, and WriteTo
// routes outgoing datagrams back to the session matching the requested
// remote.
type TransportDTLS struct {
	listener net.Listener // non-nil in server (Listen) mode

	mu    sync.Mutex
	conns map[string]net.Conn

	recvCh chan dtlsDatagram
	doneCh chan struct{}
	local  net.Addr
}

// ListenDTLS starts a DTLS server transport: it accepts sessions from any
// number of remote peers and multiplexes their datagrams together.
func ListenDTLS(addr string, config *dtls.Config) (*TransportDTLS, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	l, err := dtls.Listen("udp", laddr, config)
	if err != nil {
		return nil, err
	}
	t := &TransportDTLS{
		listener: l,
		conns:    make(map[string]net.Conn),
		recvCh:   make(chan dtlsDatagram, 16),
		doneCh:   make(chan struct{}),
		local:    l.Addr(),
	}
	go t.acceptLoop()
	return t, nil
}

// DialDTLS establishes a single outbound DTLS session and presents it as a
// transport fixed to that one remote, the pattern cmd/coap's client uses
// dtls.Dial for.
func DialDTLS(addr string, config *dtls.Config) (*TransportDTLS, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := dtls.Dial("udp", raddr, config)
	if err != nil {
		return nil, err
	}
	t := &TransportDTLS{
		conns:  map[string]net.Conn{conn.RemoteAddr().String(): conn},
		recvCh: make(chan dtlsDatagram, 16),
		doneCh: make(chan struct{}),
		local:  conn.LocalAddr(),
	}
	go t.readLoop(conn)
	return t, nil
}

func (t *TransportDTLS) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case t.recvCh <- dtlsDatagram{err: err}:
			case <-t.doneCh:
			}
			return
		}
		t.mu.Lock()
		t.conns[conn.RemoteAddr().String()] = conn
		t.mu.Unlock()
		go t.readLoop(conn)
	}
}

func (t *TransportDTLS) readLoop(conn net.Conn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.mu.Lock()
			delete(t.conns, conn.RemoteAddr().String())
			t.mu.Unlock()
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.recvCh <- dtlsDatagram{data: data, remote: conn.RemoteAddr()}:
		case <-t.doneCh:
			return
		}
	}
}

// LocalAddr implements Transport.
func (t *TransportDTLS) LocalAddr() net.Addr { return t.local }

// ReadFrom implements Transport.
func (t *TransportDTLS) ReadFrom(buf []byte) (int, net.Addr, error) {
	select {
	case d, ok := <-t.recvCh:
		if !ok || d.err != nil {
			if d.err != nil {
				return 0, nil, d.err
			}
			return 0, nil, fmt.Errorf("gcoap: dtls transport closed")
		}
		n := copy(buf, d.data)
		return n, d.remote, nil
	case <-t.doneCh:
		return 0, nil, fmt.Errorf("gcoap: dtls transport closed")
	}
}

// WriteTo implements Transport. The remote must already have an
// established DTLS session (either the single dialed peer, or one of the
// server's accepted sessions); this adapter does not perform handshakes on
// the fly.
func (t *TransportDTLS) WriteTo(buf []byte, remote net.Addr) (int, error) {
	t.mu.Lock()
	conn, ok := t.conns[remote.String()]
	t.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("gcoap: no DTLS session established with %s", remote)
	}
	return conn.Write(buf)
}

// Close implements Transport.
func (t *TransportDTLS) Close() error {
	close(t.doneCh)
	t.mu.Lock()
	for _, c := range t.conns {
		c.Close()
	}
	t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
