package gcoap

import "net"

// TransportUDP is a Transport backed directly by a net.UDPConn. UDP is
// already connectionless, so this is a thin pass-through.
type TransportUDP struct {
	conn *net.UDPConn
}

// ListenUDP opens a UDP transport on the given local address (host:port, or
// ":5683" to bind all interfaces on the given port).
func ListenUDP(addr string) (*TransportUDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &TransportUDP{conn: conn}, nil
}

// LocalAddr implements Transport.
func (t *TransportUDP) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// ReadFrom implements Transport.
func (t *TransportUDP) ReadFrom(buf []byte) (int, net.Addr, error) {
	n, remote, err := t.conn.ReadFromUDP(buf)
	return n, remote, err
}

// WriteTo implements Transport.
func (t *TransportUDP) WriteTo(buf []byte, remote net.Addr) (int, error) {
	return t.conn.WriteTo(buf, remote)
}

// Close implements Transport.
func (t *TransportUDP) Close() error { return t.conn.Close() }
