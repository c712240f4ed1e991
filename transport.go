package gcoap

import "net"

// Transport is the datagram substrate the engine runs over: plain UDP, or
// DTLS-protected UDP via TransportDTLS. It presents a connectionless,
// sendto/recvfrom-style surface regardless of whether the underlying
// protocol is itself connectionless (UDP) or connection-oriented per peer
// (DTLS), the same adaptation tdsec_create/tdsec_read_msg/tdsec_send
// perform over tinydtls sessions in the original firmware.
type Transport interface {
	// LocalAddr returns the address the transport is bound to.
	LocalAddr() net.Addr

	// ReadFrom blocks until a datagram arrives, returning its payload
	// length and the remote it came from. It returns an error once the
	// transport is closed.
	ReadFrom(buf []byte) (n int, remote net.Addr, err error)

	// WriteTo sends buf to remote. A connection-oriented transport may
	// require an existing session with remote: TransportDTLS returns an
	// error rather than open one on demand.
	WriteTo(buf []byte, remote net.Addr) (int, error)

	// Close releases the transport's resources, unblocking any pending
	// ReadFrom with an error.
	Close() error
}
