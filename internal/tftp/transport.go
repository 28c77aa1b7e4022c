package tftp

import (
	"net"
	"sync"
)

// Transport is the datagram socket a session owns for its lifetime.
// Send delivers to the session's peer; SendTo is used for out-of-band
// replies such as the unknown-TID error to an unexpected sender.
type Transport interface {
	Send(b []byte) error
	SendTo(b []byte, to *net.UDPAddr) error
	SetPeer(addr *net.UDPAddr)
	LocalAddr() net.Addr
	Close() error
}

// udpTransport binds a session to one unconnected UDP socket on an
// ephemeral local port. The socket stays unconnected so the source
// address of every datagram remains visible for TID validation.
type udpTransport struct {
	conn *net.UDPConn

	mu   sync.Mutex
	peer *net.UDPAddr
}

func newUDPTransport(conn *net.UDPConn, peer *net.UDPAddr) *udpTransport {
	return &udpTransport{conn: conn, peer: peer}
}

func (t *udpTransport) Send(b []byte) error {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	_, err := t.conn.WriteToUDP(b, peer)
	return err
}

func (t *udpTransport) SendTo(b []byte, to *net.UDPAddr) error {
	_, err := t.conn.WriteToUDP(b, to)
	return err
}

func (t *udpTransport) SetPeer(addr *net.UDPAddr) {
	t.mu.Lock()
	t.peer = addr
	t.mu.Unlock()
}

func (t *udpTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}
