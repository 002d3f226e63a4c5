package media

import (
	"io"
	"net"
	"sync"
	"time"
)

// handshakeConn bridges one remote's DTLS records between the shared UDP
// socket and a pion handshake worker. The demultiplexer owns the socket
// and injects matching datagrams into the inbox; writes go straight back
// out through the shared socket.
type handshakeConn struct {
	raddr *net.UDPAddr
	laddr net.Addr
	send  func(addr *net.UDPAddr, b []byte)

	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func newHandshakeConn(laddr net.Addr, raddr *net.UDPAddr, send func(addr *net.UDPAddr, b []byte)) *handshakeConn {
	return &handshakeConn{
		raddr:  raddr,
		laddr:  laddr,
		send:   send,
		inbox:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// deliver hands one datagram to the handshake worker. Non-blocking: on a
// full inbox the oldest datagram is discarded; DTLS retransmission
// covers the loss.
func (c *handshakeConn) deliver(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case c.inbox <- cp:
		return
	default:
	}
	select {
	case <-c.inbox:
	default:
	}
	select {
	case c.inbox <- cp:
	default:
	}
}

// ReadFrom implements net.PacketConn for pion/dtls.
func (c *handshakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case b := <-c.inbox:
		return copy(p, b), c.raddr, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *handshakeConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.send(c.raddr, p)
	return len(p), nil
}

func (c *handshakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *handshakeConn) Done() <-chan struct{} { return c.closed }

func (c *handshakeConn) LocalAddr() net.Addr { return c.laddr }

func (c *handshakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *handshakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *handshakeConn) SetWriteDeadline(t time.Time) error { return nil }
