package media

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/tls"
	"net"
	"time"

	"github.com/lanikai/minilivechat/internal/core"
)

// Demux owns the single UDP media socket. Every datagram is classified
// per RFC 7983 and dispatched: STUN binding requests are answered (and
// latch the sender's address to the endpoint named by its credential),
// DTLS records feed passive handshake workers, and SRTP flows through
// the floor-gated relay. One read loop serves every remote; per-packet
// routing is an address-keyed lookup.
type Demux struct {
	conn     *net.UDPConn
	peers    *core.MediaPeerHub
	channels *core.ChannelHub
	sessions *DtlsSessionMap
	relay    *Relay
}

func NewDemux(conn *net.UDPConn, peers *core.MediaPeerHub, channels *core.ChannelHub, cert tls.Certificate, handshakeTimeout time.Duration) *Demux {
	d := &Demux{
		conn:     conn,
		peers:    peers,
		channels: channels,
	}
	d.sessions = NewDtlsSessionMap(cert, handshakeTimeout)
	d.relay = NewRelay(peers, channels, d.sendTo)
	return d
}

// Sessions exposes the DTLS session map for the reaper's stale sweep.
func (d *Demux) Sessions() *DtlsSessionMap { return d.sessions }

func (d *Demux) sendTo(addr *net.UDPAddr, b []byte) {
	if _, err := d.conn.WriteToUDP(b, addr); err != nil {
		log.Debug("media write to %s failed: %s", addr, err)
	}
}

// Run reads datagrams until ctx is cancelled or the socket errors.
func (d *Demux) Run(ctx context.Context) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, raddr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			log.Debug("media socket read error: %s", err)
			return
		}

		d.dispatch(buf[:n], raddr)
	}
}

func (d *Demux) dispatch(data []byte, raddr *net.UDPAddr) {
	switch Classify(data) {
	case PacketSTUN:
		d.handleSTUN(data, raddr)
	case PacketDTLS:
		d.handleDTLS(data, raddr)
	case PacketRTP:
		d.handleRTP(data, raddr)
	case PacketRTCP:
		d.handleRTCP(data, raddr)
	default:
		log.Trace(2, "unrecognized datagram from %s (first byte %#x)", raddr, data[0])
	}
}

// handleSTUN answers binding requests. Warm path: the sender's address
// is already latched, so only the liveness touch and the signed response
// happen. Cold path: the USERNAME's server-ufrag half resolves the
// endpoint, latches the address, and any DTLS records that raced ahead
// of this STUN are drained into a fresh handshake worker.
func (d *Demux) handleSTUN(data []byte, raddr *net.UDPAddr) {
	msg, err := parseStunMessage(data)
	if err != nil || msg == nil {
		return
	}
	if msg.class != stunRequest || msg.method != stunBindingMethod {
		return
	}

	if ep, ok := d.peers.GetByAddr(raddr); ok {
		ep.Touch()
		if verifyMessageIntegrity(data, msg, ep.IcePwd) {
			resp := newStunBindingResponse(msg.transactionID, raddr, ep.IcePwd)
			d.sendTo(raddr, resp.Bytes())
		}
		return
	}

	username, ok := msg.getUsername()
	if !ok {
		return
	}
	serverUfrag, _, ok := parseSTUNUsername(username)
	if !ok {
		return
	}

	ep, ok := d.peers.GetByUfrag(serverUfrag)
	if !ok {
		log.Debug("STUN from %s names unknown ufrag %s", raddr, serverUfrag)
		return
	}
	if !verifyMessageIntegrity(data, msg, ep.IcePwd) {
		log.Warn("STUN MESSAGE-INTEGRITY check failed for ufrag %s from %s", serverUfrag, raddr)
		return
	}

	d.peers.Latch(serverUfrag, raddr)
	log.Info("latched %s (user %s) to %s", serverUfrag, ep.UserID, raddr)

	resp := newStunBindingResponse(msg.transactionID, raddr, ep.IcePwd)
	d.sendTo(raddr, resp.Bytes())

	if pending := d.sessions.DrainPending(raddr); len(pending) > 0 {
		log.Debug("draining %d pending DTLS packet(s) for %s", len(pending), raddr)
		d.sessions.StartHandshake(d.conn.LocalAddr(), raddr, d.sendTo, ep, pending)
	}
}

// verifyMessageIntegrity recomputes the HMAC-SHA1 over the request up to
// the MESSAGE-INTEGRITY attribute and compares, mirroring the
// construction in addMessageIntegrity.
func verifyMessageIntegrity(raw []byte, msg *stunMessage, password string) bool {
	for _, attr := range msg.attributes {
		if attr.Type != stunAttrMessageIntegrity {
			continue
		}

		idx := bytes.Index(raw, attr.Value)
		if idx < stunHeaderLength {
			return false
		}
		beforeMI := idx - 4 // back up over the attribute's type+length header

		// The sender signed with the header length ending at MESSAGE-INTEGRITY.
		signed := make([]byte, beforeMI)
		copy(signed, raw[0:beforeMI])
		l := beforeMI - stunHeaderLength + 4 + len(attr.Value)
		signed[2], signed[3] = byte(l>>8), byte(l)

		mac := hmac.New(sha1.New, []byte(password))
		mac.Write(signed)
		return hmac.Equal(mac.Sum(nil), attr.Value)
	}
	return false
}

// handleDTLS routes a record to its in-flight handshake, starts one if
// the sender is already latched, or buffers it for the STUN cold path
// (some clients fire the ClientHello before their first binding
// request).
func (d *Demux) handleDTLS(data []byte, raddr *net.UDPAddr) {
	if d.sessions.Inject(raddr, data) {
		return
	}

	if ep, ok := d.peers.GetByAddr(raddr); ok {
		d.sessions.StartHandshake(d.conn.LocalAddr(), raddr, d.sendTo, ep, [][]byte{data})
		return
	}

	d.sessions.EnqueuePending(raddr, data)
}

func (d *Demux) handleRTP(data []byte, raddr *net.UDPAddr) {
	ep, ok := d.peers.GetByAddr(raddr)
	if !ok {
		return
	}
	ep.Touch()
	d.relay.Forward(ep, data)
}

// handleRTCP decrypts and discards: SRTCP is consumed only as a
// liveness and key-health signal, never relayed.
func (d *Demux) handleRTCP(data []byte, raddr *net.UDPAddr) {
	ep, ok := d.peers.GetByAddr(raddr)
	if !ok {
		return
	}
	ep.Touch()
	if _, err := ep.DecryptRTCP(nil, data); err != nil && err != core.ErrSRTPNotReady {
		log.Trace(2, "SRTCP decrypt from %s failed: %s", raddr, err)
	}
}
