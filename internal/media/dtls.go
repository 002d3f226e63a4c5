package media

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/srtp/v3"
	"github.com/pkg/errors"

	"github.com/lanikai/minilivechat/internal/core"
	"github.com/lanikai/minilivechat/internal/logging"
)

var log = logging.DefaultLogger.WithTag("media")

// dtlsSRTPLabel is the RFC 5705 keying-material export label (RFC 5764
// §4.2).
const dtlsSRTPLabel = "EXTRACTOR-dtls_srtp"

// maxPendingPackets bounds the early-DTLS buffer per source address. A
// client only ever sends a handful of records before its first STUN
// completes; anything more is noise.
const maxPendingPackets = 8

// DtlsSessionMap tracks in-flight passive handshakes by remote address,
// plus the pending queue of DTLS records that arrived before the STUN
// cold path latched the sender. The STUN path drains the pending queue
// and starts the handshake worker.
type DtlsSessionMap struct {
	cert    tls.Certificate
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*handshakeConn
	pending  map[string][][]byte
}

func NewDtlsSessionMap(cert tls.Certificate, handshakeTimeout time.Duration) *DtlsSessionMap {
	return &DtlsSessionMap{
		cert:     cert,
		timeout:  handshakeTimeout,
		sessions: make(map[string]*handshakeConn),
		pending:  make(map[string][][]byte),
	}
}

// Inject feeds one DTLS record into the in-flight handshake for addr.
// Returns false when no live session exists (the caller decides whether
// to start one or buffer the packet).
func (m *DtlsSessionMap) Inject(addr *net.UDPAddr, packet []byte) bool {
	key := addr.String()
	m.mu.Lock()
	conn := m.sessions[key]
	m.mu.Unlock()
	if conn == nil {
		return false
	}
	select {
	case <-conn.Done():
		return false
	default:
	}
	conn.deliver(packet)
	return true
}

// EnqueuePending buffers a DTLS record that arrived before STUN latching
// identified the sender.
func (m *DtlsSessionMap) EnqueuePending(addr *net.UDPAddr, packet []byte) {
	cp := make([]byte, len(packet))
	copy(cp, packet)

	key := addr.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.pending[key]
	if len(q) >= maxPendingPackets {
		q = q[1:]
	}
	m.pending[key] = append(q, cp)
}

// DrainPending removes and returns the buffered records for addr in
// arrival order.
func (m *DtlsSessionMap) DrainPending(addr *net.UDPAddr) [][]byte {
	key := addr.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.pending[key]
	delete(m.pending, key)
	return q
}

// RemoveStale drops sessions whose worker has exited, returning the
// affected addresses. Invoked by the reaper.
func (m *DtlsSessionMap) RemoveStale() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for key, conn := range m.sessions {
		select {
		case <-conn.Done():
			delete(m.sessions, key)
			stale = append(stale, key)
		default:
		}
	}
	return stale
}

func (m *DtlsSessionMap) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *DtlsSessionMap) remove(addr string) {
	m.mu.Lock()
	delete(m.sessions, addr)
	m.mu.Unlock()
}

// StartHandshake registers a session for addr and spawns the passive
// handshake worker, seeding it with any records already received (the
// STUN/DTLS race buffer, in arrival order). If a live session already
// exists, the records are delivered to it instead.
func (m *DtlsSessionMap) StartHandshake(laddr net.Addr, raddr *net.UDPAddr, send func(addr *net.UDPAddr, b []byte), ep *core.Endpoint, initial [][]byte) {
	key := raddr.String()

	m.mu.Lock()
	if existing := m.sessions[key]; existing != nil {
		select {
		case <-existing.Done():
			// fallthrough to replace the dead session
		default:
			m.mu.Unlock()
			for _, p := range initial {
				existing.deliver(p)
			}
			return
		}
	}
	conn := newHandshakeConn(laddr, raddr, send)
	m.sessions[key] = conn
	m.mu.Unlock()

	for _, p := range initial {
		conn.deliver(p)
	}

	go func() {
		defer conn.Close()
		defer m.remove(key)
		if err := m.runHandshake(conn, raddr, ep); err != nil {
			log.Warn("DTLS handshake with %s failed: %s", raddr, err)
		}
	}()
}

// runHandshake performs the passive DTLS exchange, exports RFC 5764
// keying material, installs the endpoint's SRTP contexts, then drains
// (and discards) application data until the peer goes away.
func (m *DtlsSessionMap) runHandshake(conn net.PacketConn, raddr *net.UDPAddr, ep *core.Endpoint) error {
	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{m.cert},
		InsecureSkipVerify:   true, // clients authenticate over signaling, not a CA chain
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
	}

	dtlsConn, err := dtls.Server(conn, raddr, cfg)
	if err != nil {
		return errors.Wrap(err, "dtls server")
	}
	defer dtlsConn.Close()

	hctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := dtlsConn.HandshakeContext(hctx); err != nil {
		return errors.Wrap(err, "handshake")
	}

	state, ok := dtlsConn.ConnectionState()
	if !ok {
		return errors.New("no connection state after handshake")
	}

	profileID, ok := dtlsConn.SelectedSRTPProtectionProfile()
	if !ok {
		return errors.New("no SRTP protection profile negotiated")
	}
	profile := srtp.ProtectionProfile(profileID)

	// RFC 5764 §4.2 key/salt extraction and slicing. The server role
	// decrypts with the client write key/salt and encrypts with its own.
	srtpConfig := &srtp.Config{Profile: profile}
	if err := srtpConfig.ExtractSessionKeysFromDTLS(&state, false); err != nil {
		return errors.Wrap(err, "export keying material")
	}

	inbound, err := srtp.CreateContext(
		srtpConfig.Keys.RemoteMasterKey, srtpConfig.Keys.RemoteMasterSalt, profile)
	if err != nil {
		return errors.Wrap(err, "inbound SRTP context")
	}
	outbound, err := srtp.CreateContext(
		srtpConfig.Keys.LocalMasterKey, srtpConfig.Keys.LocalMasterSalt, profile)
	if err != nil {
		return errors.Wrap(err, "outbound SRTP context")
	}

	ep.InstallSRTP(inbound, outbound)
	log.Info("DTLS complete for %s (user %s); SRTP keyed", raddr, ep.UserID)

	// No user-data layer runs over DTLS; keep reading so close_notify
	// and retransmissions are consumed, discard everything.
	buf := make([]byte, 2048)
	for {
		if _, err := dtlsConn.Read(buf); err != nil {
			return nil
		}
	}
}
