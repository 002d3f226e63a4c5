package core

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
	"github.com/pkg/errors"
)

// TrackKind distinguishes what a BUNDLE track carries.
type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
	TrackData
)

// Track is one SSRC advertised by an endpoint. Routing is by address,
// not SSRC; tracks are metadata (one endpoint may carry several under
// BUNDLE).
type Track struct {
	SSRC uint32
	Kind TrackKind
}

// ErrSRTPNotReady is returned while DTLS has not yet delivered keys for
// a direction. The media path drops the packet and moves on.
var ErrSRTPNotReady = errors.New("srtp context not keyed")

// srtpHalf is one direction's SRTP context behind its own short-held
// mutex. The hot path never holds it across I/O.
type srtpHalf struct {
	mu  sync.Mutex
	ctx *srtp.Context
}

func (h *srtpHalf) install(ctx *srtp.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
}

func (h *srtpHalf) ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx != nil
}

// Endpoint is one media attachment of a user to a channel. The
// server-generated ICE ufrag is the immutable primary key; the address
// is learned later by STUN latching.
type Endpoint struct {
	Ufrag     string
	IcePwd    string
	UserID    string
	ChannelID string

	lastSeen atomic.Int64 // unix millis

	addrMu  sync.Mutex
	address *net.UDPAddr

	tracksMu sync.RWMutex
	tracks   []Track

	inbound  srtpHalf // decrypts datagrams arriving from this remote
	outbound srtpHalf // encrypts datagrams destined for this remote
}

// MediaPeer is a naming alias used at call sites that talk about "the
// peer on the other end of the media socket".
type MediaPeer = Endpoint

func NewEndpoint(ufrag, icePwd, userID, channelID string) *Endpoint {
	e := &Endpoint{
		Ufrag:     ufrag,
		IcePwd:    icePwd,
		UserID:    userID,
		ChannelID: channelID,
	}
	e.Touch()
	return e
}

func (e *Endpoint) Touch() {
	e.lastSeen.Store(time.Now().UnixMilli())
}

func (e *Endpoint) LastSeen() time.Time {
	return time.UnixMilli(e.lastSeen.Load())
}

// LatchAddress records the confirmed source address (STUN cold path, or
// a NAT rebind).
func (e *Endpoint) LatchAddress(addr *net.UDPAddr) {
	e.addrMu.Lock()
	e.address = addr
	e.addrMu.Unlock()
	e.Touch()
}

func (e *Endpoint) Address() *net.UDPAddr {
	e.addrMu.Lock()
	defer e.addrMu.Unlock()
	return e.address
}

// AddTrack registers an SSRC; duplicates are ignored.
func (e *Endpoint) AddTrack(ssrc uint32, kind TrackKind) {
	e.tracksMu.Lock()
	defer e.tracksMu.Unlock()
	for _, t := range e.tracks {
		if t.SSRC == ssrc {
			return
		}
	}
	e.tracks = append(e.tracks, Track{SSRC: ssrc, Kind: kind})
}

func (e *Endpoint) Tracks() []Track {
	e.tracksMu.RLock()
	defer e.tracksMu.RUnlock()
	out := make([]Track, len(e.tracks))
	copy(out, e.tracks)
	return out
}

// FirstSSRC returns the first audio track's SSRC (0 if none), the value
// member lists report.
func (e *Endpoint) FirstSSRC() uint32 {
	e.tracksMu.RLock()
	defer e.tracksMu.RUnlock()
	for _, t := range e.tracks {
		if t.Kind == TrackAudio {
			return t.SSRC
		}
	}
	return 0
}

// InstallSRTP keys both directions. The two halves are installed
// back-to-back; the hot path tolerates the sub-microsecond window where
// only one is keyed by dropping the affected packet.
func (e *Endpoint) InstallSRTP(inbound, outbound *srtp.Context) {
	e.inbound.install(inbound)
	e.outbound.install(outbound)
}

// SRTPReady reports whether both SRTP directions (inbound and outbound)
// are keyed.
func (e *Endpoint) SRTPReady() bool {
	return e.inbound.ready() && e.outbound.ready()
}

// DecryptRTP authenticates and decrypts one inbound SRTP packet,
// returning the plaintext RTP and its parsed header.
func (e *Endpoint) DecryptRTP(dst, encrypted []byte) ([]byte, *rtp.Header, error) {
	e.inbound.mu.Lock()
	defer e.inbound.mu.Unlock()
	if e.inbound.ctx == nil {
		return nil, nil, ErrSRTPNotReady
	}
	var header rtp.Header
	plaintext, err := e.inbound.ctx.DecryptRTP(dst, encrypted, &header)
	if err != nil {
		return nil, nil, err
	}
	return plaintext, &header, nil
}

// DecryptRTCP authenticates and decrypts one inbound SRTCP packet. The
// relay discards the result; the call exists for liveness and MAC
// verification.
func (e *Endpoint) DecryptRTCP(dst, encrypted []byte) ([]byte, error) {
	e.inbound.mu.Lock()
	defer e.inbound.mu.Unlock()
	if e.inbound.ctx == nil {
		return nil, ErrSRTPNotReady
	}
	return e.inbound.ctx.DecryptRTCP(dst, encrypted, nil)
}

// EncryptRTP protects plaintext RTP under this endpoint's outbound
// context for delivery to it.
func (e *Endpoint) EncryptRTP(dst, plaintext []byte, header *rtp.Header) ([]byte, error) {
	e.outbound.mu.Lock()
	defer e.outbound.mu.Unlock()
	if e.outbound.ctx == nil {
		return nil, ErrSRTPNotReady
	}
	return e.outbound.ctx.EncryptRTP(dst, plaintext, header)
}

// MediaPeerHub is the endpoint table with two indices: by_ufrag is
// authoritative (insert/remove), by_addr is the hot-path cache filled by
// STUN latching. The two maps have independent locks; removal updates
// both but no cross-map invariant is relied on between calls.
type MediaPeerHub struct {
	ufragMu sync.RWMutex
	byUfrag map[string]*Endpoint

	addrMu sync.RWMutex
	byAddr map[string]*Endpoint // keyed by addr.String()
}

func NewMediaPeerHub() *MediaPeerHub {
	return &MediaPeerHub{
		byUfrag: make(map[string]*Endpoint),
		byAddr:  make(map[string]*Endpoint),
	}
}

// Insert registers a new endpoint under its ufrag (CHANNEL_JOIN).
func (h *MediaPeerHub) Insert(ufrag, icePwd, userID, channelID string) *Endpoint {
	ep := NewEndpoint(ufrag, icePwd, userID, channelID)
	h.ufragMu.Lock()
	h.byUfrag[ufrag] = ep
	h.ufragMu.Unlock()
	return ep
}

// Latch resolves ufrag, records addr on the endpoint, and fills the
// reverse index (STUN cold path). Returns nil for an unknown ufrag.
func (h *MediaPeerHub) Latch(ufrag string, addr *net.UDPAddr) *Endpoint {
	h.ufragMu.RLock()
	ep := h.byUfrag[ufrag]
	h.ufragMu.RUnlock()
	if ep == nil {
		return nil
	}

	ep.LatchAddress(addr)
	h.addrMu.Lock()
	h.byAddr[addr.String()] = ep
	h.addrMu.Unlock()
	return ep
}

// GetByAddr is the O(1) hot-path lookup.
func (h *MediaPeerHub) GetByAddr(addr *net.UDPAddr) (*Endpoint, bool) {
	h.addrMu.RLock()
	defer h.addrMu.RUnlock()
	ep, ok := h.byAddr[addr.String()]
	return ep, ok
}

func (h *MediaPeerHub) GetByUfrag(ufrag string) (*Endpoint, bool) {
	h.ufragMu.RLock()
	defer h.ufragMu.RUnlock()
	ep, ok := h.byUfrag[ufrag]
	return ep, ok
}

// Remove clears both indices (CHANNEL_LEAVE, socket close, reaper). The
// address is read from the endpoint before removal so the reverse index
// entry goes with it.
func (h *MediaPeerHub) Remove(ufrag string) {
	h.ufragMu.Lock()
	ep := h.byUfrag[ufrag]
	delete(h.byUfrag, ufrag)
	h.ufragMu.Unlock()

	if ep == nil {
		return
	}
	if addr := ep.Address(); addr != nil {
		h.addrMu.Lock()
		if h.byAddr[addr.String()] == ep {
			delete(h.byAddr, addr.String())
		}
		h.addrMu.Unlock()
	}
}

// GetChannelEndpoints lists the relay fan-out targets for a channel.
func (h *MediaPeerHub) GetChannelEndpoints(channelID string) []*Endpoint {
	h.ufragMu.RLock()
	defer h.ufragMu.RUnlock()
	var out []*Endpoint
	for _, ep := range h.byUfrag {
		if ep.ChannelID == channelID {
			out = append(out, ep)
		}
	}
	return out
}

func (h *MediaPeerHub) AllEndpoints() []*Endpoint {
	h.ufragMu.RLock()
	defer h.ufragMu.RUnlock()
	out := make([]*Endpoint, 0, len(h.byUfrag))
	for _, ep := range h.byUfrag {
		out = append(out, ep)
	}
	return out
}

func (h *MediaPeerHub) Count() int {
	h.ufragMu.RLock()
	defer h.ufragMu.RUnlock()
	return len(h.byUfrag)
}

// FindZombies returns ufrags with no media traffic within timeout.
func (h *MediaPeerHub) FindZombies(timeout time.Duration) []string {
	h.ufragMu.RLock()
	defer h.ufragMu.RUnlock()

	cutoff := time.Now().Add(-timeout)
	var zombies []string
	for ufrag, ep := range h.byUfrag {
		if ep.LastSeen().Before(cutoff) {
			zombies = append(zombies, ufrag)
		}
	}
	return zombies
}
