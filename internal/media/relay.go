package media

import (
	"net"

	"github.com/lanikai/minilivechat/internal/core"
)

// Relay is the SRTP hot path: decrypt once from the sender's inbound
// context, gate on the channel's floor state, then re-encrypt per
// destination endpoint and send. Uses pion/srtp/v3's raw-buffer Context
// API (not the session/net.Conn wrapper) because one inbound decrypt
// fans out through many independent outbound contexts.
type Relay struct {
	peers    *core.MediaPeerHub
	channels *core.ChannelHub
	send     func(addr *net.UDPAddr, b []byte)
}

func NewRelay(peers *core.MediaPeerHub, channels *core.ChannelHub, send func(addr *net.UDPAddr, b []byte)) *Relay {
	return &Relay{peers: peers, channels: channels, send: send}
}

// Forward processes one SRTP datagram received from src. Packets from a
// sender that does not hold the floor are dropped silently: this is the
// sole data-plane enforcement of one-speaker-at-a-time. Conference-mode
// channels bypass the gate. Each SRTP mutex is held only around its own
// crypto call, never across a send.
func (r *Relay) Forward(src *core.Endpoint, encrypted []byte) {
	if !src.SRTPReady() {
		return
	}

	ch, ok := r.channels.Get(src.ChannelID)
	if !ok {
		return
	}
	if ch.IsPTT() && !ch.Floor.IsGrantedTo(src.UserID) {
		return
	}

	plaintext, header, err := src.DecryptRTP(nil, encrypted)
	if err != nil {
		log.Debug("drop undecryptable packet from user %s: %s", src.UserID, err)
		return
	}

	dests := r.peers.GetChannelEndpoints(src.ChannelID)
	out := make([]byte, 0, len(plaintext)+64)
	for _, dst := range dests {
		if dst.Ufrag == src.Ufrag {
			continue
		}
		addr := dst.Address()
		if addr == nil {
			continue
		}

		out, err = dst.EncryptRTP(out[:0], plaintext, header)
		if err != nil {
			if err != core.ErrSRTPNotReady {
				log.Debug("encrypt for user %s failed: %s", dst.UserID, err)
			}
			continue
		}
		r.send(addr, out)
	}
}
