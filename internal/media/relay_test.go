package media

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/minilivechat/internal/core"
	"github.com/lanikai/minilivechat/internal/floor"
)

const testProfile = srtp.ProtectionProfileAes128CmHmacSha1_80

type keyPair struct {
	key  []byte
	salt []byte
}

func newKeyPair(seed byte) keyPair {
	key := make([]byte, 16)
	salt := make([]byte, 14)
	for i := range key {
		key[i] = seed + byte(i)
	}
	for i := range salt {
		salt[i] = seed ^ byte(i)
	}
	return keyPair{key, salt}
}

func (k keyPair) context(t *testing.T) *srtp.Context {
	t.Helper()
	ctx, err := srtp.CreateContext(k.key, k.salt, testProfile)
	require.NoError(t, err)
	return ctx
}

// relayFixture wires a sender and one destination endpoint into a relay
// whose sends are captured instead of hitting a socket.
type relayFixture struct {
	relay    *Relay
	channels *core.ChannelHub
	sender   *core.Endpoint
	dest     *core.Endpoint
	destKeys keyPair
	sent     [][]byte
}

func newRelayFixture(t *testing.T, mode core.ChannelMode) *relayFixture {
	t.Helper()

	channels := core.NewChannelHub(func() *floor.FloorControl {
		return floor.New(30*time.Second, 6*time.Second)
	})
	channels.Create("CH_001", "0001", "ops", mode, 10)

	peers := core.NewMediaPeerHub()
	f := &relayFixture{channels: channels}

	senderKeys := newKeyPair(0x10)
	peers.Insert("senderUfrag", "pwd", "alice", "CH_001")
	f.sender = peers.Latch("senderUfrag", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000})
	f.sender.InstallSRTP(senderKeys.context(t), newKeyPair(0x20).context(t))

	f.destKeys = newKeyPair(0x30)
	peers.Insert("destUfrag", "pwd", "bob", "CH_001")
	f.dest = peers.Latch("destUfrag", &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4001})
	f.dest.InstallSRTP(newKeyPair(0x40).context(t), f.destKeys.context(t))

	f.relay = NewRelay(peers, channels, func(addr *net.UDPAddr, b []byte) {
		cp := make([]byte, len(b))
		copy(cp, b)
		f.sent = append(f.sent, cp)
	})
	return f
}

// encryptAsSender protects a payload the way the remote client would:
// under the sender endpoint's inbound (client-write) key.
func (f *relayFixture) encryptAsSender(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 960,
			SSRC:           0xDEADBEEF,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	enc, err := newKeyPair(0x10).context(t).EncryptRTP(nil, raw, nil)
	require.NoError(t, err)
	return enc
}

func TestRelayDropsNonHolderPackets(t *testing.T) {
	f := newRelayFixture(t, core.ModePTT)

	f.relay.Forward(f.sender, f.encryptAsSender(t, 1, []byte("audio")))
	assert.Empty(t, f.sent)
}

func TestRelayForwardsHolderPackets(t *testing.T) {
	f := newRelayFixture(t, core.ModePTT)
	ch, _ := f.channels.Get("CH_001")
	ch.Floor.Request("alice", 100, floor.Normal, time.Now())

	f.relay.Forward(f.sender, f.encryptAsSender(t, 1, []byte("audio")))
	require.Len(t, f.sent, 1)

	// The destination can decrypt what it was sent under its own key.
	var header rtp.Header
	plain, err := f.destKeys.context(t).DecryptRTP(nil, f.sent[0], &header)
	require.NoError(t, err)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(plain))
	assert.Equal(t, []byte("audio"), pkt.Payload)
	assert.Equal(t, uint32(0xDEADBEEF), header.SSRC)
}

func TestRelayConferenceModeBypassesFloorGate(t *testing.T) {
	f := newRelayFixture(t, core.ModeConference)

	f.relay.Forward(f.sender, f.encryptAsSender(t, 1, []byte("talk")))
	assert.Len(t, f.sent, 1)
}

func TestRelayDropsWhenHolderIsSomeoneElse(t *testing.T) {
	f := newRelayFixture(t, core.ModePTT)
	ch, _ := f.channels.Get("CH_001")
	ch.Floor.Request("bob", 100, floor.Normal, time.Now())

	f.relay.Forward(f.sender, f.encryptAsSender(t, 1, []byte("audio")))
	assert.Empty(t, f.sent)
}

func TestRelayDropsGarbagePackets(t *testing.T) {
	f := newRelayFixture(t, core.ModePTT)
	ch, _ := f.channels.Get("CH_001")
	ch.Floor.Request("alice", 100, floor.Normal, time.Now())

	f.relay.Forward(f.sender, []byte{0x80, 0x6f, 0x00, 0x01, 0xba, 0xad})
	assert.Empty(t, f.sent)
}
