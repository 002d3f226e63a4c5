package signaling

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/minilivechat/internal/core"
	"github.com/lanikai/minilivechat/internal/floor"
	"github.com/lanikai/minilivechat/internal/trace"
)

// The dispatcher is exercised without a WebSocket: frames go in through
// handleFrame and come back out of each session's outbox.

func newTestServer() *Server {
	cfg := Config{
		Secret:             "s3cret",
		HeartbeatInterval:  30 * time.Second,
		FloorMaxTaken:      30 * time.Second,
		MaxPeersPerChannel: 4,
		EgressQueueSize:    64,
		MaxMessageLength:   100,
		UDPPort:            10000,
		AdvertiseIP:        "192.0.2.10",
		Fingerprint:        "sha-256 AB:CD",
	}
	channels := core.NewChannelHub(func() *floor.FloorControl {
		return floor.New(30*time.Second, 6*time.Second)
	})
	return NewServer(cfg, core.NewUserHub(), channels, core.NewMediaPeerHub(), trace.NewHub())
}

func newTestSession(s *Server) *session {
	return &session{outbox: core.NewOutbox(s.cfg.EgressQueueSize)}
}

func frame(op int, d string) []byte {
	if d == "" {
		return []byte(fmt.Sprintf(`{"op":%d}`, op))
	}
	return []byte(fmt.Sprintf(`{"op":%d,"d":%s}`, op, d))
}

// drain pops every queued frame off a session's outbox.
func drain(t *testing.T, sess *session) []GatewayPacket {
	t.Helper()
	var out []GatewayPacket
	for {
		select {
		case b := <-sess.outbox.Frames():
			var pkt GatewayPacket
			require.NoError(t, json.Unmarshal(b, &pkt))
			out = append(out, pkt)
		default:
			return out
		}
	}
}

func identify(t *testing.T, s *Server, sess *session, userID string) {
	t.Helper()
	s.handleFrame(sess, frame(OpIdentify, fmt.Sprintf(`{"user_id":%q,"token":"s3cret"}`, userID)))
	pkts := drain(t, sess)
	require.Len(t, pkts, 1)
	require.Equal(t, OpReady, pkts[0].Op)
}

func join(t *testing.T, s *Server, sess *session, channelID, ufrag string, ssrc uint32) {
	t.Helper()
	s.handleFrame(sess, frame(OpChannelJoin,
		fmt.Sprintf(`{"channel_id":%q,"ssrc":%d,"ufrag":%q}`, channelID, ssrc, ufrag)))
	pkts := drain(t, sess)
	require.NotEmpty(t, pkts)
	require.Equal(t, OpAck, pkts[0].Op)
}

func errorCode(t *testing.T, pkt GatewayPacket) int {
	t.Helper()
	require.Equal(t, OpError, pkt.Op)
	var p errorPayload
	require.NoError(t, json.Unmarshal(pkt.D, &p))
	return p.Code
}

func TestAuthenticationGate(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s)

	s.handleFrame(sess, frame(OpChannelList, ""))
	pkts := drain(t, sess)
	require.Len(t, pkts, 1)
	assert.Equal(t, CodeNotAuthenticated, errorCode(t, pkts[0]))
}

func TestHeartbeatBypassesAuthGate(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s)

	s.handleFrame(sess, frame(OpHeartbeat, ""))
	pkts := drain(t, sess)
	require.Len(t, pkts, 1)
	assert.Equal(t, OpHeartbeatAck, pkts[0].Op)
}

func TestIdentifyRejectsBadToken(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s)

	s.handleFrame(sess, frame(OpIdentify, `{"user_id":"alice","token":"wrong"}`))
	pkts := drain(t, sess)
	require.Len(t, pkts, 1)
	assert.Equal(t, CodeInvalidToken, errorCode(t, pkts[0]))
	assert.False(t, sess.authenticated())
}

func TestIdentifySuccess(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s)

	identify(t, s, sess, "alice")
	assert.True(t, sess.authenticated())

	u, ok := s.users.Get("alice")
	require.True(t, ok)
	assert.Equal(t, 100, u.Priority)
}

func TestReIdentifyReplacesSession(t *testing.T) {
	s := newTestServer()
	first := newTestSession(s)
	identify(t, s, first, "alice")

	second := newTestSession(s)
	identify(t, s, second, "alice")

	// The first session's outbox is retired.
	select {
	case <-first.outbox.Done():
	default:
		t.Fatal("expected prior session's outbox to be closed")
	}
	assert.Equal(t, 1, s.users.Count())
}

func TestUnknownOpcode(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s)
	identify(t, s, sess, "alice")

	s.handleFrame(sess, frame(99, ""))
	pkts := drain(t, sess)
	require.Len(t, pkts, 1)
	assert.Equal(t, CodeInvalidOpcode, errorCode(t, pkts[0]))
}

func TestChannelJoinUnknownChannel(t *testing.T) {
	s := newTestServer()
	sess := newTestSession(s)
	identify(t, s, sess, "alice")

	s.handleFrame(sess, frame(OpChannelJoin, `{"channel_id":"CH_NOPE","ssrc":1}`))
	pkts := drain(t, sess)
	require.Len(t, pkts, 1)
	assert.Equal(t, CodeChannelNotFound, errorCode(t, pkts[0]))
}

func TestChannelJoinRegistersEndpoint(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	sess := newTestSession(s)
	identify(t, s, sess, "alice")
	join(t, s, sess, "CH_001", "ufragA", 1234)

	ep, ok := s.peers.GetByUfrag("ufragA")
	require.True(t, ok)
	assert.Equal(t, "alice", ep.UserID)
	assert.Equal(t, "CH_001", ep.ChannelID)
	assert.Equal(t, uint32(1234), ep.FirstSSRC())

	ch, _ := s.channels.Get("CH_001")
	assert.True(t, ch.HasMember("alice"))
}

func TestChannelJoinFullChannel(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 1)

	a := newTestSession(s)
	identify(t, s, a, "alice")
	join(t, s, a, "CH_001", "uA", 1)

	b := newTestSession(s)
	identify(t, s, b, "bob")
	s.handleFrame(b, frame(OpChannelJoin, `{"channel_id":"CH_001","ssrc":2,"ufrag":"uB"}`))
	pkts := drain(t, b)
	require.Len(t, pkts, 1)
	assert.Equal(t, CodeChannelFull, errorCode(t, pkts[0]))

	ch, _ := s.channels.Get("CH_001")
	assert.Equal(t, 1, ch.MemberCount())
}

func TestChannelJoinDuplicate(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	sess := newTestSession(s)
	identify(t, s, sess, "alice")
	join(t, s, sess, "CH_001", "uA", 1)

	s.handleFrame(sess, frame(OpChannelJoin, `{"channel_id":"CH_001","ssrc":1,"ufrag":"uA2"}`))
	pkts := drain(t, sess)
	require.Len(t, pkts, 1)
	assert.Equal(t, CodeAlreadyInChannel, errorCode(t, pkts[0]))
}

func TestJoinBroadcastsToExistingMembers(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	a := newTestSession(s)
	identify(t, s, a, "alice")
	join(t, s, a, "CH_001", "uA", 1)

	b := newTestSession(s)
	identify(t, s, b, "bob")
	join(t, s, b, "CH_001", "uB", 2)

	pkts := drain(t, a)
	require.Len(t, pkts, 1)
	assert.Equal(t, OpChannelEvent, pkts[0].Op)
	var ev channelEventPayload
	require.NoError(t, json.Unmarshal(pkts[0].D, &ev))
	assert.Equal(t, "join", ev.Event)
	assert.Equal(t, "bob", ev.Member.UserID)
}

func TestLateJoinerLearnsActiveSpeaker(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	a := newTestSession(s)
	identify(t, s, a, "alice")
	join(t, s, a, "CH_001", "uA", 1)
	s.handleFrame(a, frame(OpFloorRequest, `{"channel_id":"CH_001"}`))
	drain(t, a)

	b := newTestSession(s)
	identify(t, s, b, "bob")
	s.handleFrame(b, frame(OpChannelJoin, `{"channel_id":"CH_001","ssrc":2,"ufrag":"uB"}`))
	pkts := drain(t, b)
	require.Len(t, pkts, 2)
	assert.Equal(t, OpAck, pkts[0].Op)
	assert.Equal(t, OpFloorTaken, pkts[1].Op)

	var taken floorTakenPayload
	require.NoError(t, json.Unmarshal(pkts[1].D, &taken))
	assert.Equal(t, "alice", taken.UserID)
}

func TestMessageCreateValidation(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	sess := newTestSession(s)
	identify(t, s, sess, "alice")
	join(t, s, sess, "CH_001", "uA", 1)

	s.handleFrame(sess, frame(OpMessageCreate, `{"channel_id":"CH_001","content":"   "}`))
	pkts := drain(t, sess)
	require.Len(t, pkts, 1)
	assert.Equal(t, CodeEmptyMessage, errorCode(t, pkts[0]))

	long := make([]byte, s.cfg.MaxMessageLength+1)
	for i := range long {
		long[i] = 'x'
	}
	s.handleFrame(sess, frame(OpMessageCreate,
		fmt.Sprintf(`{"channel_id":"CH_001","content":%q}`, string(long))))
	pkts = drain(t, sess)
	require.Len(t, pkts, 1)
	assert.Equal(t, CodeMessageTooLong, errorCode(t, pkts[0]))

	s.handleFrame(sess, frame(OpMessageCreate, `{"channel_id":"CH_OTHER","content":"hi"}`))
	pkts = drain(t, sess)
	require.Len(t, pkts, 1)
	assert.Equal(t, CodeMessageNotInChannel, errorCode(t, pkts[0]))
}

func TestMessageCreateFansOutIncludingSender(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	a := newTestSession(s)
	identify(t, s, a, "alice")
	join(t, s, a, "CH_001", "uA", 1)
	b := newTestSession(s)
	identify(t, s, b, "bob")
	join(t, s, b, "CH_001", "uB", 2)
	drain(t, a)

	s.handleFrame(a, frame(OpMessageCreate, `{"channel_id":"CH_001","content":"radio check"}`))

	for _, sess := range []*session{a, b} {
		pkts := drain(t, sess)
		require.Len(t, pkts, 1)
		assert.Equal(t, OpMessageEvent, pkts[0].Op)
		var ev messageEventPayload
		require.NoError(t, json.Unmarshal(pkts[0].D, &ev))
		assert.Equal(t, "alice", ev.AuthorID)
		assert.Equal(t, "radio check", ev.Content)
	}
}

// Scenario S1: Emergency preemption end to end through the dispatcher.
func TestEmergencyPreemptionScenario(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	a := newTestSession(s)
	identify(t, s, a, "A")
	join(t, s, a, "CH_001", "uA", 1)
	b := newTestSession(s)
	identify(t, s, b, "B")
	join(t, s, b, "CH_001", "uB", 2)
	drain(t, a)

	// A requests at priority 100.
	s.handleFrame(a, frame(OpFloorRequest, `{"channel_id":"CH_001","priority":100}`))
	aPkts := drain(t, a)
	require.Len(t, aPkts, 1)
	assert.Equal(t, OpFloorGranted, aPkts[0].Op)

	bPkts := drain(t, b)
	require.Len(t, bPkts, 1)
	assert.Equal(t, OpFloorTaken, bPkts[0].Op)

	// B requests Emergency at a lower priority and preempts.
	s.handleFrame(b, frame(OpFloorRequest, `{"channel_id":"CH_001","priority":50,"indicator":"emergency"}`))

	aPkts = drain(t, a)
	require.Len(t, aPkts, 2)
	assert.Equal(t, OpFloorRevoke, aPkts[0].Op)
	var revoke floorRevokePayload
	require.NoError(t, json.Unmarshal(aPkts[0].D, &revoke))
	assert.Equal(t, "preempted", revoke.Cause)
	assert.Equal(t, OpFloorTaken, aPkts[1].Op)
	var taken floorTakenPayload
	require.NoError(t, json.Unmarshal(aPkts[1].D, &taken))
	assert.Equal(t, "B", taken.UserID)

	bPkts = drain(t, b)
	require.Len(t, bPkts, 1)
	assert.Equal(t, OpFloorGranted, bPkts[0].Op)
}

func TestFloorReleaseGrantsQueuedRequester(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	a := newTestSession(s)
	identify(t, s, a, "A")
	join(t, s, a, "CH_001", "uA", 1)
	b := newTestSession(s)
	identify(t, s, b, "B")
	join(t, s, b, "CH_001", "uB", 2)
	drain(t, a)

	s.handleFrame(a, frame(OpFloorRequest, `{"channel_id":"CH_001","priority":100}`))
	s.handleFrame(b, frame(OpFloorRequest, `{"channel_id":"CH_001","priority":100}`))
	drain(t, a)

	bPkts := drain(t, b)
	require.Len(t, bPkts, 2) // TAKEN (A's grant), then queue position
	assert.Equal(t, OpFloorQueuePosInfo, bPkts[1].Op)
	var pos floorQueuePosInfoPayload
	require.NoError(t, json.Unmarshal(bPkts[1].D, &pos))
	assert.Equal(t, 1, pos.QueuePosition)
	assert.Equal(t, 1, pos.QueueSize)

	s.handleFrame(a, frame(OpFloorRelease, `{"channel_id":"CH_001"}`))
	bPkts = drain(t, b)
	require.Len(t, bPkts, 1)
	assert.Equal(t, OpFloorGranted, bPkts[0].Op)

	aPkts := drain(t, a)
	require.Len(t, aPkts, 1)
	assert.Equal(t, OpFloorTaken, aPkts[0].Op)
}

func TestFloorReleaseGoesIdleWhenQueueEmpty(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	a := newTestSession(s)
	identify(t, s, a, "A")
	join(t, s, a, "CH_001", "uA", 1)

	s.handleFrame(a, frame(OpFloorRequest, `{"channel_id":"CH_001"}`))
	drain(t, a)
	s.handleFrame(a, frame(OpFloorRelease, `{"channel_id":"CH_001"}`))

	pkts := drain(t, a)
	require.Len(t, pkts, 1)
	assert.Equal(t, OpFloorIdle, pkts[0].Op)
}

func TestFloorPingAnsweredWithPong(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	a := newTestSession(s)
	identify(t, s, a, "A")
	join(t, s, a, "CH_001", "uA", 1)
	s.handleFrame(a, frame(OpFloorRequest, `{"channel_id":"CH_001"}`))
	drain(t, a)

	s.handleFrame(a, frame(OpFloorPing, `{"channel_id":"CH_001"}`))
	pkts := drain(t, a)
	require.Len(t, pkts, 1)
	assert.Equal(t, OpFloorPong, pkts[0].Op)

	// A non-holder ping is silently ignored.
	b := newTestSession(s)
	identify(t, s, b, "B")
	join(t, s, b, "CH_001", "uB", 2)
	drain(t, b)
	s.handleFrame(b, frame(OpFloorPing, `{"channel_id":"CH_001"}`))
	assert.Empty(t, drain(t, b))
}

// Scenario S6: the holder's connection drops; the next queued user is
// granted and the channel hears about it.
func TestDisconnectWhileHolding(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	a := newTestSession(s)
	identify(t, s, a, "A")
	join(t, s, a, "CH_001", "uA", 1)
	b := newTestSession(s)
	identify(t, s, b, "B")
	join(t, s, b, "CH_001", "uB", 2)
	drain(t, a)

	s.handleFrame(a, frame(OpFloorRequest, `{"channel_id":"CH_001"}`))
	s.handleFrame(b, frame(OpFloorRequest, `{"channel_id":"CH_001"}`))
	drain(t, a)
	drain(t, b)

	s.cleanup(a)

	pkts := drain(t, b)
	require.Len(t, pkts, 2) // leave event, then grant
	assert.Equal(t, OpChannelEvent, pkts[0].Op)
	assert.Equal(t, OpFloorGranted, pkts[1].Op)

	_, ok := s.peers.GetByUfrag("uA")
	assert.False(t, ok)
	ch, _ := s.channels.Get("CH_001")
	assert.False(t, ch.HasMember("A"))
	assert.Equal(t, 1, s.users.Count()) // only B remains
}

func TestAdminRevoke(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	a := newTestSession(s)
	identify(t, s, a, "A")
	join(t, s, a, "CH_001", "uA", 1)
	s.handleFrame(a, frame(OpFloorRequest, `{"channel_id":"CH_001"}`))
	drain(t, a)

	require.True(t, s.AdminRevoke("CH_001"))
	pkts := drain(t, a)
	require.Len(t, pkts, 2)
	assert.Equal(t, OpFloorRevoke, pkts[0].Op)
	var revoke floorRevokePayload
	require.NoError(t, json.Unmarshal(pkts[0].D, &revoke))
	assert.Equal(t, "admin_revoke", revoke.Cause)
	assert.Equal(t, OpFloorIdle, pkts[1].Op)

	assert.False(t, s.AdminRevoke("CH_NOPE"))
}

func TestFloorTimeoutSweep(t *testing.T) {
	s := newTestServer()
	s.channels.Create("CH_001", "0001", "ops", core.ModePTT, 4)

	a := newTestSession(s)
	identify(t, s, a, "A")
	join(t, s, a, "CH_001", "uA", 1)
	s.handleFrame(a, frame(OpFloorRequest, `{"channel_id":"CH_001"}`))
	drain(t, a)

	// Before the ping deadline nothing happens.
	s.CheckFloorTimeouts(time.Now())
	assert.Empty(t, drain(t, a))

	s.CheckFloorTimeouts(time.Now().Add(7 * time.Second))
	pkts := drain(t, a)
	require.Len(t, pkts, 2)
	assert.Equal(t, OpFloorRevoke, pkts[0].Op)
	var revoke floorRevokePayload
	require.NoError(t, json.Unmarshal(pkts[0].D, &revoke))
	assert.Equal(t, "ping_timeout", revoke.Cause)
	assert.Equal(t, OpFloorIdle, pkts[1].Op)
}
