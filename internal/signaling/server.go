package signaling

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lanikai/minilivechat/internal/core"
	"github.com/lanikai/minilivechat/internal/logging"
	"github.com/lanikai/minilivechat/internal/trace"
)

var log = logging.DefaultLogger.WithTag("signaling")

// Config carries the tunables the dispatcher needs; values come from
// internal/config at startup.
type Config struct {
	Secret            string
	HeartbeatInterval time.Duration
	FloorMaxTaken     time.Duration

	MaxPeersPerChannel int
	EgressQueueSize    int
	MaxMessageLength   int

	// SDP answer inputs.
	UDPPort     int
	AdvertiseIP string
	Fingerprint string // "sha-256 AB:CD:..."
}

// Server owns the opcode dispatcher. It shares the state hubs with the
// media relay and the reaper, and publishes trace events for observers.
type Server struct {
	cfg      Config
	users    *core.UserHub
	channels *core.ChannelHub
	peers    *core.MediaPeerHub
	traces   *trace.Hub
}

func NewServer(cfg Config, users *core.UserHub, channels *core.ChannelHub, peers *core.MediaPeerHub, traces *trace.Hub) *Server {
	return &Server{
		cfg:      cfg,
		users:    users,
		channels: channels,
		peers:    peers,
		traces:   traces,
	}
}

// session is the per-connection state threaded through the dispatcher.
type session struct {
	ws     *websocket.Conn
	outbox *core.Outbox

	user           *core.User
	userID         string
	currentChannel string
	currentSSRC    uint32
	currentUfrag   string
}

func (s *session) authenticated() bool { return s.user != nil }

// send enqueues a frame for this connection. Never blocks; a stalled
// writer drops the oldest frames.
func (s *session) send(frame []byte) {
	if s.user != nil {
		s.user.Send(frame)
		return
	}
	// Pre-IDENTIFY frames (HELLO, auth errors) go straight to the
	// outbox the writer drains.
	if !s.outbox.Push(frame) {
		log.Debug("dropping pre-auth frame: outbox full or closed")
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The signaling port serves browsers on other origins in dev.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades to WebSocket and runs the connection's read loop.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed: %s", err)
			return
		}
		s.serve(ws)
	})
}

func (s *Server) serve(ws *websocket.Conn) {
	sess := &session{
		ws:     ws,
		outbox: core.NewOutbox(s.cfg.EgressQueueSize),
	}

	// Writer goroutine: drains the outbox for the connection's lifetime.
	// It owns the socket's write side; everyone else goes through the
	// outbox.
	go func() {
		defer ws.Close()
		for {
			select {
			case frame := <-sess.outbox.Frames():
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			case <-sess.outbox.Done():
				return
			}
		}
	}()

	sess.send(makePacket(OpHello, helloPayload{
		HeartbeatInterval: s.cfg.HeartbeatInterval.Milliseconds(),
	}))

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		s.handleFrame(sess, data)
	}

	s.cleanup(sess)
	sess.outbox.Close()
}

// Reap force-disconnects a zombie user: same cleanup as a socket close.
// The stale connection's own read loop, if it ever wakes, finds its
// registration already gone and its conditional unregister a no-op.
func (s *Server) Reap(userID string) {
	u, ok := s.users.Get(userID)
	if !ok {
		return
	}

	// SSRCs per channel, for the leave events.
	ssrcs := make(map[string]uint32)
	var ufrags []string
	for _, ep := range s.peers.AllEndpoints() {
		if ep.UserID == userID {
			ssrcs[ep.ChannelID] = ep.FirstSSRC()
			ufrags = append(ufrags, ep.Ufrag)
		}
	}

	// Mirror cleanup() for a session we no longer have a handle to:
	// membership in every channel, endpoints, then the registration.
	for _, ch := range s.channels.All() {
		if !ch.HasMember(userID) {
			continue
		}
		members := ch.Members()
		ch.RemoveMember(userID)
		s.users.BroadcastTo(members, makePacket(OpChannelEvent, channelEventPayload{
			Event:     "leave",
			ChannelID: ch.ChannelID,
			Member:    MemberInfo{UserID: userID, SSRC: ssrcs[ch.ChannelID]},
		}), userID)
		s.floorDisconnect(userID, ch.ChannelID)
	}
	for _, ufrag := range ufrags {
		s.peers.Remove(ufrag)
	}
	s.users.Unregister(userID, u)
	u.Outbox().Close()

	s.traces.Publish(trace.NewEvent(trace.DirSys, "", userID, 0, "REAPED", "zombie session removed"))
}

// cleanup runs when a connection's read loop exits: leave broadcast,
// endpoint removal, floor reconciliation, then unregistration. Every
// step is idempotent; a reaper tick racing this sequence is harmless.
func (s *Server) cleanup(sess *session) {
	if sess.user == nil {
		return
	}

	if sess.currentChannel != "" {
		// Membership check keeps a reaper eviction that already ran from
		// producing a second leave broadcast.
		if ch, ok := s.channels.Get(sess.currentChannel); ok && ch.HasMember(sess.userID) {
			members := ch.Members()
			ch.RemoveMember(sess.userID)
			s.users.BroadcastTo(members, makePacket(OpChannelEvent, channelEventPayload{
				Event:     "leave",
				ChannelID: sess.currentChannel,
				Member:    MemberInfo{UserID: sess.userID, SSRC: sess.currentSSRC},
			}), sess.userID)
		}
		if sess.currentUfrag != "" {
			s.peers.Remove(sess.currentUfrag)
		}
		s.floorDisconnect(sess.userID, sess.currentChannel)
	}

	s.users.Unregister(sess.userID, sess.user)
	log.Debug("session closed for user %s", sess.userID)
}

// sendToUser routes a frame to a user's outbox if the user is still
// registered.
func (s *Server) sendToUser(userID string, frame []byte) {
	if u, ok := s.users.Get(userID); ok {
		u.Send(frame)
	}
}

// broadcastToChannel fans a frame out to a channel's current members.
func (s *Server) broadcastToChannel(ch *core.Channel, frame []byte, exclude string) {
	s.users.BroadcastTo(ch.Members(), frame, exclude)
}

// collectMembers reports the channel's endpoints as wire-level member
// info (first audio SSRC per endpoint).
func (s *Server) collectMembers(channelID string) []MemberInfo {
	eps := s.peers.GetChannelEndpoints(channelID)
	out := make([]MemberInfo, 0, len(eps))
	for _, ep := range eps {
		out = append(out, MemberInfo{UserID: ep.UserID, SSRC: ep.FirstSSRC()})
	}
	return out
}
