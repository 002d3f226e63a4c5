package signaling

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lanikai/minilivechat/internal/config"
	"github.com/lanikai/minilivechat/internal/core"
	"github.com/lanikai/minilivechat/internal/trace"
)

// handleFrame parses one inbound frame, enforces the authentication
// gate, and routes by opcode. Handler errors become ERROR frames on the
// same connection; the connection stays open.
func (s *Server) handleFrame(sess *session, data []byte) {
	var pkt GatewayPacket
	if err := json.Unmarshal(data, &pkt); err != nil {
		sess.send(errorFrame(ErrInvalidPayload))
		return
	}

	if pkt.Op != OpIdentify && pkt.Op != OpHeartbeat && !sess.authenticated() {
		sess.send(errorFrame(ErrNotAuthenticated))
		return
	}

	if sess.user != nil {
		sess.user.Touch()
	}

	if pkt.Op != OpHeartbeat {
		s.traces.Publish(trace.NewEvent(trace.DirIn, sess.currentChannel, sess.userID,
			pkt.Op, opName(pkt.Op), "user="+orDash(sess.userID)))
	}

	var err error
	switch pkt.Op {
	case OpHeartbeat:
		sess.send(makeNoDataPacket(OpHeartbeatAck))
	case OpIdentify:
		err = s.handleIdentify(sess, pkt.D)
	case OpChannelCreate:
		err = s.handleChannelCreate(sess, pkt.D)
	case OpChannelJoin:
		err = s.handleChannelJoin(sess, pkt.D)
	case OpChannelLeave:
		err = s.handleChannelLeave(sess, pkt.D)
	case OpChannelUpdate:
		err = s.handleChannelUpdate(sess, pkt.D)
	case OpChannelDelete:
		err = s.handleChannelDelete(sess, pkt.D)
	case OpChannelList:
		err = s.handleChannelList(sess)
	case OpChannelInfo:
		err = s.handleChannelInfo(sess, pkt.D)
	case OpMessageCreate:
		err = s.handleMessageCreate(sess, pkt.D)
	case OpFloorRequest:
		err = s.handleFloorRequest(sess, pkt.D)
	case OpFloorRelease:
		err = s.handleFloorRelease(sess, pkt.D)
	case OpFloorPing:
		err = s.handleFloorPing(sess, pkt.D)
	default:
		err = ErrInvalidOpcode
	}

	if err != nil {
		sess.send(errorFrame(err))
	}
}

func errorFrame(err error) []byte {
	return makePacket(OpError, errorPayload{Code: toErrorCode(err), Reason: err.Error()})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func parsePayload(d json.RawMessage, v interface{}) error {
	if len(d) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(d, v); err != nil {
		return ErrInvalidPayload
	}
	return nil
}

func (s *Server) handleIdentify(sess *session, d json.RawMessage) error {
	var p identifyPayload
	if err := parsePayload(d, &p); err != nil {
		return err
	}
	if p.UserID == "" {
		return ErrInvalidPayload
	}
	if p.Token != s.cfg.Secret {
		log.Warn("IDENTIFY token mismatch for user %s", p.UserID)
		return ErrInvalidToken
	}

	priority := config.FloorPriorityDefault
	if p.Priority != nil {
		priority = *p.Priority
	}

	user, prev := s.users.Register(p.UserID, sess.outbox, priority)
	if prev != nil && prev.Outbox() != sess.outbox {
		// A second IDENTIFY replaces the prior session outright; retiring
		// its outbox closes the old socket via its writer.
		log.Info("user %s re-identified; dropping prior session", p.UserID)
		prev.Outbox().Close()
	}

	sess.user = user
	sess.userID = p.UserID

	sess.send(makePacket(OpReady, readyPayload{
		SessionID: "sess_" + uuid.NewString(),
		UserID:    p.UserID,
	}))
	return nil
}

func (s *Server) handleChannelCreate(sess *session, d json.RawMessage) error {
	var p channelCreatePayload
	if err := parsePayload(d, &p); err != nil {
		return err
	}
	if p.ChannelID == "" {
		return ErrInvalidPayload
	}

	ch := s.channels.Create(p.ChannelID, p.Freq, p.ChannelName,
		core.ChannelModeFromString(p.Mode), s.cfg.MaxPeersPerChannel)

	sess.send(makePacket(OpAck, ackPayload{Op: OpChannelCreate, Data: channelSummary{
		ChannelID:   ch.ChannelID,
		Freq:        ch.Freq,
		Name:        ch.DisplayName(),
		Mode:        ch.Mode.String(),
		MemberCount: ch.MemberCount(),
		Capacity:    ch.Capacity,
		CreatedAt:   ch.CreatedAt.UnixMilli(),
	}}))
	return nil
}

func (s *Server) handleChannelJoin(sess *session, d json.RawMessage) error {
	var p channelJoinPayload
	if err := parsePayload(d, &p); err != nil {
		return err
	}

	ch, ok := s.channels.Get(p.ChannelID)
	if !ok {
		return ErrChannelNotFound
	}
	if err := ch.AddMember(sess.userID); err != nil {
		return err
	}

	// Server-generated ICE credentials key the endpoint; STUN USERNAME
	// carries the server ufrag back ahead of the colon.
	var sdpAnswer, ufrag, icePwd string
	if p.SdpOffer != "" {
		var err error
		sdpAnswer, ufrag, icePwd, err = BuildAnswer(p.SdpOffer, s.cfg.UDPPort, s.cfg.AdvertiseIP, s.cfg.Fingerprint)
		if err != nil {
			ch.RemoveMember(sess.userID)
			return ErrInvalidPayload
		}
	} else {
		ufrag = p.Ufrag
	}

	ep := s.peers.Insert(ufrag, icePwd, sess.userID, p.ChannelID)
	ep.AddTrack(p.SSRC, core.TrackAudio)

	sess.currentChannel = p.ChannelID
	sess.currentSSRC = p.SSRC
	sess.currentUfrag = ufrag

	sess.send(makePacket(OpAck, ackPayload{Op: OpChannelJoin, Data: channelJoinAckData{
		ChannelID:     p.ChannelID,
		SdpAnswer:     sdpAnswer,
		ActiveMembers: s.collectMembers(p.ChannelID),
	}}))

	s.broadcastToChannel(ch, makePacket(OpChannelEvent, channelEventPayload{
		Event:     "join",
		ChannelID: p.ChannelID,
		Member:    MemberInfo{UserID: sess.userID, SSRC: p.SSRC},
	}), sess.userID)

	// Late joiner learns the active speaker. Snapshot is taken after the
	// floor lock has been released; the send happens outside any lock.
	if snap := ch.Floor.Snapshot(); snap.Holder != "" {
		sess.send(makePacket(OpFloorTaken, floorTakenPayload{
			ChannelID: p.ChannelID,
			UserID:    snap.Holder,
			Indicator: snap.Indicator.String(),
		}))
	}

	s.traces.Publish(trace.NewEvent(trace.DirSys, p.ChannelID, sess.userID,
		OpChannelEvent, "CHANNEL_JOIN", "ssrc attached"))
	return nil
}

func (s *Server) handleChannelLeave(sess *session, d json.RawMessage) error {
	var p channelLeavePayload
	if err := parsePayload(d, &p); err != nil {
		return err
	}
	if sess.currentChannel != p.ChannelID {
		return ErrNotInChannel
	}

	if ch, ok := s.channels.Get(p.ChannelID); ok {
		s.broadcastToChannel(ch, makePacket(OpChannelEvent, channelEventPayload{
			Event:     "leave",
			ChannelID: p.ChannelID,
			Member:    MemberInfo{UserID: sess.userID, SSRC: sess.currentSSRC},
		}), sess.userID)
		ch.RemoveMember(sess.userID)
	}

	if sess.currentUfrag != "" {
		s.peers.Remove(sess.currentUfrag)
	}
	s.floorDisconnect(sess.userID, p.ChannelID)

	sess.currentChannel = ""
	sess.currentSSRC = 0
	sess.currentUfrag = ""

	sess.send(makePacket(OpAck, ackPayload{Op: OpChannelLeave, Data: channelLeavePayload{ChannelID: p.ChannelID}}))
	return nil
}

func (s *Server) handleChannelUpdate(sess *session, d json.RawMessage) error {
	var p channelUpdatePayload
	if err := parsePayload(d, &p); err != nil {
		return err
	}

	ch, ok := s.channels.Get(p.ChannelID)
	if !ok {
		return ErrChannelNotFound
	}
	ch.Rename(p.ChannelName)

	s.broadcastToChannel(ch, makePacket(OpChannelEvent, channelEventPayload{
		Event:     "update",
		ChannelID: p.ChannelID,
		Member:    MemberInfo{UserID: "system"},
	}), "")

	sess.send(makePacket(OpAck, ackPayload{Op: OpChannelUpdate, Data: p}))
	return nil
}

func (s *Server) handleChannelDelete(sess *session, d json.RawMessage) error {
	var p channelDeletePayload
	if err := parsePayload(d, &p); err != nil {
		return err
	}

	if ch, ok := s.channels.Get(p.ChannelID); ok {
		s.broadcastToChannel(ch, makePacket(OpChannelEvent, channelEventPayload{
			Event:     "delete",
			ChannelID: p.ChannelID,
			Member:    MemberInfo{UserID: "system"},
		}), "")
	}
	if !s.channels.Remove(p.ChannelID) {
		return ErrChannelNotFound
	}

	sess.send(makePacket(OpAck, ackPayload{Op: OpChannelDelete, Data: p}))
	return nil
}

func (s *Server) handleChannelList(sess *session) error {
	channels := s.channels.All()
	list := make([]channelSummary, 0, len(channels))
	for _, ch := range channels {
		list = append(list, channelSummary{
			ChannelID:   ch.ChannelID,
			Freq:        ch.Freq,
			Name:        ch.DisplayName(),
			Mode:        ch.Mode.String(),
			MemberCount: ch.MemberCount(),
			Capacity:    ch.Capacity,
			CreatedAt:   ch.CreatedAt.UnixMilli(),
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Freq < list[j].Freq })

	sess.send(makePacket(OpAck, ackPayload{Op: OpChannelList, Data: list}))
	return nil
}

func (s *Server) handleChannelInfo(sess *session, d json.RawMessage) error {
	var p channelInfoPayload
	if err := parsePayload(d, &p); err != nil {
		return err
	}

	ch, ok := s.channels.Get(p.ChannelID)
	if !ok {
		return ErrChannelNotFound
	}

	sess.send(makePacket(OpAck, ackPayload{Op: OpChannelInfo, Data: channelInfoData{
		channelSummary: channelSummary{
			ChannelID:   ch.ChannelID,
			Freq:        ch.Freq,
			Name:        ch.DisplayName(),
			Mode:        ch.Mode.String(),
			MemberCount: ch.MemberCount(),
			Capacity:    ch.Capacity,
			CreatedAt:   ch.CreatedAt.UnixMilli(),
		},
		Peers: s.collectMembers(ch.ChannelID),
	}}))
	return nil
}

func (s *Server) handleMessageCreate(sess *session, d json.RawMessage) error {
	var p messageCreatePayload
	if err := parsePayload(d, &p); err != nil {
		return err
	}

	if isBlank(p.Content) {
		return ErrEmptyMessage
	}
	if len(p.Content) > s.cfg.MaxMessageLength {
		return ErrMessageTooLong
	}
	if sess.currentChannel != p.ChannelID {
		return ErrMessageNotInChannel
	}

	ch, ok := s.channels.Get(p.ChannelID)
	if !ok {
		return ErrChannelNotFound
	}

	// Sender included: everyone sees the message in delivery order.
	s.broadcastToChannel(ch, makePacket(OpMessageEvent, messageEventPayload{
		MessageID: "msg_" + uuid.NewString(),
		ChannelID: p.ChannelID,
		AuthorID:  sess.userID,
		Content:   p.Content,
		Timestamp: time.Now().UnixMilli(),
	}), "")
	return nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
