package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lanikai/minilivechat/internal/config"
	"github.com/lanikai/minilivechat/internal/core"
	"github.com/lanikai/minilivechat/internal/floor"
	"github.com/lanikai/minilivechat/internal/trace"
)

// Floor control handlers. Every state transition happens inside one
// floor.FloorControl method call (its internal lock); the frames built
// from the returned outcome are sent strictly after that call returns,
// so no floor lock is ever held across a send.

func (s *Server) handleFloorRequest(sess *session, d json.RawMessage) error {
	var p floorRequestPayload
	if err := parsePayload(d, &p); err != nil {
		return err
	}

	ch, ok := s.channels.Get(p.ChannelID)
	if !ok {
		return ErrChannelNotFound
	}

	priority := config.FloorPriorityDefault
	if p.Priority != nil {
		priority = *p.Priority
	} else if sess.user != nil {
		priority = sess.user.Priority
	}
	ind := floor.IndicatorFromString(p.Indicator)

	res := ch.Floor.Request(sess.userID, priority, ind, time.Now())

	switch res.Outcome {
	case floor.Preempted:
		s.sendToUser(res.OldHolder, makePacket(OpFloorRevoke, floorRevokePayload{
			ChannelID: p.ChannelID,
			Cause:     string(floor.CausePreempted),
		}))
		log.Warn("floor preempted: channel=%s old=%s new=%s", p.ChannelID, res.OldHolder, sess.userID)
		fallthrough
	case floor.Granted:
		// GRANTED to the new holder goes out ahead of the TAKEN
		// broadcast to the rest.
		sess.send(makePacket(OpFloorGranted, floorGrantedPayload{
			ChannelID: p.ChannelID,
			UserID:    sess.userID,
			Duration:  s.cfg.FloorMaxTaken.Milliseconds(),
		}))
		s.broadcastToChannel(ch, makePacket(OpFloorTaken, floorTakenPayload{
			ChannelID: p.ChannelID,
			UserID:    sess.userID,
			Indicator: res.Indicator.String(),
		}), sess.userID)
		s.traces.Publish(trace.NewEvent(trace.DirOut, p.ChannelID, sess.userID,
			OpFloorGranted, "FLOOR_GRANTED", fmt.Sprintf("priority=%d indicator=%s", priority, res.Indicator)))
	case floor.Queued:
		sess.send(makePacket(OpFloorQueuePosInfo, floorQueuePosInfoPayload{
			ChannelID:     p.ChannelID,
			QueuePosition: res.Position,
			QueueSize:     res.Size,
		}))
		s.traces.Publish(trace.NewEvent(trace.DirOut, p.ChannelID, sess.userID,
			OpFloorQueuePosInfo, "FLOOR_QUEUED", fmt.Sprintf("position=%d size=%d", res.Position, res.Size)))
	}
	return nil
}

func (s *Server) handleFloorRelease(sess *session, d json.RawMessage) error {
	var p floorReleasePayload
	if err := parsePayload(d, &p); err != nil {
		return err
	}

	ch, ok := s.channels.Get(p.ChannelID)
	if !ok {
		return ErrChannelNotFound
	}

	next, ok := ch.Floor.Release(sess.userID, time.Now())
	if !ok {
		// Non-holder release: silently ignored by design; the client may
		// have just lost the floor.
		return nil
	}

	s.traces.Publish(trace.NewEvent(trace.DirOut, p.ChannelID, sess.userID,
		OpFloorIdle, "FLOOR_RELEASE", "holder released"))
	s.dispatchFloorHandoff(ch, next)
	return nil
}

func (s *Server) handleFloorPing(sess *session, d json.RawMessage) error {
	var p floorPingPayload
	if err := parsePayload(d, &p); err != nil {
		return err
	}

	ch, ok := s.channels.Get(p.ChannelID)
	if !ok {
		return ErrChannelNotFound
	}

	if ch.Floor.Ping(sess.userID, time.Now()) {
		sess.send(makePacket(OpFloorPong, floorPongPayload{ChannelID: p.ChannelID}))
	}
	return nil
}

// dispatchFloorHandoff sends the frames for a vacated floor: grant to
// the next queued requester (and TAKEN to the rest), or FLOOR_IDLE to
// the whole channel.
func (s *Server) dispatchFloorHandoff(ch *core.Channel, next *floor.QueueEntry) {
	if next == nil {
		s.broadcastToChannel(ch, makePacket(OpFloorIdle, floorIdlePayload{
			ChannelID: ch.ChannelID,
		}), "")
		return
	}

	s.sendToUser(next.UserID, makePacket(OpFloorGranted, floorGrantedPayload{
		ChannelID: ch.ChannelID,
		UserID:    next.UserID,
		Duration:  s.cfg.FloorMaxTaken.Milliseconds(),
	}))
	s.broadcastToChannel(ch, makePacket(OpFloorTaken, floorTakenPayload{
		ChannelID: ch.ChannelID,
		UserID:    next.UserID,
		Indicator: next.Indicator.String(),
	}), next.UserID)
}

// floorDisconnect reconciles floor state when a member leaves or drops.
func (s *Server) floorDisconnect(userID, channelID string) {
	ch, ok := s.channels.Get(channelID)
	if !ok {
		return
	}
	next, wasHolder := ch.Floor.Disconnect(userID, time.Now())
	if !wasHolder {
		return
	}
	log.Warn("floor holder %s disconnected from %s", userID, channelID)
	s.dispatchFloorHandoff(ch, next)
}

// CheckFloorTimeouts sweeps every channel for ping/max-duration expiry.
// Invoked by the reaper.
func (s *Server) CheckFloorTimeouts(now time.Time) {
	for _, ch := range s.channels.All() {
		to, expired := ch.Floor.CheckTimeouts(now)
		if !expired {
			continue
		}

		log.Warn("floor revoke (%s): channel=%s user=%s", to.Cause, ch.ChannelID, to.Holder)
		s.sendToUser(to.Holder, makePacket(OpFloorRevoke, floorRevokePayload{
			ChannelID: ch.ChannelID,
			Cause:     string(to.Cause),
		}))
		s.traces.Publish(trace.NewEvent(trace.DirSys, ch.ChannelID, to.Holder,
			OpFloorRevoke, "FLOOR_REVOKE", "cause="+string(to.Cause)))
		s.dispatchFloorHandoff(ch, to.Next)
	}
}

// AdminRevoke force-clears a channel's floor (holder and queue), used by
// the admin HTTP surface. Returns false for an unknown channel.
func (s *Server) AdminRevoke(channelID string) bool {
	ch, ok := s.channels.Get(channelID)
	if !ok {
		return false
	}

	prior, wasTaken := ch.Floor.AdminRevoke()
	if wasTaken {
		s.sendToUser(prior, makePacket(OpFloorRevoke, floorRevokePayload{
			ChannelID: channelID,
			Cause:     string(floor.CauseAdminRevoke),
		}))
	}
	s.broadcastToChannel(ch, makePacket(OpFloorIdle, floorIdlePayload{ChannelID: channelID}), "")
	s.traces.Publish(trace.NewEvent(trace.DirSys, channelID, prior,
		OpFloorRevoke, "FLOOR_REVOKE", "cause=admin_revoke"))
	return true
}
