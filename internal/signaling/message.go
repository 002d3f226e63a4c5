package signaling

import "encoding/json"

// GatewayPacket is the envelope every WebSocket frame uses.
type GatewayPacket struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// makePacket serializes a complete frame. Marshal failures cannot occur
// for the payload types below; the empty-frame fallback keeps the write
// path total.
func makePacket(op int, payload interface{}) []byte {
	d, err := json.Marshal(payload)
	if err != nil {
		log.Error("marshal op %d payload: %s", op, err)
		d = nil
	}
	b, err := json.Marshal(GatewayPacket{Op: op, D: d})
	if err != nil {
		return []byte(`{"op":201}`)
	}
	return b
}

func makeNoDataPacket(op int) []byte {
	b, _ := json.Marshal(GatewayPacket{Op: op})
	return b
}

// ---- client → server payloads ----

type identifyPayload struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token"`
	Priority *int   `json:"priority,omitempty"`
}

type channelCreatePayload struct {
	ChannelID   string `json:"channel_id"`
	Freq        string `json:"freq"`
	ChannelName string `json:"channel_name"`
	Mode        string `json:"mode,omitempty"` // "ptt" (default) | "conference"
}

type channelJoinPayload struct {
	ChannelID string `json:"channel_id"`
	SSRC      uint32 `json:"ssrc"`
	SdpOffer  string `json:"sdp_offer,omitempty"`
	// Ufrag lets an offer-less join (testing clients) name its own
	// endpoint key.
	Ufrag string `json:"ufrag,omitempty"`
}

type channelLeavePayload struct {
	ChannelID string `json:"channel_id"`
}

type channelUpdatePayload struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
}

type channelDeletePayload struct {
	ChannelID string `json:"channel_id"`
}

type channelInfoPayload struct {
	ChannelID string `json:"channel_id"`
}

type messageCreatePayload struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

type floorRequestPayload struct {
	ChannelID string `json:"channel_id"`
	Priority  *int   `json:"priority,omitempty"`
	Indicator string `json:"indicator,omitempty"`
}

type floorReleasePayload struct {
	ChannelID string `json:"channel_id"`
}

type floorPingPayload struct {
	ChannelID string `json:"channel_id"`
}

// ---- server → client payloads ----

type helloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // millis
}

type readyPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ackPayload wraps per-op success data; Op echoes the request opcode.
type ackPayload struct {
	Op   int         `json:"op"`
	Data interface{} `json:"data"`
}

type errorPayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// MemberInfo appears in join ACKs, channel info, and channel events.
type MemberInfo struct {
	UserID string `json:"user_id"`
	SSRC   uint32 `json:"ssrc"`
}

type channelJoinAckData struct {
	ChannelID     string       `json:"channel_id"`
	SdpAnswer     string       `json:"sdp_answer,omitempty"`
	ActiveMembers []MemberInfo `json:"active_members"`
}

type channelSummary struct {
	ChannelID   string `json:"channel_id"`
	Freq        string `json:"freq"`
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	MemberCount int    `json:"member_count"`
	Capacity    int    `json:"capacity"`
	CreatedAt   int64  `json:"created_at"`
}

type channelInfoData struct {
	channelSummary
	Peers []MemberInfo `json:"peers"`
}

type channelEventPayload struct {
	Event     string     `json:"event"` // "join" | "leave" | "update" | "delete"
	ChannelID string     `json:"channel_id"`
	Member    MemberInfo `json:"member"`
}

type messageEventPayload struct {
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type floorGrantedPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Duration  int64  `json:"duration"` // max hold, millis
}

type floorTakenPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Indicator string `json:"indicator"`
}

type floorIdlePayload struct {
	ChannelID string `json:"channel_id"`
}

type floorRevokePayload struct {
	ChannelID string `json:"channel_id"`
	Cause     string `json:"cause"`
}

type floorQueuePosInfoPayload struct {
	ChannelID     string `json:"channel_id"`
	QueuePosition int    `json:"queue_position"`
	QueueSize     int    `json:"queue_size"`
}

type floorPongPayload struct {
	ChannelID string `json:"channel_id"`
}
