// Package httpapi serves the read-only HTTP surfaces: public channel
// listings, the admin snapshot views, the admin floor revoke, and the
// live trace stream (SSE). Everything here is a view over the state
// hubs and the trace bus; no state of its own.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lanikai/minilivechat/internal/core"
	"github.com/lanikai/minilivechat/internal/floor"
	"github.com/lanikai/minilivechat/internal/logging"
	"github.com/lanikai/minilivechat/internal/trace"
)

var log = logging.DefaultLogger.WithTag("http")

// FloorRevoker is satisfied by signaling.Server.
type FloorRevoker interface {
	AdminRevoke(channelID string) bool
}

type API struct {
	users    *core.UserHub
	channels *core.ChannelHub
	peers    *core.MediaPeerHub
	traces   *trace.Hub
	revoker  FloorRevoker
	started  time.Time
}

func New(users *core.UserHub, channels *core.ChannelHub, peers *core.MediaPeerHub, traces *trace.Hub, revoker FloorRevoker) *API {
	return &API{
		users:    users,
		channels: channels,
		peers:    peers,
		traces:   traces,
		revoker:  revoker,
		started:  time.Now(),
	}
}

// Register attaches every route to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/channels", a.handleChannels)
	mux.HandleFunc("/channels/", a.handleChannelByID)
	mux.HandleFunc("/admin/status", a.handleStatus)
	mux.HandleFunc("/admin/users", a.handleUsers)
	mux.HandleFunc("/admin/channels", a.handleAdminChannels)
	mux.HandleFunc("/admin/peers", a.handlePeers)
	mux.HandleFunc("/admin/floor-revoke/", a.handleFloorRevoke)
	mux.HandleFunc("/trace", a.handleTrace)
	mux.HandleFunc("/trace/", a.handleTrace)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response encode failed: %s", err)
	}
}

// ---- DTOs ----

type channelDTO struct {
	ChannelID   string `json:"channel_id"`
	Freq        string `json:"freq"`
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	MemberCount int    `json:"member_count"`
	Capacity    int    `json:"capacity"`
	CreatedAt   int64  `json:"created_at"`
	FloorState  string `json:"floor_state"`
	FloorHolder string `json:"floor_holder,omitempty"`
	QueueSize   int    `json:"queue_size"`
}

func channelToDTO(ch *core.Channel) channelDTO {
	snap := ch.Floor.Snapshot()
	state := "idle"
	if snap.State == floor.Taken {
		state = "taken"
	}
	return channelDTO{
		ChannelID:   ch.ChannelID,
		Freq:        ch.Freq,
		Name:        ch.DisplayName(),
		Mode:        ch.Mode.String(),
		MemberCount: ch.MemberCount(),
		Capacity:    ch.Capacity,
		CreatedAt:   ch.CreatedAt.UnixMilli(),
		FloorState:  state,
		FloorHolder: snap.Holder,
		QueueSize:   len(snap.Queue),
	}
}

type userDTO struct {
	UserID   string `json:"user_id"`
	Priority int    `json:"priority"`
	LastSeen int64  `json:"last_seen"`
	JoinedAt int64  `json:"joined_at"`
}

type peerDTO struct {
	Ufrag     string `json:"ufrag"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Address   string `json:"address,omitempty"`
	SSRC      uint32 `json:"ssrc"`
	SRTPReady bool   `json:"srtp_ready"`
	LastSeen  int64  `json:"last_seen"`
}

// ---- handlers ----

func (a *API) collectChannels() []channelDTO {
	channels := a.channels.All()
	out := make([]channelDTO, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelToDTO(ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Freq < out[j].Freq })
	return out
}

func (a *API) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, a.collectChannels())
}

func (a *API) handleChannelByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/channels/")
	ch, ok := a.channels.Get(id)
	if !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}

	type detail struct {
		channelDTO
		Peers []peerDTO `json:"peers"`
	}
	writeJSON(w, http.StatusOK, detail{
		channelDTO: channelToDTO(ch),
		Peers:      a.collectPeers(ch.ChannelID),
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_ms":         time.Since(a.started).Milliseconds(),
		"users":             a.users.Count(),
		"channels":          a.channels.Count(),
		"channels_taken":    a.channels.CountFloorTaken(),
		"peers":             a.peers.Count(),
		"trace_subscribers": a.traces.SubscriberCount(),
	})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	users := a.users.AllUsers()
	out := make([]userDTO, 0, len(users))
	for _, u := range users {
		out = append(out, userDTO{
			UserID:   u.ID,
			Priority: u.Priority,
			LastSeen: u.LastSeen().UnixMilli(),
			JoinedAt: u.JoinedAt.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleAdminChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.collectChannels())
}

func (a *API) collectPeers(channelID string) []peerDTO {
	var eps []*core.Endpoint
	if channelID == "" {
		eps = a.peers.AllEndpoints()
	} else {
		eps = a.peers.GetChannelEndpoints(channelID)
	}
	out := make([]peerDTO, 0, len(eps))
	for _, ep := range eps {
		dto := peerDTO{
			Ufrag:     ep.Ufrag,
			UserID:    ep.UserID,
			ChannelID: ep.ChannelID,
			SSRC:      ep.FirstSSRC(),
			SRTPReady: ep.SRTPReady(),
			LastSeen:  ep.LastSeen().UnixMilli(),
		}
		if addr := ep.Address(); addr != nil {
			dto.Address = addr.String()
		}
		out = append(out, dto)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ufrag < out[j].Ufrag })
	return out
}

func (a *API) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.collectPeers(r.URL.Query().Get("channel_id")))
}

func (a *API) handleFloorRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channelID := strings.TrimPrefix(r.URL.Path, "/admin/floor-revoke/")
	if channelID == "" {
		http.Error(w, "channel id required", http.StatusBadRequest)
		return
	}
	if !a.revoker.AdminRevoke(channelID) {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"channel_id": channelID, "result": "revoked"})
}

// handleTrace streams the trace bus as server-sent events, optionally
// filtered to one channel (/trace/{channel_id}).
func (a *API) handleTrace(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	channelID := strings.TrimPrefix(r.URL.Path, "/trace")
	channelID = strings.TrimPrefix(channelID, "/")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	sub := a.traces.Subscribe()
	defer sub.Cancel()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub.Events():
			if channelID != "" && ev.ChannelID != channelID {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
