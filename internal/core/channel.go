package core

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanikai/minilivechat/internal/floor"
)

// ChannelMode selects the speaking discipline.
//
//	PTT        — radio style: floor control applies, one speaker at a time.
//	Conference — multi-party call: floor control bypassed, everyone relays.
type ChannelMode int

const (
	ModePTT ChannelMode = iota
	ModeConference
)

func (m ChannelMode) String() string {
	if m == ModeConference {
		return "conference"
	}
	return "ptt"
}

// ChannelModeFromString is lossy: anything unrecognized is PTT.
func ChannelModeFromString(s string) ChannelMode {
	if s == "conference" || s == "Conference" {
		return ModeConference
	}
	return ModePTT
}

// Membership errors surfaced to the signaling layer, which maps them to
// wire error codes.
var (
	ErrChannelFull      = errors.New("channel full")
	ErrAlreadyInChannel = errors.New("already in channel")
)

// Channel is a named PTT room. Floor state lives alongside membership;
// endpoints reference the channel by id only (no back-pointers), so no
// ownership cycles arise.
type Channel struct {
	ChannelID string
	Freq      string // 4-digit dial frequency, e.g. "0312"
	Name      string
	Mode      ChannelMode
	Capacity  int
	CreatedAt time.Time

	Floor *floor.FloorControl

	mu      sync.RWMutex
	members map[string]struct{} // user ids
}

func newChannel(id, freq, name string, mode ChannelMode, capacity int, fc *floor.FloorControl) *Channel {
	return &Channel{
		ChannelID: id,
		Freq:      freq,
		Name:      name,
		Mode:      mode,
		Capacity:  capacity,
		CreatedAt: time.Now(),
		Floor:     fc,
		members:   make(map[string]struct{}),
	}
}

func (c *Channel) IsPTT() bool { return c.Mode == ModePTT }

// Rename updates the display name (CHANNEL_UPDATE).
func (c *Channel) Rename(name string) {
	c.mu.Lock()
	c.Name = name
	c.mu.Unlock()
}

// DisplayName reads the name under the same lock Rename writes it.
func (c *Channel) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Name
}

// AddMember enforces capacity and uniqueness.
func (c *Channel) AddMember(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.members) >= c.Capacity {
		return errors.Wrap(ErrChannelFull, c.ChannelID)
	}
	if _, ok := c.members[userID]; ok {
		return errors.Wrap(ErrAlreadyInChannel, c.ChannelID)
	}
	c.members[userID] = struct{}{}
	return nil
}

// RemoveMember is idempotent.
func (c *Channel) RemoveMember(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.members, userID)
}

func (c *Channel) HasMember(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[userID]
	return ok
}

// Members returns a snapshot set, the shape BroadcastTo consumes.
func (c *Channel) Members() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{}, len(c.members))
	for id := range c.members {
		out[id] = struct{}{}
	}
	return out
}

func (c *Channel) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// ChannelHub tracks every channel, keyed by channel id.
type ChannelHub struct {
	mu       sync.RWMutex
	channels map[string]*Channel

	newFloor func() *floor.FloorControl
}

// NewChannelHub takes the floor-control factory so channel creation
// picks up the configured timeout values without this package reading
// configuration itself.
func NewChannelHub(newFloor func() *floor.FloorControl) *ChannelHub {
	return &ChannelHub{
		channels: make(map[string]*Channel),
		newFloor: newFloor,
	}
}

// Create is idempotent: a second call for an existing id returns the
// existing channel untouched (first writer wins, including its mode and
// capacity).
func (h *ChannelHub) Create(id, freq, name string, mode ChannelMode, capacity int) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.channels[id]; ok {
		return c
	}
	c := newChannel(id, freq, name, mode, capacity, h.newFloor())
	h.channels[id] = c
	return c
}

func (h *ChannelHub) Get(id string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.channels[id]
	return c, ok
}

// Remove reports whether the channel existed.
func (h *ChannelHub) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.channels[id]
	delete(h.channels, id)
	return ok
}

func (h *ChannelHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// CountFloorTaken counts channels with an active speaker, for the admin
// status view.
func (h *ChannelHub) CountFloorTaken() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.channels {
		if c.Floor.IsTaken() {
			n++
		}
	}
	return n
}

// All returns a snapshot slice for list views and reaper sweeps.
func (h *ChannelHub) All() []*Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Channel, 0, len(h.channels))
	for _, c := range h.channels {
		out = append(out, c)
	}
	return out
}
