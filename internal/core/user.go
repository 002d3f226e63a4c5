// Package core holds the in-memory state hubs shared by the signaling
// dispatcher, the floor control engine, and the media relay: registered
// users, channels, and media endpoints. All state is process-lifetime
// only; nothing is persisted.
package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanikai/minilivechat/internal/logging"
)

var log = logging.DefaultLogger.WithTag("core")

// Outbox is a user's bounded outbound frame queue. The per-connection
// writer goroutine drains it; handlers and broadcasts feed it through
// User.Send, which never blocks.
type Outbox struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewOutbox(capacity int) *Outbox {
	return &Outbox{
		frames: make(chan []byte, capacity),
		done:   make(chan struct{}),
	}
}

// Frames is consumed by the connection's writer goroutine.
func (o *Outbox) Frames() <-chan []byte { return o.frames }

// Done closes when the connection has gone away; Send treats it as a
// dropped delivery.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Close marks the outbox dead. The frames channel is never closed (a
// concurrent Send must not panic); the writer exits via Done instead.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
}

// Push enqueues one frame without blocking. When the queue is full the
// oldest frame is discarded to make room, so a stalled client sees the
// freshest state rather than a growing backlog.
func (o *Outbox) Push(frame []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}

	select {
	case o.frames <- frame:
		return true
	default:
	}
	select {
	case <-o.frames:
	default:
	}
	select {
	case o.frames <- frame:
		return true
	default:
		return false
	}
}

// User is one identified signaling session.
type User struct {
	ID       string
	Priority int
	JoinedAt time.Time

	outbox   *Outbox
	lastSeen atomic.Int64 // unix millis
}

func NewUser(id string, outbox *Outbox, priority int) *User {
	u := &User{
		ID:       id,
		Priority: priority,
		JoinedAt: time.Now(),
		outbox:   outbox,
	}
	u.Touch()
	return u
}

// Send enqueues a serialized frame for delivery. A full or dead queue
// logs and drops; one slow client never blocks the caller.
func (u *User) Send(frame []byte) {
	if !u.outbox.Push(frame) {
		log.Debug("dropping frame for user %s: outbox full or closed", u.ID)
	}
}

func (u *User) Touch() {
	u.lastSeen.Store(time.Now().UnixMilli())
}

func (u *User) LastSeen() time.Time {
	return time.UnixMilli(u.lastSeen.Load())
}

// Outbox exposes the queue so the connection writer can drain it.
func (u *User) Outbox() *Outbox { return u.outbox }

// UserHub is the process-wide routing table of identified sessions.
type UserHub struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewUserHub() *UserHub {
	return &UserHub{users: make(map[string]*User)}
}

// Register adds a user. A second IDENTIFY with the same id replaces the
// prior entry outright; the displaced entry (if any) is returned so the
// caller can retire its connection.
func (h *UserHub) Register(id string, outbox *Outbox, priority int) (*User, *User) {
	u := NewUser(id, outbox, priority)
	h.mu.Lock()
	prev := h.users[id]
	h.users[id] = u
	h.mu.Unlock()
	return u, prev
}

// Unregister removes id if (and only if) it still maps to the expected
// user; a nil expected removes unconditionally. The conditional form
// keeps a replaced session's late cleanup from tearing down its
// successor.
func (h *UserHub) Unregister(id string, expected *User) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if expected == nil || h.users[id] == expected {
		delete(h.users, id)
	}
}

func (h *UserHub) Get(id string) (*User, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	u, ok := h.users[id]
	return u, ok
}

func (h *UserHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// AllUsers returns a snapshot for admin views.
func (h *UserHub) AllUsers() []*User {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*User, 0, len(h.users))
	for _, u := range h.users {
		out = append(out, u)
	}
	return out
}

// BroadcastTo fans a frame out to each member's outbox, optionally
// excluding one user (typically the event's originator). Delivery
// failures are per-user; the fan-out always completes.
func (h *UserHub) BroadcastTo(members map[string]struct{}, frame []byte, exclude string) {
	h.mu.RLock()
	targets := make([]*User, 0, len(members))
	for id := range members {
		if id == exclude {
			continue
		}
		if u, ok := h.users[id]; ok {
			targets = append(targets, u)
		}
	}
	h.mu.RUnlock()

	for _, u := range targets {
		u.Send(frame)
	}
}

// FindZombies returns the ids of users whose last_seen lag exceeds
// timeout.
func (h *UserHub) FindZombies(timeout time.Duration) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := time.Now().Add(-timeout)
	var zombies []string
	for id, u := range h.users {
		if u.LastSeen().Before(cutoff) {
			zombies = append(zombies, id)
		}
	}
	return zombies
}
