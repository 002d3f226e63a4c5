// Package trace is the in-process publish-subscribe bus for signaling
// observability. Handlers publish an Event on every meaningful
// transition; the HTTP SSE surface subscribes live observers. Nothing is
// persisted.
//
// Publishing with no subscribers is a no-op. A slow subscriber loses the
// oldest events: each subscription is a bounded buffer with drop-oldest
// overflow, so the publisher never blocks on an observer.
package trace

import (
	"sync"
	"time"
)

// Buffered events per subscriber before the oldest are dropped.
const subscriberBuffer = 512

// Dir is the direction of an observed event.
type Dir string

const (
	DirIn  Dir = "in"  // client → server
	DirOut Dir = "out" // server → client
	DirSys Dir = "sys" // server internal (reaper, admin)
)

// Event is one observable signaling transition.
type Event struct {
	TS        int64  `json:"ts"` // unix millis
	Dir       Dir    `json:"dir"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Op        int    `json:"op"`
	OpName    string `json:"op_name"`
	Summary   string `json:"summary"`
}

func NewEvent(dir Dir, channelID, userID string, op int, opName, summary string) Event {
	return Event{
		TS:        time.Now().UnixMilli(),
		Dir:       dir,
		ChannelID: channelID,
		UserID:    userID,
		Op:        op,
		OpName:    opName,
		Summary:   summary,
	}
}

// Hub fans events out to the current subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscription is one observer's bounded event feed.
type Subscription struct {
	hub    *Hub
	events chan Event
	once   sync.Once
}

// Events yields this subscriber's feed.
func (s *Subscription) Events() <-chan Event { return s.events }

// Cancel detaches the subscription; the events channel stops receiving
// and is eventually garbage collected. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
	})
}

// Subscribe attaches a new observer.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{hub: h, events: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscriber, dropping the oldest buffered
// event of any subscriber that has fallen behind.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.events <- ev:
			continue
		default:
		}
		select {
		case <-sub.events:
		default:
		}
		select {
		case sub.events <- ev:
		default:
		}
	}
}

// SubscriberCount is exposed on the admin status view.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
