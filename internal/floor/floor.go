// Package floor implements the MBCP-style (3GPP TS 24.380) floor
// control state machine: one active speaker per channel, priority
// preemption, FIFO-within-priority queueing, and ping/max-duration
// timeouts.
//
// Every mutating method performs its whole transition under one lock
// acquisition and returns a plain value describing what happened; the
// caller builds and sends the resulting signaling frames after the
// method has returned. No I/O ever happens while the lock is held.
package floor

import (
	"sync"
	"time"
)

// Indicator classifies a floor request (MBCP Floor Indicator).
// Emergency preempts regardless of numeric priority.
type Indicator int

const (
	Normal Indicator = iota
	Broadcast
	ImminentPeril
	Emergency
)

func (i Indicator) String() string {
	switch i {
	case Broadcast:
		return "broadcast"
	case ImminentPeril:
		return "imminent_peril"
	case Emergency:
		return "emergency"
	default:
		return "normal"
	}
}

// IndicatorFromString is lossy: unknown values map to Normal.
func IndicatorFromString(s string) Indicator {
	switch s {
	case "broadcast":
		return Broadcast
	case "imminent_peril":
		return ImminentPeril
	case "emergency":
		return Emergency
	default:
		return Normal
	}
}

// State is the MBCP "G:" server state for one channel.
type State int

const (
	Idle State = iota
	Taken
)

// Cause names why a holder lost the floor, sent verbatim in the
// FLOOR_REVOKE payload.
type Cause string

const (
	CausePreempted   Cause = "preempted"
	CausePingTimeout Cause = "ping_timeout"
	CauseMaxDuration Cause = "max_duration"
	CauseAdminRevoke Cause = "admin_revoke"
)

// QueueEntry is one pending floor request.
type QueueEntry struct {
	UserID    string
	Priority  int
	Indicator Indicator
	QueuedAt  time.Time
}

// FloorControl is the per-channel floor state. One instance per channel,
// created alongside the channel itself.
type FloorControl struct {
	mu sync.Mutex

	state      State
	holder     string
	takenAt    time.Time
	priority   int
	indicator  Indicator
	queue      []QueueEntry
	lastPingAt time.Time

	maxTaken    time.Duration
	pingTimeout time.Duration
}

func New(maxTaken, pingTimeout time.Duration) *FloorControl {
	return &FloorControl{maxTaken: maxTaken, pingTimeout: pingTimeout}
}

// Snapshot is a consistent copy of the floor state, for admin views and
// the FLOOR_TAKEN notice sent to late joiners.
type Snapshot struct {
	State     State
	Holder    string
	Priority  int
	Indicator Indicator
	TakenAt   time.Time
	Queue     []QueueEntry
}

func (f *FloorControl) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := make([]QueueEntry, len(f.queue))
	copy(q, f.queue)
	return Snapshot{
		State:     f.state,
		Holder:    f.holder,
		Priority:  f.priority,
		Indicator: f.indicator,
		TakenAt:   f.takenAt,
		Queue:     q,
	}
}

// IsGrantedTo is the media-plane floor gate: it reports whether userID
// is the current holder. This is the sole enforcement point of
// one-speaker-at-a-time on the data path.
func (f *FloorControl) IsGrantedTo(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == Taken && f.holder == userID
}

func (f *FloorControl) IsTaken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == Taken
}

// grantLocked installs userID as holder. last ping is initialized to the
// grant time so the ping-timeout predicate works before the first PING.
func (f *FloorControl) grantLocked(userID string, priority int, ind Indicator, now time.Time) {
	f.state = Taken
	f.holder = userID
	f.takenAt = now
	f.priority = priority
	f.indicator = ind
	f.lastPingAt = now
}

func (f *FloorControl) clearTakenLocked() {
	f.state = Idle
	f.holder = ""
	f.takenAt = time.Time{}
	f.priority = 0
	f.indicator = Normal
	f.lastPingAt = time.Time{}
}

// enqueueLocked inserts at the first position whose priority is strictly
// lower; equal priorities keep FIFO order. A user already queued is
// replaced.
func (f *FloorControl) enqueueLocked(userID string, priority int, ind Indicator, now time.Time) {
	kept := f.queue[:0]
	for _, e := range f.queue {
		if e.UserID != userID {
			kept = append(kept, e)
		}
	}
	f.queue = kept

	entry := QueueEntry{UserID: userID, Priority: priority, Indicator: ind, QueuedAt: now}
	pos := len(f.queue)
	for i, e := range f.queue {
		if e.Priority < entry.Priority {
			pos = i
			break
		}
	}
	f.queue = append(f.queue, QueueEntry{})
	copy(f.queue[pos+1:], f.queue[pos:])
	f.queue[pos] = entry
}

func (f *FloorControl) dequeueNextLocked() (QueueEntry, bool) {
	if len(f.queue) == 0 {
		return QueueEntry{}, false
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	return next, true
}

func (f *FloorControl) queuePositionLocked(userID string) int {
	for i, e := range f.queue {
		if e.UserID == userID {
			return i + 1
		}
	}
	return 0
}

func (f *FloorControl) canPreemptLocked(priority int, ind Indicator) bool {
	if f.state != Taken {
		return false
	}
	if ind == Emergency {
		return true
	}
	return priority > f.priority
}

// decideNextLocked runs after the holder slot has been vacated: grant
// the queue head if any, else go Idle.
func (f *FloorControl) decideNextLocked(now time.Time) *QueueEntry {
	if next, ok := f.dequeueNextLocked(); ok {
		f.grantLocked(next.UserID, next.Priority, next.Indicator, now)
		return &next
	}
	f.clearTakenLocked()
	return nil
}

// RequestOutcome tells the signaling layer which frames to send after a
// Request call.
type RequestOutcome int

const (
	// Granted: floor was Idle (or re-requested by the holder); send
	// FLOOR_GRANTED to the requester and FLOOR_TAKEN to everyone else.
	Granted RequestOutcome = iota
	// Preempted: requester displaced OldHolder; additionally send
	// FLOOR_REVOKE{cause=preempted} to OldHolder.
	Preempted
	// Queued: send FLOOR_QUEUE_POS_INFO{Position, Size} to the
	// requester only.
	Queued
)

type RequestResult struct {
	Outcome   RequestOutcome
	Indicator Indicator
	OldHolder string // Preempted only
	Position  int    // Queued only, 1-based
	Size      int    // Queued only
}

// Request handles FLOOR_REQUEST.
func (f *FloorControl) Request(userID string, priority int, ind Indicator, now time.Time) RequestResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == Idle {
		f.grantLocked(userID, priority, ind, now)
		return RequestResult{Outcome: Granted, Indicator: ind}
	}

	if f.holder == userID {
		// Re-request by the current holder: refresh liveness and
		// re-acknowledge the grant.
		f.lastPingAt = now
		return RequestResult{Outcome: Granted, Indicator: f.indicator}
	}

	if f.canPreemptLocked(priority, ind) {
		old := f.holder
		f.grantLocked(userID, priority, ind, now)
		return RequestResult{Outcome: Preempted, Indicator: ind, OldHolder: old}
	}

	f.enqueueLocked(userID, priority, ind, now)
	return RequestResult{
		Outcome:  Queued,
		Position: f.queuePositionLocked(userID),
		Size:     len(f.queue),
	}
}

// Release handles FLOOR_RELEASE. A non-holder release is silently
// ignored (ok=false): the client may have just lost the floor to a
// preemption or timeout it hasn't observed yet. On ok=true, next is the
// newly granted queue head, or nil when the channel went Idle.
func (f *FloorControl) Release(userID string, now time.Time) (next *QueueEntry, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Taken || f.holder != userID {
		return nil, false
	}
	return f.decideNextLocked(now), true
}

// Ping handles FLOOR_PING: only the holder refreshes last_ping_at and
// gets a FLOOR_PONG (ok=true). Anyone else is ignored.
func (f *FloorControl) Ping(userID string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Taken || f.holder != userID {
		return false
	}
	f.lastPingAt = now
	return true
}

// Disconnect removes userID from the queue and, if it held the floor,
// vacates it. wasHolder=false means nothing else to do; on true, next
// follows the same convention as Release.
func (f *FloorControl) Disconnect(userID string, now time.Time) (next *QueueEntry, wasHolder bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.queue[:0]
	for _, e := range f.queue {
		if e.UserID != userID {
			kept = append(kept, e)
		}
	}
	f.queue = kept

	if f.state != Taken || f.holder != userID {
		return nil, false
	}
	return f.decideNextLocked(now), true
}

// Timeout is the result of one CheckTimeouts pass that found an expired
// holder.
type Timeout struct {
	Cause  Cause
	Holder string
	Next   *QueueEntry // nil when the channel went Idle
}

// CheckTimeouts is invoked by the reaper. Max-duration takes precedence
// over ping timeout when both have elapsed.
func (f *FloorControl) CheckTimeouts(now time.Time) (Timeout, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Taken {
		return Timeout{}, false
	}

	var cause Cause
	switch {
	case now.Sub(f.takenAt) >= f.maxTaken:
		cause = CauseMaxDuration
	case now.Sub(f.lastPingAt) >= f.pingTimeout:
		cause = CausePingTimeout
	default:
		return Timeout{}, false
	}

	holder := f.holder
	next := f.decideNextLocked(now)
	return Timeout{Cause: cause, Holder: holder, Next: next}, true
}

// AdminRevoke clears the holder and the whole queue unconditionally.
// prior is the displaced holder ("" if the floor was already Idle).
func (f *FloorControl) AdminRevoke() (prior string, wasTaken bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prior = f.holder
	wasTaken = f.state == Taken
	f.queue = nil
	f.clearTakenLocked()
	return prior, wasTaken
}

// QueueLen is used by admin snapshots.
func (f *FloorControl) QueueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}
