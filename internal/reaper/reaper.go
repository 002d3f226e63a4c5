// Package reaper runs the periodic maintenance sweep: zombie users
// (no signaling traffic within the grace period), zombie media
// endpoints (no UDP traffic), broken DTLS handshake sessions, and the
// floor timeout check. A single ticker goroutine drives all four, in
// that order.
package reaper

import (
	"context"
	"time"

	"github.com/lanikai/minilivechat/internal/core"
	"github.com/lanikai/minilivechat/internal/logging"
)

var log = logging.DefaultLogger.WithTag("reaper")

// SessionDisposer force-disconnects a zombie user and runs the same
// cleanup a socket close would. Satisfied by signaling.Server.
type SessionDisposer interface {
	Reap(userID string)
}

// FloorSweeper checks every channel for floor ping/max-duration expiry.
// Satisfied by signaling.Server.
type FloorSweeper interface {
	CheckFloorTimeouts(now time.Time)
}

// StaleSessionRemover drops DTLS handshake sessions whose worker has
// exited. Satisfied by media.DtlsSessionMap.
type StaleSessionRemover interface {
	RemoveStale() []string
}

// Reaper owns the ticker driving the sweeps.
type Reaper struct {
	Interval      time.Duration
	ZombieTimeout time.Duration

	Users    *core.UserHub
	Peers    *core.MediaPeerHub
	Sessions StaleSessionRemover
	Disposer SessionDisposer
	Floors   FloorSweeper
}

// Run blocks until ctx is cancelled, sweeping every Interval. The first
// tick fires one full interval after start.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	log.Info("reaper started (interval=%s, zombie timeout=%s)", r.Interval, r.ZombieTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep performs one pass. Exposed for tests; operations are idempotent
// so a sweep racing live disconnects is harmless.
func (r *Reaper) Sweep(now time.Time) {
	deadUsers := r.Users.FindZombies(r.ZombieTimeout)
	for _, id := range deadUsers {
		log.Info("reaping user %s (no heartbeat)", id)
		r.Disposer.Reap(id)
	}

	deadPeers := r.Peers.FindZombies(r.ZombieTimeout)
	for _, ufrag := range deadPeers {
		log.Info("reaping peer %s (no media)", ufrag)
		r.Peers.Remove(ufrag)
	}

	var stale []string
	if r.Sessions != nil {
		stale = r.Sessions.RemoveStale()
		for _, addr := range stale {
			log.Debug("dropped finished DTLS session for %s", addr)
		}
	}

	if r.Floors != nil {
		r.Floors.CheckFloorTimeouts(now)
	}

	if n := len(deadUsers) + len(deadPeers) + len(stale); n > 0 {
		log.Info("reaper cleaned %d user(s), %d peer(s), %d dtls session(s)",
			len(deadUsers), len(deadPeers), len(stale))
	}
}
