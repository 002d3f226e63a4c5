package reaper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lanikai/minilivechat/internal/core"
)

type fakeDisposer struct {
	users *core.UserHub
	dead  []string
}

func (f *fakeDisposer) Reap(userID string) {
	f.dead = append(f.dead, userID)
	f.users.Unregister(userID, nil)
}

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) CheckFloorTimeouts(time.Time) { f.calls++ }

type fakeSessions struct{ stale []string }

func (f *fakeSessions) RemoveStale() []string { return f.stale }

func TestSweepReapsZombiesAndChecksFloors(t *testing.T) {
	users := core.NewUserHub()
	peers := core.NewMediaPeerHub()
	users.Register("stale", core.NewOutbox(4), 100)
	peers.Insert("staleUfrag", "pwd", "stale", "CH")

	disposer := &fakeDisposer{users: users}
	sweeper := &fakeSweeper{}
	r := &Reaper{
		Interval:      time.Hour,
		ZombieTimeout: time.Millisecond,
		Users:         users,
		Peers:         peers,
		Sessions:      &fakeSessions{stale: []string{"192.0.2.1:5000"}},
		Disposer:      disposer,
		Floors:        sweeper,
	}

	time.Sleep(5 * time.Millisecond)
	r.Sweep(time.Now())

	assert.Equal(t, []string{"stale"}, disposer.dead)
	assert.Equal(t, 0, peers.Count())
	assert.Equal(t, 1, sweeper.calls)
}

func TestSweepLeavesFreshEntriesAlone(t *testing.T) {
	users := core.NewUserHub()
	peers := core.NewMediaPeerHub()
	users.Register("fresh", core.NewOutbox(4), 100)
	peers.Insert("freshUfrag", "pwd", "fresh", "CH")

	disposer := &fakeDisposer{users: users}
	r := &Reaper{
		Interval:      time.Hour,
		ZombieTimeout: time.Minute,
		Users:         users,
		Peers:         peers,
		Disposer:      disposer,
		Floors:        &fakeSweeper{},
	}

	r.Sweep(time.Now())

	assert.Empty(t, disposer.dead)
	assert.Equal(t, 1, users.Count())
	assert.Equal(t, 1, peers.Count())
}
