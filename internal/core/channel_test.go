package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/minilivechat/internal/floor"
)

func newHub() *ChannelHub {
	return NewChannelHub(func() *floor.FloorControl {
		return floor.New(30*time.Second, 6*time.Second)
	})
}

func TestCreateAndGetChannel(t *testing.T) {
	hub := newHub()
	hub.Create("CH_001", "0001", "test", ModePTT, 10)
	_, ok := hub.Get("CH_001")
	assert.True(t, ok)
	_, ok = hub.Get("CH_999")
	assert.False(t, ok)
}

func TestCreateDuplicateReturnsExisting(t *testing.T) {
	hub := newHub()
	first := hub.Create("CH_001", "0001", "first", ModePTT, 10)
	second := hub.Create("CH_001", "0001", "second", ModeConference, 20)

	assert.Same(t, first, second)
	assert.Equal(t, 1, hub.Count())
	// First writer wins, including capacity and mode.
	assert.Equal(t, 10, second.Capacity)
	assert.Equal(t, ModePTT, second.Mode)
	assert.Equal(t, "first", second.Name)
}

func TestRemoveChannelTrueExactlyOnce(t *testing.T) {
	hub := newHub()
	hub.Create("CH_001", "0001", "test", ModePTT, 10)
	assert.True(t, hub.Remove("CH_001"))
	assert.False(t, hub.Remove("CH_001"))
	assert.Equal(t, 0, hub.Count())
}

func TestAddMemberCapacity(t *testing.T) {
	hub := newHub()
	ch := hub.Create("CH_001", "0001", "test", ModePTT, 2)
	require.NoError(t, ch.AddMember("a"))
	require.NoError(t, ch.AddMember("b"))

	err := ch.AddMember("c")
	assert.ErrorIs(t, err, ErrChannelFull)
	assert.Equal(t, 2, ch.MemberCount())
}

func TestAddMemberDuplicate(t *testing.T) {
	hub := newHub()
	ch := hub.Create("CH_001", "0001", "test", ModePTT, 10)
	require.NoError(t, ch.AddMember("alice"))

	err := ch.AddMember("alice")
	assert.ErrorIs(t, err, ErrAlreadyInChannel)
	assert.Equal(t, 1, ch.MemberCount())
}

func TestRemoveMemberAndMembers(t *testing.T) {
	hub := newHub()
	ch := hub.Create("CH_001", "0001", "test", ModePTT, 10)
	require.NoError(t, ch.AddMember("alice"))
	require.NoError(t, ch.AddMember("bob"))

	ch.RemoveMember("alice")
	ch.RemoveMember("alice") // idempotent

	members := ch.Members()
	assert.Len(t, members, 1)
	_, ok := members["bob"]
	assert.True(t, ok)
}

func TestCountFloorTaken(t *testing.T) {
	hub := newHub()
	a := hub.Create("CH_001", "0001", "a", ModePTT, 10)
	hub.Create("CH_002", "0002", "b", ModePTT, 10)
	assert.Equal(t, 0, hub.CountFloorTaken())

	a.Floor.Request("alice", 100, floor.Normal, time.Now())
	assert.Equal(t, 1, hub.CountFloorTaken())
}

func TestChannelModeFromString(t *testing.T) {
	assert.Equal(t, ModePTT, ChannelModeFromString("ptt"))
	assert.Equal(t, ModeConference, ChannelModeFromString("conference"))
	assert.Equal(t, ModePTT, ChannelModeFromString(""))
	assert.Equal(t, ModePTT, ChannelModeFromString("bogus"))
}
