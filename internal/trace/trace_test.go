package trace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	hub := NewHub()
	hub.Publish(NewEvent(DirSys, "", "", 0, "TEST", "no subscriber"))
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestSubscriberReceivesEvent(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	defer sub.Cancel()

	hub.Publish(NewEvent(DirIn, "CH_001", "alice", 30, "FLOOR_REQUEST", "user=alice"))

	ev := <-sub.Events()
	assert.Equal(t, DirIn, ev.Dir)
	assert.Equal(t, "CH_001", ev.ChannelID)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, 30, ev.Op)
	assert.Equal(t, "FLOOR_REQUEST", ev.OpName)
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	hub := NewHub()
	s1 := hub.Subscribe()
	s2 := hub.Subscribe()
	defer s1.Cancel()
	defer s2.Cancel()

	hub.Publish(NewEvent(DirOut, "", "", 0, "HELLO", ""))

	assert.Equal(t, "HELLO", (<-s1.Events()).OpName)
	assert.Equal(t, "HELLO", (<-s2.Events()).OpName)
}

func TestSlowSubscriberLosesOldest(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	defer sub.Cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(NewEvent(DirSys, "", "", i, "N", ""))
	}

	// The first events were dropped; the feed starts past them.
	first := <-sub.Events()
	assert.Greater(t, first.Op, 0)

	// The newest event is still present.
	var last Event
	last = first
	for {
		select {
		case ev := <-sub.Events():
			last = ev
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer+9, last.Op)
}

func TestCancelDetaches(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()
	require.Equal(t, 1, hub.SubscriberCount())

	sub.Cancel()
	sub.Cancel() // safe twice
	assert.Equal(t, 0, hub.SubscriberCount())

	hub.Publish(NewEvent(DirSys, "", "", 0, "AFTER", ""))
	select {
	case <-sub.Events():
		t.Fatal("cancelled subscription received an event")
	default:
	}
}

func TestEventSerializesToJSON(t *testing.T) {
	ev := NewEvent(DirSys, "CH", "u1", 114, "FLOOR_REVOKE", "cause=ping_timeout")
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"dir":"sys"`)
	assert.Contains(t, string(b), `"op":114`)
	assert.Contains(t, string(b), `"op_name":"FLOOR_REVOKE"`)
}
