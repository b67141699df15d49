package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s *Session) []Message {
	var out []Message
	for {
		select {
		case msg, ok := <-s.Receive():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestHubBroadcastReachesOnlyGroupMembers(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	a := hub.NewSession()
	b := hub.NewSession()
	hub.Subscribe(a, AgentGroup("one"))
	hub.Subscribe(b, AgentGroup("two"))

	hub.Broadcast(AgentGroup("one"), newMessage(MsgUpdate, "", nil))

	require.Len(t, drain(a), 1)
	assert.Empty(t, drain(b))
}

func TestHubSessionInMultipleGroups(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	s := hub.NewSession()
	hub.Subscribe(s, GroupAdmins)
	hub.Subscribe(s, AgentLogGroup("one"))

	hub.Broadcast(GroupAdmins, newMessage(MsgCertificateLogLine, "", nil))
	hub.Broadcast(AgentLogGroup("one"), newMessage(MsgAgentLogLine, "", nil))
	require.Len(t, drain(s), 2)

	hub.Unsubscribe(s, AgentLogGroup("one"))
	hub.Broadcast(AgentLogGroup("one"), newMessage(MsgAgentLogLine, "", nil))
	assert.Empty(t, drain(s))
}

func TestHubCount(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	assert.Equal(t, 0, hub.Count(AgentGroup("one")))

	a := hub.NewSession()
	b := hub.NewSession()
	hub.Subscribe(a, AgentGroup("one"))
	hub.Subscribe(b, AgentGroup("one"))
	assert.Equal(t, 2, hub.Count(AgentGroup("one")))

	hub.Close(a)
	assert.Equal(t, 1, hub.Count(AgentGroup("one")))
}

func TestHubCloseStopsDelivery(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	s := hub.NewSession()
	hub.Subscribe(s, GroupAdmins)
	hub.Close(s)

	// Sends after close are dropped, not panicking on a closed channel.
	hub.Broadcast(GroupAdmins, newMessage(MsgUpdate, "", nil))
	s.Send(newMessage(MsgUpdate, "", nil))

	_, open := <-s.Receive()
	assert.False(t, open)
}

func TestHubFullQueueDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	s := hub.NewSession()
	hub.Subscribe(s, GroupAdmins)

	for range 100 {
		hub.Broadcast(GroupAdmins, newMessage(MsgUpdate, "", nil))
	}
	assert.Len(t, drain(s), cap(s.send))
}
