package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zac.app/discovery/internal/realtime"
	"zac.app/discovery/internal/store"
)

func matchedEvent(convID, requestID string) realtime.RequestMatched {
	return realtime.RequestMatched{
		RequestID:      requestID,
		ConversationID: convID,
		Kind:           store.KindTopic,
		Topic:          "startup advice",
		User1:          realtime.Participant{ID: "a", Username: "a-name", TrustScore: 100},
		User2:          realtime.Participant{ID: "b", Username: "b-name", TrustScore: 100},
	}
}

func TestMachine_Lifecycle(t *testing.T) {
	m := NewMachine("b")
	assert.Equal(t, Idle, m.State())

	m.Apply(realtime.RequestCreated{Request: store.Request{ID: "r1", Status: store.StatusActive}})
	require.Len(t, m.Snapshot().Feed, 1)

	assert.Equal(t, []Frame{{Type: "match_request", RequestID: "r1"}}, m.Match("r1"))

	frames := m.Apply(matchedEvent("c1", "r1"))
	assert.Equal(t, []Frame{{Type: "join", ConversationID: "c1"}}, frames)
	assert.Equal(t, Connecting, m.State())
	snap := m.Snapshot()
	assert.Empty(t, snap.Feed)
	assert.Equal(t, "a", snap.Partner.ID)

	assert.Nil(t, m.Send("too early"), "nothing is sent before the channel is joined")

	m.Apply(realtime.Joined{ConversationID: "other"})
	assert.Equal(t, Connecting, m.State())
	m.Apply(realtime.Joined{ConversationID: "c1"})
	assert.Equal(t, Live, m.State())

	assert.Equal(t, []Frame{{Type: "send_message", ConversationID: "c1", Content: "hi"}}, m.Send("hi"))
	m.Apply(realtime.MessageAppended{Message: store.Message{ID: 1, ConversationID: "c1", SenderID: "b", Content: "hi"}})
	m.Apply(realtime.MessageAppended{Message: store.Message{ID: 9, ConversationID: "elsewhere", Content: "noise"}})
	require.Len(t, m.Snapshot().Messages, 1)

	m.Apply(realtime.MessageRejected{ConversationID: "c1", Reason: "Harassment is not allowed."})
	assert.Equal(t, "Harassment is not allowed.", m.Snapshot().Warning)

	up := 1
	assert.Equal(t, []Frame{{Type: "end_session", ConversationID: "c1", Rating: &up}}, m.End(&up))
	assert.Equal(t, Ended, m.State())
	assert.Nil(t, m.End(&up), "end is sent once")

	m.Apply(realtime.SessionSummary{ConversationID: "c1", Summary: "nice", PartnerID: "a"})
	require.NotNil(t, m.Snapshot().Summary)
	assert.Equal(t, "nice", m.Snapshot().Summary.Summary)
}

func TestMachine_PartnerEnds(t *testing.T) {
	m := NewMachine("a")
	m.Apply(matchedEvent("c1", "r1"))
	m.Apply(realtime.Joined{ConversationID: "c1"})

	m.Apply(realtime.SessionEnded{ConversationID: "c1", EndedBy: "b"})
	assert.Equal(t, Ended, m.State())
	assert.Nil(t, m.Send("hello?"))

	down := -1
	assert.Equal(t, []Frame{{Type: "end_session", ConversationID: "c1", Rating: &down}}, m.End(&down),
		"the remaining participant can still end and rate")
}

func TestMachine_IgnoresOtherPairs(t *testing.T) {
	m := NewMachine("c")
	m.Apply(realtime.RequestCreated{Request: store.Request{ID: "r1", Status: store.StatusActive}})

	assert.Nil(t, m.Apply(matchedEvent("c1", "r1")))
	assert.Equal(t, Idle, m.State())
	assert.Empty(t, m.Snapshot().Feed, "matched requests leave the feed")
	assert.Nil(t, m.End(nil))
}

func TestMachine_LostMatchLeavesFeed(t *testing.T) {
	m := NewMachine("c")
	m.Apply(realtime.RequestCreated{Request: store.Request{ID: "r1", Status: store.StatusActive}})
	m.Apply(realtime.RequestCreated{Request: store.Request{ID: "r2", Status: store.StatusActive}})

	assert.Equal(t, []Frame{{Type: "match_request", RequestID: "r1"}}, m.Match("r1"))
	assert.Equal(t, Idle, m.State(), "a lost race sends nothing back")
	feed := m.Snapshot().Feed
	require.Len(t, feed, 1)
	assert.Equal(t, "r2", feed[0].ID)
}

func TestMachine_ResetFeed(t *testing.T) {
	m := NewMachine("c")
	m.Apply(realtime.RequestCreated{Request: store.Request{ID: "stale", Status: store.StatusActive}})

	m.ResetFeed([]store.Request{
		{ID: "r3", Status: store.StatusActive},
		{ID: "r4", Status: store.StatusMatched},
	})
	feed := m.Snapshot().Feed
	require.Len(t, feed, 1)
	assert.Equal(t, "r3", feed[0].ID)
}

func TestMachine_BusyIgnoresSecondMatch(t *testing.T) {
	m := NewMachine("b")
	m.Apply(matchedEvent("c1", "r1"))
	assert.Nil(t, m.Match("r2"))
	assert.Nil(t, m.Apply(matchedEvent("c2", "r2")))
	assert.Equal(t, "c1", m.Snapshot().ConversationID)
}

func TestMachine_NewMatchAfterEnd(t *testing.T) {
	m := NewMachine("b")
	m.Apply(matchedEvent("c1", "r1"))
	m.End(nil)
	m.Apply(realtime.SessionSummary{ConversationID: "c1", Summary: "done"})

	frames := m.Apply(matchedEvent("c2", "r2"))
	assert.Equal(t, []Frame{{Type: "join", ConversationID: "c2"}}, frames)
	snap := m.Snapshot()
	assert.Equal(t, Connecting, snap.State)
	assert.Nil(t, snap.Summary)
	assert.Empty(t, snap.Messages)
}

func TestWebSocketURL(t *testing.T) {
	u, err := WebSocketURL("http://localhost:8080", "tok")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?token=tok", u)

	u, err = WebSocketURL("https://zac.app/", "a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://zac.app/ws?token=a+b", u)

	_, err = WebSocketURL("ftp://zac.app", "tok")
	assert.Error(t, err)
}
