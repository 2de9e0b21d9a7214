// Package client is the consuming side of the realtime protocol: a per-client session state
// machine driven by typed events, and a websocket loop that feeds it.
package client

import (
	"zac.app/discovery/internal/realtime"
	"zac.app/discovery/internal/store"
)

type State int

const (
	Idle State = iota
	Connecting
	Live
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Ended:
		return "ended"
	}
	return "unknown"
}

// Frame is an outbound websocket frame.
type Frame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Rating         *int   `json:"rating,omitempty"`
}

// Snapshot is a copy of the machine's state safe to hand to other goroutines.
type Snapshot struct {
	State          State
	ConversationID string
	Partner        realtime.Participant
	Feed           []store.Request
	Messages       []store.Message
	Summary        *realtime.SessionSummary
	Warning        string
	LastError      string
}

// Machine tracks one user's view of the app. It is not safe for concurrent use; a Client
// drives it from a single goroutine.
type Machine struct {
	userID string
	state  State

	conversationID string
	partner        realtime.Participant
	feed           []store.Request
	messages       []store.Message
	summary        *realtime.SessionSummary
	warning        string
	lastError      string
	endSent        bool
}

func NewMachine(userID string) *Machine {
	return &Machine{userID: userID, state: Idle}
}

func (m *Machine) State() State { return m.state }

// Apply folds a server event into the state and returns the frames the client should send in
// response.
func (m *Machine) Apply(ev realtime.Event) []Frame {
	switch e := ev.(type) {
	case realtime.RequestCreated:
		if e.Request.Status == store.StatusActive {
			m.feed = append(m.feed, e.Request)
		}

	case realtime.RequestMatched:
		m.removeFromFeed(e.RequestID)
		partner, mine := e.Partner(m.userID)
		if !mine || m.state == Connecting || m.state == Live {
			return nil
		}
		m.state = Connecting
		m.conversationID = e.ConversationID
		m.partner = partner
		m.messages = nil
		m.summary = nil
		m.warning = ""
		m.endSent = false
		return []Frame{{Type: "join", ConversationID: e.ConversationID}}

	case realtime.Joined:
		if m.state == Connecting && e.ConversationID == m.conversationID {
			m.state = Live
		}

	case realtime.MessageAppended:
		if e.Message.ConversationID == m.conversationID && (m.state == Connecting || m.state == Live) {
			m.messages = append(m.messages, e.Message)
			if e.Message.SenderID == m.userID {
				m.warning = ""
			}
		}

	case realtime.MessageRejected:
		if e.ConversationID == m.conversationID {
			m.warning = e.Reason
		}

	case realtime.SessionEnded:
		if e.ConversationID == m.conversationID && e.EndedBy != m.userID && m.state != Ended {
			m.state = Ended
		}

	case realtime.SessionSummary:
		if e.ConversationID == m.conversationID {
			summary := e
			m.summary = &summary
		}

	case realtime.ErrorReply:
		m.lastError = e.Message
	}
	return nil
}

// Match asks to pair with an active request. Ignored while a session is in progress.
// The request leaves the local feed either way: a won race reports request_matched, and a lost
// one is silent, so it would otherwise linger.
func (m *Machine) Match(requestID string) []Frame {
	if requestID == "" || m.state == Connecting || m.state == Live {
		return nil
	}
	m.removeFromFeed(requestID)
	return []Frame{{Type: "match_request", RequestID: requestID}}
}

// ResetFeed replaces the local feed with a fresh copy of the active requests. request_matched only
// reaches the two participants, so other clients refetch GET /api/requests/active to drop pairings
// they were never told about.
func (m *Machine) ResetFeed(requests []store.Request) {
	m.feed = m.feed[:0]
	for _, req := range requests {
		if req.Status == store.StatusActive {
			m.feed = append(m.feed, req)
		}
	}
}

// Send relays content to the live session.
func (m *Machine) Send(content string) []Frame {
	if m.state != Live || content == "" {
		return nil
	}
	return []Frame{{Type: "send_message", ConversationID: m.conversationID, Content: content}}
}

// End closes the local side of the session. A partner who already left does not stop us
// from ending and rating.
func (m *Machine) End(rating *int) []Frame {
	if m.conversationID == "" || m.endSent || m.state == Idle {
		return nil
	}
	m.state = Ended
	m.endSent = true
	return []Frame{{Type: "end_session", ConversationID: m.conversationID, Rating: rating}}
}

func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:          m.state,
		ConversationID: m.conversationID,
		Partner:        m.partner,
		Feed:           append([]store.Request(nil), m.feed...),
		Messages:       append([]store.Message(nil), m.messages...),
		Summary:        m.summary,
		Warning:        m.warning,
		LastError:      m.lastError,
	}
}

func (m *Machine) removeFromFeed(requestID string) {
	for i, req := range m.feed {
		if req.ID == requestID {
			m.feed = append(m.feed[:i], m.feed[i+1:]...)
			return
		}
	}
}
