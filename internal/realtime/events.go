package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"zac.app/discovery/internal/store"
)

type EventType string

const (
	TypeRequestCreated  EventType = "request_created"
	TypeMessageAppended EventType = "message_appended"
	TypeRequestMatched  EventType = "request_matched"
	TypeSessionEnded    EventType = "session_ended"

	// Direct replies to a single connection.
	TypeConnected       EventType = "connected"
	TypeJoined          EventType = "joined"
	TypeLeft            EventType = "left"
	TypeError           EventType = "error"
	TypeMessageRejected EventType = "message_rejected"
	TypeSessionSummary  EventType = "session_summary"
)

const FeedChannel = "feed"

func UserChannel(userID string) string { return "user:" + userID }

func ConversationChannel(conversationID string) string { return "conversation:" + conversationID }

// Event is the closed set of payloads carried over the broadcast layer.
type Event interface {
	Type() EventType
}

type RequestCreated struct {
	Request store.Request `json:"request"`
}

type MessageAppended struct {
	Message store.Message `json:"message"`
}

type Participant struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Avatar     string `json:"avatar"`
	TrustScore int    `json:"trust_score"`
}

type RequestMatched struct {
	RequestID      string            `json:"request_id"`
	ConversationID string            `json:"conversation_id"`
	Kind           store.RequestKind `json:"kind"`
	Topic          string            `json:"topic"`
	User1          Participant       `json:"user1"`
	User2          Participant       `json:"user2"`
}

// Partner returns the participant opposite userID. ok is false when userID is not in the pair.
func (e RequestMatched) Partner(userID string) (p Participant, ok bool) {
	switch userID {
	case e.User1.ID:
		return e.User2, true
	case e.User2.ID:
		return e.User1, true
	}
	return Participant{}, false
}

type SessionEnded struct {
	ConversationID string `json:"conversation_id"`
	EndedBy        string `json:"ended_by"`
}

type Connected struct {
	UserID string `json:"user_id"`
}

type Joined struct {
	ConversationID string `json:"conversation_id"`
}

type Left struct {
	ConversationID string `json:"conversation_id"`
}

type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

type MessageRejected struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}

type SessionSummary struct {
	ConversationID string `json:"conversation_id"`
	Summary        string `json:"summary"`
	Fallback       bool   `json:"fallback"`
	PartnerID      string `json:"partner_id"`
	PartnerScore   *int   `json:"partner_score,omitempty"`
}

func (RequestCreated) Type() EventType  { return TypeRequestCreated }
func (MessageAppended) Type() EventType { return TypeMessageAppended }
func (RequestMatched) Type() EventType  { return TypeRequestMatched }
func (SessionEnded) Type() EventType    { return TypeSessionEnded }
func (Connected) Type() EventType       { return TypeConnected }
func (Joined) Type() EventType          { return TypeJoined }
func (Left) Type() EventType            { return TypeLeft }
func (ErrorReply) Type() EventType      { return TypeError }
func (MessageRejected) Type() EventType { return TypeMessageRejected }
func (SessionSummary) Type() EventType  { return TypeSessionSummary }

// Envelope is the wire frame for every event.
type Envelope struct {
	Type      EventType       `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func Encode(channel string, ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{
		Type:      ev.Type(),
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// Decode parses a wire frame back into its concrete event type.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var ev Event
	switch env.Type {
	case TypeRequestCreated:
		ev = &RequestCreated{}
	case TypeMessageAppended:
		ev = &MessageAppended{}
	case TypeRequestMatched:
		ev = &RequestMatched{}
	case TypeSessionEnded:
		ev = &SessionEnded{}
	case TypeConnected:
		ev = &Connected{}
	case TypeJoined:
		ev = &Joined{}
	case TypeLeft:
		ev = &Left{}
	case TypeError:
		ev = &ErrorReply{}
	case TypeMessageRejected:
		ev = &MessageRejected{}
	case TypeSessionSummary:
		ev = &SessionSummary{}
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", env.Type, err)
		}
	}
	return deref(ev), nil
}

func deref(ev Event) Event {
	switch e := ev.(type) {
	case *RequestCreated:
		return *e
	case *MessageAppended:
		return *e
	case *RequestMatched:
		return *e
	case *SessionEnded:
		return *e
	case *Connected:
		return *e
	case *Joined:
		return *e
	case *Left:
		return *e
	case *ErrorReply:
		return *e
	case *MessageRejected:
		return *e
	case *SessionSummary:
		return *e
	}
	return ev
}
