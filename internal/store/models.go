package store

import "time"

const DefaultTrustScore = 100

type RequestKind string

const (
	KindWake  RequestKind = "wake"
	KindTopic RequestKind = "topic"
)

type RequestStatus string

const (
	StatusActive    RequestStatus = "active"
	StatusMatched   RequestStatus = "matched"
	StatusCompleted RequestStatus = "completed"
	StatusExpired   RequestStatus = "expired"
)

type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationEnded  ConversationStatus = "ended"
)

type User struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Avatar     string    `json:"avatar"`
	TrustScore int       `json:"trust_score"`
	CreatedAt  time.Time `json:"created_at"`
}

type Request struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"user_id"`
	Kind          RequestKind   `json:"type"`
	Topic         string        `json:"topic"`
	ScheduledTime *time.Time    `json:"scheduled_time,omitempty"` // Only set for wake requests
	Status        RequestStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`

	// Owner profile, joined in for feed listings
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type Conversation struct {
	ID        string             `json:"id"`
	RequestID string             `json:"request_id"`
	User1ID   string             `json:"user1_id"` // Request owner
	User2ID   string             `json:"user2_id"` // Matcher
	Status    ConversationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
}

// HasParticipant reports whether userID is one of the two matched users.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.User1ID == userID || c.User2ID == userID)
}

// Partner returns the other participant, or "" if userID is not a participant.
func (c *Conversation) Partner(userID string) string {
	switch userID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return ""
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

type SessionEnding struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Rating         *int      `json:"rating,omitempty"`
	Summary        string    `json:"summary"`
	EndedAt        time.Time `json:"ended_at"`
}
