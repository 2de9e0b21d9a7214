package core

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"zac.app/discovery/internal/realtime"
	"zac.app/discovery/internal/store"
)

type SessionSummary struct {
	ConversationID string `json:"conversation_id"`
	Summary        string `json:"summary"`
	Fallback       bool   `json:"fallback"`
	PartnerID      string `json:"partner_id"`
	PartnerScore   *int   `json:"partner_score,omitempty"`
}

// SessionCoordinator runs a matched pair's live session: moderated message relay, history,
// icebreakers and session end.
type SessionCoordinator struct {
	dbStore *store.SQLiteStore
	hub     *realtime.Hub
	judge   *GuardedJudge
	ledger  *TrustLedger
	locks   *keyedMutex
	logger  *zap.Logger
}

func NewSessionCoordinator(db *store.SQLiteStore, hub *realtime.Hub, judge *GuardedJudge, ledger *TrustLedger, logger *zap.Logger) *SessionCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionCoordinator{
		dbStore: db,
		hub:     hub,
		judge:   judge,
		ledger:  ledger,
		locks:   newKeyedMutex(),
		logger:  logger,
	}
}

// Authorize returns the conversation when userID is one of its participants.
func (c *SessionCoordinator) Authorize(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := c.dbStore.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeError("load conversation", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// Send moderates content, then appends it and fans it out to the conversation channel,
// sender included. Unsafe content yields a *ModerationError and has no side effects.
func (c *SessionCoordinator) Send(ctx context.Context, conversationID, senderID, content string) (*store.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, validationError("message content cannot be empty")
	}
	conv, err := c.Authorize(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.ConversationActive {
		return nil, ErrConversationClosed
	}

	verdict := c.judge.Moderate(ctx, content)
	if !verdict.Safe {
		c.logger.Info("Message rejected by moderation",
			zap.String("conversation", conversationID),
			zap.String("sender", senderID),
			zap.String("reason", verdict.Reason))
		return nil, &ModerationError{Reason: verdict.Reason}
	}

	// Append and publish under one lock so every subscriber sees persisted order. End holds the
	// same lock, so the status is checked again after the moderation wait.
	unlock := c.locks.Lock(conversationID)
	defer unlock()

	conv, err = c.dbStore.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeError("load conversation", err)
	}
	if conv == nil || conv.Status != store.ConversationActive {
		return nil, ErrConversationClosed
	}

	msg := &store.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}
	if err := c.dbStore.AppendMessage(ctx, msg); err != nil {
		return nil, storeError("append message", err)
	}
	if _, err := c.hub.Publish(realtime.ConversationChannel(conversationID), realtime.MessageAppended{Message: *msg}); err != nil {
		c.logger.Error("Failed to publish message_appended", zap.String("conversation", conversationID), zap.Error(err))
	}
	return msg, nil
}

// History returns the persisted messages in append order.
func (c *SessionCoordinator) History(ctx context.Context, conversationID, userID string) ([]store.Message, error) {
	if _, err := c.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	messages, err := c.dbStore.GetMessagesByConversationID(ctx, conversationID)
	if err != nil {
		return nil, storeError("load messages", err)
	}
	return messages, nil
}

func (c *SessionCoordinator) Icebreakers(ctx context.Context, conversationID, userID string) ([]string, error) {
	conv, err := c.Authorize(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	req, err := c.dbStore.GetRequest(ctx, conv.RequestID)
	if err != nil {
		return nil, storeError("load request", err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	prompts, _ := c.judge.Icebreakers(ctx, req.Topic, req.Kind)
	return prompts, nil
}

// End closes userID's side of the session. The rating reaches the partner's score before the
// summary is requested, and a failed summary degrades to a static one. The partner is told via
// session_ended but does not have to acknowledge.
func (c *SessionCoordinator) End(ctx context.Context, conversationID, userID string, rating *int) (*SessionSummary, error) {
	if err := ValidateRating(rating); err != nil {
		return nil, err
	}
	conv, err := c.Authorize(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	partnerID := conv.Partner(userID)

	score, err := c.settle(ctx, conversationID, userID, partnerID, rating)
	if err != nil {
		return nil, err
	}

	summary, fallback := c.judge.Summarize(ctx, c.transcript(ctx, conv))
	if err := c.dbStore.SetEndingSummary(ctx, conversationID, userID, summary); err != nil {
		c.logger.Warn("Failed to store session summary", zap.String("conversation", conversationID), zap.Error(err))
	}

	c.logger.Info("Session ended",
		zap.String("conversation", conversationID),
		zap.String("user", userID),
		zap.Bool("rated", rating != nil),
		zap.Bool("fallback_summary", fallback))

	return &SessionSummary{
		ConversationID: conversationID,
		Summary:        summary,
		Fallback:       fallback,
		PartnerID:      partnerID,
		PartnerScore:   score,
	}, nil
}

// Ending returns the rating and summary userID left when they ended the session.
func (c *SessionCoordinator) Ending(ctx context.Context, conversationID, userID string) (*store.SessionEnding, error) {
	if _, err := c.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	ending, err := c.dbStore.GetSessionEnding(ctx, conversationID, userID)
	if err != nil {
		return nil, storeError("load session ending", err)
	}
	if ending == nil {
		return nil, ErrNotEnded
	}
	return ending, nil
}

// settle closes the conversation and announces it while holding the conversation lock, so no
// message is appended or broadcast after session_ended.
func (c *SessionCoordinator) settle(ctx context.Context, conversationID, userID, partnerID string, rating *int) (*int, error) {
	unlock := c.locks.Lock(conversationID)
	defer unlock()

	score, err := c.ledger.Settle(ctx, conversationID, userID, partnerID, rating)
	if err != nil {
		return nil, err
	}

	ended := realtime.SessionEnded{ConversationID: conversationID, EndedBy: userID}
	if _, err := c.hub.Publish(realtime.ConversationChannel(conversationID), ended); err != nil {
		c.logger.Error("Failed to publish session_ended", zap.String("conversation", conversationID), zap.Error(err))
	}
	return score, nil
}

// transcript labels each message with its sender's username. Failures yield an empty transcript,
// which summarizes to the fallback.
func (c *SessionCoordinator) transcript(ctx context.Context, conv *store.Conversation) []Utterance {
	messages, err := c.dbStore.GetMessagesByConversationID(ctx, conv.ID)
	if err != nil {
		c.logger.Warn("Failed to load transcript", zap.String("conversation", conv.ID), zap.Error(err))
		return nil
	}

	names := map[string]string{conv.User1ID: conv.User1ID, conv.User2ID: conv.User2ID}
	for id := range names {
		if user, err := c.dbStore.GetUser(ctx, id); err == nil && user != nil && user.Username != "" {
			names[id] = user.Username
		}
	}

	transcript := make([]Utterance, 0, len(messages))
	for _, m := range messages {
		transcript = append(transcript, Utterance{Speaker: names[m.SenderID], Text: m.Content})
	}
	return transcript
}
