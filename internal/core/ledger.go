package core

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"zac.app/discovery/internal/store"
)

// TrustLedger is the only writer of trust scores. Scores are unbounded.
type TrustLedger struct {
	dbStore *store.SQLiteStore
	logger  *zap.Logger
}

func NewTrustLedger(db *store.SQLiteStore, logger *zap.Logger) *TrustLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrustLedger{dbStore: db, logger: logger}
}

// Adjust atomically adds delta to the user's score and returns the new value.
func (l *TrustLedger) Adjust(ctx context.Context, userID string, delta int) (int, error) {
	if userID == "" {
		return 0, validationError("user id is required")
	}
	score, err := l.dbStore.AdjustTrustScore(ctx, userID, delta)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, storeError("adjust trust score", err)
	}
	l.logger.Info("Trust score adjusted", zap.String("user", userID), zap.Int("delta", delta), zap.Int("score", score))
	return score, nil
}

// ValidateRating accepts no rating, +1 (helpful) or -1 (unpleasant).
func ValidateRating(rating *int) error {
	if rating != nil && *rating != 1 && *rating != -1 {
		return ErrInvalidRating
	}
	return nil
}

// Settle records raterID's end of the session and applies the optional rating to rateeID in the
// same transaction. It returns the ratee's new score when a rating was applied.
func (l *TrustLedger) Settle(ctx context.Context, conversationID, raterID, rateeID string, rating *int) (*int, error) {
	if err := ValidateRating(rating); err != nil {
		return nil, err
	}
	score, err := l.dbStore.EndConversation(ctx, conversationID, raterID, rateeID, rating)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyEnded):
			return nil, ErrAlreadyEnded
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrUserNotFound
		}
		return nil, storeError("settle session", err)
	}
	if score != nil {
		l.logger.Info("Rating applied",
			zap.String("conversation", conversationID),
			zap.String("rater", raterID),
			zap.String("ratee", rateeID),
			zap.Int("rating", *rating),
			zap.Int("score", *score))
	}
	return score, nil
}
