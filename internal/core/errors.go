package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input rejected before any state changes.
	ErrValidation    = errors.New("validation failed")
	ErrSelfMatch     = fmt.Errorf("%w: cannot match your own request", ErrValidation)
	ErrInvalidRating = fmt.Errorf("%w: rating must be +1 or -1", ErrValidation)

	// ErrRaceLost is the expected outcome of losing a match race, not a failure.
	ErrRaceLost = errors.New("request is no longer active")

	ErrRequestNotFound      = errors.New("request not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrNotParticipant       = errors.New("user is not a participant in this conversation")
	ErrConversationClosed   = errors.New("conversation has ended")
	ErrAlreadyEnded         = errors.New("session already ended by this participant")
	ErrNotEnded             = errors.New("session not ended by this participant")

	// ErrStore wraps persistence failures. The core never retries them.
	ErrStore = errors.New("store operation failed")
)

// ModerationError is returned when a message is judged unsafe. Nothing was persisted or delivered.
type ModerationError struct {
	Reason string
}

func (e *ModerationError) Error() string {
	return "message rejected: " + e.Reason
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
