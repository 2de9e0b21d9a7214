package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const conversationPrefix = "conv_"

// NewID returns a random identifier for requests, users and connections.
func NewID() string {
	return uuid.NewString()
}

// NewConversationID derives a conversation id from the creation time plus randomness, so two
// conversations created within the same millisecond still get distinct ids.
func NewConversationID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s%d_%s", conversationPrefix, now.UnixMilli(), random[:12])
}

// IsConversationID reports whether id has the shape produced by NewConversationID.
func IsConversationID(id string) bool {
	rest, ok := strings.CutPrefix(id, conversationPrefix)
	if !ok {
		return false
	}
	millis, random, ok := strings.Cut(rest, "_")
	if !ok || millis == "" || len(random) != 12 {
		return false
	}
	for _, r := range millis {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
