package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRequest(t *testing.T, s *SQLiteStore, owner string) *Request {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertUser(ctx, owner, owner+"-name", "https://avatars/"+owner)
	require.NoError(t, err)

	req := &Request{ID: "req-" + owner, OwnerID: owner, Kind: KindTopic, Topic: "startup advice"}
	require.NoError(t, s.CreateRequest(ctx, req))
	return req
}

func TestUpsertUser_KeepsTrustScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.UpsertUser(ctx, "a", "alice", "img1")
	require.NoError(t, err)
	assert.Equal(t, DefaultTrustScore, u.TrustScore)

	_, err = s.AdjustTrustScore(ctx, "a", 5)
	require.NoError(t, err)

	u, err = s.UpsertUser(ctx, "a", "alice2", "img2")
	require.NoError(t, err)
	assert.Equal(t, "alice2", u.Username)
	assert.Equal(t, "img2", u.Avatar)
	assert.Equal(t, 105, u.TrustScore)
}

func TestGetUser_Missing(t *testing.T) {
	s := newTestStore(t)
	u, err := s.GetUser(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestCreateRequest_AndFeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedRequest(t, s, "a")
	_, err := s.UpsertUser(ctx, "b", "bob", "img-b")
	require.NoError(t, err)
	wakeAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	wake := &Request{ID: "req-wake", OwnerID: "b", Kind: KindWake, Topic: "wake me", ScheduledTime: &wakeAt}
	require.NoError(t, s.CreateRequest(ctx, wake))

	feed, err := s.ListActiveRequests(ctx)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, "req-wake", feed[0].ID, "newest first")
	assert.Equal(t, "bob", feed[0].Username)
	require.NotNil(t, feed[0].ScheduledTime)
	assert.True(t, wakeAt.Equal(*feed[0].ScheduledTime))
	assert.Nil(t, feed[1].ScheduledTime)
	assert.Equal(t, StatusActive, feed[1].Status)
}

func TestMatchRequest_Success(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := seedRequest(t, s, "a")

	matched, conv, err := s.MatchRequest(ctx, req.ID, "b", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, matched.Status)
	assert.Equal(t, "a", conv.User1ID)
	assert.Equal(t, "b", conv.User2ID)

	stored, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, stored.Status)

	gotConv, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, gotConv)
	assert.Equal(t, ConversationActive, gotConv.Status)
	assert.Equal(t, req.ID, gotConv.RequestID)

	feed, err := s.ListActiveRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, feed)
}

func TestMatchRequest_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := seedRequest(t, s, "a")

	_, _, err := s.MatchRequest(ctx, "missing", "b", "conv-x")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = s.MatchRequest(ctx, req.ID, "a", "conv-x")
	assert.ErrorIs(t, err, ErrSelfMatch)

	_, _, err = s.MatchRequest(ctx, req.ID, "b", "conv-1")
	require.NoError(t, err)

	_, _, err = s.MatchRequest(ctx, req.ID, "c", "conv-2")
	assert.ErrorIs(t, err, ErrNotActive)

	conv, err := s.GetConversation(ctx, "conv-2")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestMatchRequest_ConversationFailureRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := seedRequest(t, s, "a")
	second := seedRequest(t, s, "z")

	_, _, err := s.MatchRequest(ctx, first.ID, "b", "conv-dup")
	require.NoError(t, err)

	// Reusing the conversation id makes the insert fail after the status update.
	_, _, err = s.MatchRequest(ctx, second.ID, "b", "conv-dup")
	require.Error(t, err)

	stored, err := s.GetRequest(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status, "status update must roll back with the conversation insert")
}

func TestMatchRequest_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := seedRequest(t, s, "a")

	const matchers = 16
	var wg sync.WaitGroup
	results := make([]error, matchers)
	for i := 0; i < matchers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, results[i] = s.MatchRequest(ctx, req.ID, fmt.Sprintf("m%d", i), fmt.Sprintf("conv-%d", i))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrNotActive)
	}
	assert.Equal(t, 1, wins)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM conversations WHERE request_id = ?", req.ID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestAdjustTrustScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.UpsertUser(ctx, "a", "alice", "")
	require.NoError(t, err)

	score, err := s.AdjustTrustScore(ctx, "a", -3)
	require.NoError(t, err)
	assert.Equal(t, 97, score)

	_, err = s.AdjustTrustScore(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	// A NULL score counts as the default.
	_, err = s.db.Exec("UPDATE users SET trust_score = NULL WHERE id = 'a'")
	require.NoError(t, err)
	score, err = s.AdjustTrustScore(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, 101, score)
}

func TestEndConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := seedRequest(t, s, "a")
	_, err := s.UpsertUser(ctx, "b", "bob", "")
	require.NoError(t, err)
	_, _, err = s.MatchRequest(ctx, req.ID, "b", "conv-1")
	require.NoError(t, err)

	up := 1
	score, err := s.EndConversation(ctx, "conv-1", "a", "b", &up)
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, 101, *score)

	conv, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, ConversationEnded, conv.Status)
	assert.NotNil(t, conv.EndedAt)

	_, err = s.EndConversation(ctx, "conv-1", "a", "b", &up)
	assert.ErrorIs(t, err, ErrAlreadyEnded)

	// The partner may still end (and rate) independently.
	score, err = s.EndConversation(ctx, "conv-1", "b", "a", nil)
	require.NoError(t, err)
	assert.Nil(t, score)

	require.NoError(t, s.SetEndingSummary(ctx, "conv-1", "a", "nice chat"))
	assert.ErrorIs(t, s.SetEndingSummary(ctx, "conv-1", "c", "x"), ErrNotFound)

	ending, err := s.GetSessionEnding(ctx, "conv-1", "a")
	require.NoError(t, err)
	require.NotNil(t, ending)
	assert.Equal(t, "nice chat", ending.Summary)
	require.NotNil(t, ending.Rating)
	assert.Equal(t, 1, *ending.Rating)
	assert.False(t, ending.EndedAt.IsZero())

	ending, err = s.GetSessionEnding(ctx, "conv-1", "b")
	require.NoError(t, err)
	require.NotNil(t, ending)
	assert.Nil(t, ending.Rating)
	assert.Empty(t, ending.Summary)

	ending, err = s.GetSessionEnding(ctx, "conv-1", "c")
	require.NoError(t, err)
	assert.Nil(t, ending)
}

func TestEndConversation_UnknownRateeRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := seedRequest(t, s, "a")
	_, _, err := s.MatchRequest(ctx, req.ID, "b", "conv-1") // "b" has no user row
	require.NoError(t, err)

	down := -1
	_, err = s.EndConversation(ctx, "conv-1", "a", "b", &down)
	assert.ErrorIs(t, err, ErrNotFound)

	conv, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, ConversationActive, conv.Status)
}

func TestMessages_AppendOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := &Message{ConversationID: "conv-1", SenderID: "a", Content: fmt.Sprintf("m%d", i)}
		require.NoError(t, s.AppendMessage(ctx, msg))
		assert.NotZero(t, msg.ID)
		assert.False(t, msg.CreatedAt.IsZero())
	}
	require.NoError(t, s.AppendMessage(ctx, &Message{ConversationID: "conv-2", SenderID: "b", Content: "other"}))

	msgs, err := s.GetMessagesByConversationID(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
		if i > 0 {
			assert.Greater(t, m.ID, msgs[i-1].ID)
			assert.False(t, m.CreatedAt.Before(msgs[i-1].CreatedAt))
		}
	}

	empty, err := s.GetMessagesByConversationID(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
