package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zac.app/discovery/internal/realtime"
	"zac.app/discovery/internal/store"
)

func TestSend_ModerationScenario(t *testing.T) {
	h := newHarness(t, time.Second)
	h.judge.moderate = func(_ context.Context, text string) (Verdict, error) {
		if strings.Contains(text, "idiot") {
			return Verdict{Safe: false, Reason: "Harassment is not allowed."}, nil
		}
		return Verdict{Safe: true}, nil
	}
	ctx := context.Background()
	a, b := h.user(t, "a"), h.user(t, "b")
	conv := h.pair(t, a, b)

	msg, err := h.sessions.Send(ctx, conv.ID, "a", "hi")
	require.NoError(t, err)

	got := ofType[realtime.MessageAppended](drain(t, b))
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Message.Content)
	assert.Equal(t, "a", got[0].Message.SenderID)
	assert.False(t, got[0].Message.CreatedAt.IsZero())
	assert.Equal(t, msg.ID, got[0].Message.ID)

	echo := ofType[realtime.MessageAppended](drain(t, a))
	require.Len(t, echo, 1, "sender receives its own message")

	_, err = h.sessions.Send(ctx, conv.ID, "b", "you idiot")
	var modErr *ModerationError
	require.ErrorAs(t, err, &modErr)
	assert.Equal(t, "Harassment is not allowed.", modErr.Reason)

	assert.Empty(t, drain(t, a))
	assert.Empty(t, drain(t, b))

	history, err := h.sessions.History(ctx, conv.ID, "a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Content)
}

func TestSend_UnsafeWithoutReasonGetsDefault(t *testing.T) {
	h := newHarness(t, time.Second)
	h.judge.moderate = func(context.Context, string) (Verdict, error) { return Verdict{Safe: false}, nil }
	a, b := h.user(t, "a"), h.user(t, "b")
	conv := h.pair(t, a, b)

	_, err := h.sessions.Send(context.Background(), conv.ID, "a", "hmm")
	var modErr *ModerationError
	require.ErrorAs(t, err, &modErr)
	assert.Equal(t, DefaultRejectionReason, modErr.Reason)
}

func TestSend_ModerationTimeoutFallsBackToSafe(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	h.judge.moderate = func(ctx context.Context, _ string) (Verdict, error) {
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	}
	a, b := h.user(t, "a"), h.user(t, "b")
	conv := h.pair(t, a, b)

	start := time.Now()
	_, err := h.sessions.Send(context.Background(), conv.ID, "a", "hello?")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, ofType[realtime.MessageAppended](drain(t, b)), 1)
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	a, b := h.user(t, "a"), h.user(t, "b")
	h.user(t, "c")
	conv := h.pair(t, a, b)

	_, err := h.sessions.Send(ctx, conv.ID, "a", "   ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.sessions.Send(ctx, conv.ID, "c", "let me in")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = h.sessions.Send(ctx, "conv_missing", "a", "hi")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = h.sessions.History(ctx, conv.ID, "c")
	assert.ErrorIs(t, err, ErrNotParticipant)

	assert.Empty(t, h.judge.moderated, "invalid sends never reach moderation")
}

func TestSend_OrderingMatchesStore(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	a, b := h.user(t, "a"), h.user(t, "b")
	conv := h.pair(t, a, b)
	observer := h.hub.Stream(realtime.ConversationChannel(conv.ID), 512)

	var wg sync.WaitGroup
	for _, sender := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				_, err := h.sessions.Send(ctx, conv.ID, sender, fmt.Sprintf("%s-%d", sender, i))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	history, err := h.sessions.History(ctx, conv.ID, "a")
	require.NoError(t, err)
	require.Len(t, history, 80)

	for _, in := range []*realtime.Inbox{a, b, observer} {
		got := ofType[realtime.MessageAppended](drain(t, in))
		require.Len(t, got, len(history))
		for i := range history {
			assert.Equal(t, history[i].ID, got[i].Message.ID)
			if i > 0 {
				assert.False(t, got[i].Message.CreatedAt.Before(got[i-1].Message.CreatedAt))
			}
		}
	}
}

func TestSend_EndDuringModerationIsRejected(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.judge.moderate = func(ctx context.Context, _ string) (Verdict, error) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
		return Verdict{Safe: true}, nil
	}
	ctx := context.Background()
	a, b := h.user(t, "a"), h.user(t, "b")
	conv := h.pair(t, a, b)

	sendErr := make(chan error, 1)
	go func() {
		_, err := h.sessions.Send(ctx, conv.ID, "a", "one last thing")
		sendErr <- err
	}()

	<-entered
	_, err := h.sessions.End(ctx, conv.ID, "b", nil)
	require.NoError(t, err)
	close(release)

	select {
	case err := <-sendErr:
		assert.ErrorIs(t, err, ErrConversationClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after moderation was released")
	}

	history, err := h.sessions.History(ctx, conv.ID, "a")
	require.NoError(t, err)
	assert.Empty(t, history)

	events := drain(t, b)
	assert.Len(t, ofType[realtime.SessionEnded](events), 1)
	assert.Empty(t, ofType[realtime.MessageAppended](events), "nothing is broadcast after session_ended")
}

func TestEnd_RatingBeforeSummary(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	a, b := h.user(t, "a"), h.user(t, "b")
	conv := h.pair(t, a, b)
	_, err := h.sessions.Send(ctx, conv.ID, "a", "hi")
	require.NoError(t, err)
	_, err = h.sessions.Send(ctx, conv.ID, "b", "hello there")
	require.NoError(t, err)

	var scoreAtSummary int
	var transcript []Utterance
	h.judge.summarize = func(ctx context.Context, u []Utterance) (string, error) {
		if partner, err := h.db.GetUser(ctx, "b"); assert.NoError(t, err) {
			scoreAtSummary = partner.TrustScore
		}
		transcript = u
		return "Two founders swapped notes.", nil
	}

	up := 1
	summary, err := h.sessions.End(ctx, conv.ID, "a", &up)
	require.NoError(t, err)
	assert.Equal(t, "Two founders swapped notes.", summary.Summary)
	assert.False(t, summary.Fallback)
	assert.Equal(t, "b", summary.PartnerID)
	require.NotNil(t, summary.PartnerScore)
	assert.Equal(t, 101, *summary.PartnerScore)
	assert.Equal(t, 101, scoreAtSummary, "score is applied before the summary is requested")
	assert.Equal(t, []Utterance{{Speaker: "a-name", Text: "hi"}, {Speaker: "b-name", Text: "hello there"}}, transcript)

	ended := ofType[realtime.SessionEnded](drain(t, b))
	require.Len(t, ended, 1)
	assert.Equal(t, realtime.SessionEnded{ConversationID: conv.ID, EndedBy: "a"}, ended[0])
}

func TestEnd_SummaryTimeoutFallsBack(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	ctx := context.Background()
	a, b := h.user(t, "a"), h.user(t, "b")
	conv := h.pair(t, a, b)
	_, err := h.sessions.Send(ctx, conv.ID, "a", "hi")
	require.NoError(t, err)

	h.judge.summarize = func(ctx context.Context, _ []Utterance) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	start := time.Now()
	down := -1
	summary, err := h.sessions.End(ctx, conv.ID, "b", &down)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, FallbackSummary, summary.Summary)
	assert.True(t, summary.Fallback)
	require.NotNil(t, summary.PartnerScore)
	assert.Equal(t, 99, *summary.PartnerScore)
}

func TestEnd_AsymmetricAndOnce(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	a, b := h.user(t, "a"), h.user(t, "b")
	h.user(t, "c")
	conv := h.pair(t, a, b)

	_, err := h.sessions.End(ctx, conv.ID, "c", nil)
	assert.ErrorIs(t, err, ErrNotParticipant)

	bad := 5
	_, err = h.sessions.End(ctx, conv.ID, "a", &bad)
	assert.ErrorIs(t, err, ErrInvalidRating)

	summary, err := h.sessions.End(ctx, conv.ID, "a", nil)
	require.NoError(t, err)
	assert.Nil(t, summary.PartnerScore)
	assert.True(t, summary.Fallback, "empty transcript summarizes to the fallback")

	_, err = h.sessions.End(ctx, conv.ID, "a", nil)
	assert.ErrorIs(t, err, ErrAlreadyEnded)

	_, err = h.sessions.Send(ctx, conv.ID, "b", "are you still there?")
	assert.ErrorIs(t, err, ErrConversationClosed)

	up := 1
	summary, err = h.sessions.End(ctx, conv.ID, "b", &up)
	require.NoError(t, err)
	require.NotNil(t, summary.PartnerScore)
	assert.Equal(t, 101, *summary.PartnerScore)

	user, err := h.db.GetUser(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 100, user.TrustScore, "unrated end leaves the partner untouched")
}

func TestIcebreakers(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	a, b := h.user(t, "a"), h.user(t, "b")
	conv := h.pair(t, a, b)

	var gotTopic string
	var gotKind store.RequestKind
	h.judge.icebreakers = func(_ context.Context, topic string, kind store.RequestKind) ([]string, error) {
		gotTopic, gotKind = topic, kind
		return []string{"q1", "q2", "q3", "q4"}, nil
	}
	prompts, err := h.sessions.Icebreakers(ctx, conv.ID, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "q2", "q3"}, prompts)
	assert.Equal(t, "startup advice", gotTopic)
	assert.Equal(t, store.KindTopic, gotKind)

	h.judge.icebreakers = func(context.Context, string, store.RequestKind) ([]string, error) {
		return nil, fmt.Errorf("quota exceeded")
	}
	prompts, err = h.sessions.Icebreakers(ctx, conv.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, FallbackIcebreakers, prompts)

	_, err = h.sessions.Icebreakers(ctx, conv.ID, "stranger")
	assert.ErrorIs(t, err, ErrNotParticipant)
}
