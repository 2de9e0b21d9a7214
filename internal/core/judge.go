package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"zac.app/discovery/internal/store"
)

const (
	FallbackSummary        = "A great conversation was had!"
	DefaultRejectionReason = "Inappropriate content detected."
	icebreakerCount        = 3
)

var FallbackIcebreakers = []string{"Hi! How are you?", "What's on your mind?", "Tell me more about your topic!"}

var ErrJudgeUnavailable = errors.New("ai judge unavailable")

type Verdict struct {
	Safe   bool   `json:"isSafe"`
	Reason string `json:"reason,omitempty"`
}

type Utterance struct {
	Speaker string
	Text    string
}

// Judge is the external AI collaborator. Implementations may be slow or fail; callers go
// through GuardedJudge.
type Judge interface {
	Moderate(ctx context.Context, text string) (Verdict, error)
	Summarize(ctx context.Context, transcript []Utterance) (string, error)
	Icebreakers(ctx context.Context, topic string, kind store.RequestKind) ([]string, error)
}

// OfflineJudge is used when no AI backend is configured; every call falls back.
type OfflineJudge struct{}

func (OfflineJudge) Moderate(context.Context, string) (Verdict, error) {
	return Verdict{}, ErrJudgeUnavailable
}

func (OfflineJudge) Summarize(context.Context, []Utterance) (string, error) {
	return "", ErrJudgeUnavailable
}

func (OfflineJudge) Icebreakers(context.Context, string, store.RequestKind) ([]string, error) {
	return nil, ErrJudgeUnavailable
}

// GuardedJudge bounds every judge call by a timeout and degrades to static fallbacks, so AI
// failures never fail the user-visible operation.
type GuardedJudge struct {
	judge   Judge
	timeout time.Duration
	logger  *zap.Logger
}

func NewGuardedJudge(judge Judge, timeout time.Duration, logger *zap.Logger) *GuardedJudge {
	if judge == nil {
		judge = OfflineJudge{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardedJudge{judge: judge, timeout: timeout, logger: logger}
}

// Moderate falls back to safe.
func (g *GuardedJudge) Moderate(ctx context.Context, text string) Verdict {
	verdict, err := callWithTimeout(ctx, g.timeout, func(ctx context.Context) (Verdict, error) {
		return g.judge.Moderate(ctx, text)
	})
	if err != nil {
		g.logFallback("moderate", err)
		return Verdict{Safe: true}
	}
	if !verdict.Safe && strings.TrimSpace(verdict.Reason) == "" {
		verdict.Reason = DefaultRejectionReason
	}
	return verdict
}

// Summarize returns the summary and whether it is the static fallback.
func (g *GuardedJudge) Summarize(ctx context.Context, transcript []Utterance) (string, bool) {
	if len(transcript) == 0 {
		return FallbackSummary, true
	}
	summary, err := callWithTimeout(ctx, g.timeout, func(ctx context.Context) (string, error) {
		return g.judge.Summarize(ctx, transcript)
	})
	summary = strings.TrimSpace(summary)
	if err != nil || summary == "" {
		if err == nil {
			err = errors.New("empty summary")
		}
		g.logFallback("summarize", err)
		return FallbackSummary, true
	}
	return summary, false
}

// Icebreakers always returns exactly three prompts, padding with static ones when needed.
func (g *GuardedJudge) Icebreakers(ctx context.Context, topic string, kind store.RequestKind) ([]string, bool) {
	prompts, err := callWithTimeout(ctx, g.timeout, func(ctx context.Context) ([]string, error) {
		return g.judge.Icebreakers(ctx, topic, kind)
	})
	if err != nil {
		g.logFallback("icebreakers", err)
		return append([]string(nil), FallbackIcebreakers...), true
	}

	out := make([]string, 0, icebreakerCount)
	for _, p := range prompts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
		if len(out) == icebreakerCount {
			return out, false
		}
	}
	if len(out) == 0 {
		g.logFallback("icebreakers", errors.New("no prompts returned"))
		return append([]string(nil), FallbackIcebreakers...), true
	}
	return append(out, FallbackIcebreakers[len(out):]...), false
}

func (g *GuardedJudge) logFallback(op string, err error) {
	if errors.Is(err, ErrJudgeUnavailable) {
		g.logger.Debug("AI judge offline, using fallback", zap.String("op", op))
		return
	}
	g.logger.Warn("AI judge call failed, using fallback", zap.String("op", op), zap.Error(err))
}

type callResult[T any] struct {
	value T
	err   error
}

// callWithTimeout returns when fn does or when the timeout expires, whichever comes first,
// even if fn ignores its context.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- callResult[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
