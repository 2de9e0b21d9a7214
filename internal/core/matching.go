package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"zac.app/discovery/internal/realtime"
	"zac.app/discovery/internal/store"
	"zac.app/discovery/internal/utils"
)

type SubmitInput struct {
	OwnerID       string
	Kind          store.RequestKind
	Topic         string
	ScheduledTime *time.Time
}

// ValidateSubmission checks a request submission before it reaches the engine.
func ValidateSubmission(in SubmitInput) error {
	if strings.TrimSpace(in.OwnerID) == "" {
		return validationError("owner is required")
	}
	if strings.TrimSpace(in.Topic) == "" {
		return validationError("topic is required")
	}
	switch in.Kind {
	case store.KindWake:
		if in.ScheduledTime == nil || in.ScheduledTime.IsZero() {
			return validationError("scheduled_time is required for wake requests")
		}
	case store.KindTopic:
		if in.ScheduledTime != nil {
			return validationError("scheduled_time is only allowed for wake requests")
		}
	default:
		return validationError("unknown request type %q", in.Kind)
	}
	return nil
}

type MatchResult struct {
	Request      *store.Request
	Conversation *store.Conversation
	User1        realtime.Participant // Request owner
	User2        realtime.Participant // Matcher
}

// MatchingEngine owns the request lifecycle: active -> matched, exactly once per request.
type MatchingEngine struct {
	dbStore *store.SQLiteStore
	hub     *realtime.Hub
	logger  *zap.Logger
	now     func() time.Time
}

func NewMatchingEngine(db *store.SQLiteStore, hub *realtime.Hub, logger *zap.Logger) *MatchingEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatchingEngine{
		dbStore: db,
		hub:     hub,
		logger:  logger,
		now:     time.Now,
	}
}

// Submit persists an active request and announces it on the feed.
func (e *MatchingEngine) Submit(ctx context.Context, in SubmitInput) (*store.Request, error) {
	in.Topic = strings.TrimSpace(in.Topic)
	if err := ValidateSubmission(in); err != nil {
		return nil, err
	}

	owner, err := e.dbStore.GetUser(ctx, in.OwnerID)
	if err != nil {
		return nil, storeError("load owner", err)
	}
	if owner == nil {
		return nil, ErrUserNotFound
	}

	req := &store.Request{
		ID:      utils.NewID(),
		OwnerID: in.OwnerID,
		Kind:    in.Kind,
		Topic:   in.Topic,
	}
	if in.ScheduledTime != nil {
		t := in.ScheduledTime.UTC()
		req.ScheduledTime = &t
	}
	if err := e.dbStore.CreateRequest(ctx, req); err != nil {
		return nil, storeError("create request", err)
	}
	req.Username = owner.Username
	req.Avatar = owner.Avatar

	if _, err := e.hub.Publish(realtime.FeedChannel, realtime.RequestCreated{Request: *req}); err != nil {
		e.logger.Error("Failed to publish request_created", zap.String("request", req.ID), zap.Error(err))
	}
	e.logger.Info("Request submitted",
		zap.String("request", req.ID),
		zap.String("owner", req.OwnerID),
		zap.String("kind", string(req.Kind)))
	return req, nil
}

func (e *MatchingEngine) ActiveRequests(ctx context.Context) ([]store.Request, error) {
	requests, err := e.dbStore.ListActiveRequests(ctx)
	if err != nil {
		return nil, storeError("list active requests", err)
	}
	return requests, nil
}

// Match claims an active request for matcherID. At most one matcher wins; the others get
// ErrRaceLost and cause no side effects. Only the two participants are notified.
func (e *MatchingEngine) Match(ctx context.Context, requestID, matcherID string) (*MatchResult, error) {
	if requestID == "" || matcherID == "" {
		return nil, validationError("request id and matcher id are required")
	}

	convID := utils.NewConversationID(e.now())
	req, conv, err := e.dbStore.MatchRequest(ctx, requestID, matcherID, convID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotActive):
		e.logger.Debug("Match race lost", zap.String("request", requestID), zap.String("matcher", matcherID))
		return nil, ErrRaceLost
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrRequestNotFound
	case errors.Is(err, store.ErrSelfMatch):
		return nil, ErrSelfMatch
	default:
		return nil, storeError("match request", err)
	}

	result := &MatchResult{
		Request:      req,
		Conversation: conv,
		User1:        realtime.Participant{ID: conv.User1ID, TrustScore: store.DefaultTrustScore},
		User2:        realtime.Participant{ID: conv.User2ID, TrustScore: store.DefaultTrustScore},
	}

	// The match is committed; profile loading only decorates the event.
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range []*realtime.Participant{&result.User1, &result.User2} {
		g.Go(func() error {
			user, err := e.dbStore.GetUser(gctx, p.ID)
			if err != nil {
				return err
			}
			if user != nil {
				p.Username = user.Username
				p.Avatar = user.Avatar
				p.TrustScore = user.TrustScore
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("Failed to load participant profiles", zap.String("conversation", conv.ID), zap.Error(err))
	}

	channel := realtime.ConversationChannel(conv.ID)
	e.hub.SubscribeUser(channel, conv.User1ID)
	e.hub.SubscribeUser(channel, conv.User2ID)

	event := realtime.RequestMatched{
		RequestID:      req.ID,
		ConversationID: conv.ID,
		Kind:           req.Kind,
		Topic:          req.Topic,
		User1:          result.User1,
		User2:          result.User2,
	}
	for _, userID := range []string{conv.User1ID, conv.User2ID} {
		if _, err := e.hub.Publish(realtime.UserChannel(userID), event); err != nil {
			e.logger.Error("Failed to publish request_matched", zap.String("user", userID), zap.Error(err))
		}
	}

	e.logger.Info("Request matched",
		zap.String("request", req.ID),
		zap.String("conversation", conv.ID),
		zap.String("owner", conv.User1ID),
		zap.String("matcher", conv.User2ID))
	return result, nil
}
