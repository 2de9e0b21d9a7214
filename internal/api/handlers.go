package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"zac.app/discovery/internal/auth"
	"zac.app/discovery/internal/core"
	"zac.app/discovery/internal/realtime"
	"zac.app/discovery/internal/store"
	"zac.app/discovery/internal/utils"
)

type contextKey string

const userIDKey contextKey = "userID"

type APIHandler struct {
	dbStore  *store.SQLiteStore
	hub      *realtime.Hub
	engine   *core.MatchingEngine
	sessions *core.SessionCoordinator
	ledger   *core.TrustLedger
	logger   *zap.Logger
}

func NewAPIHandler(db *store.SQLiteStore, hub *realtime.Hub, engine *core.MatchingEngine, sessions *core.SessionCoordinator, ledger *core.TrustLedger, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		dbStore:  db,
		hub:      hub,
		engine:   engine,
		sessions: sessions,
		ledger:   ledger,
		logger:   logger,
	}
}

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

// authenticate resolves a bearer token to an existing user id.
func (h *APIHandler) authenticate(ctx context.Context, token string) (string, int, error) {
	userID, err := auth.ValidateJWT(token)
	if err != nil {
		return "", http.StatusUnauthorized, errors.New("invalid token")
	}
	user, err := h.dbStore.GetUser(ctx, userID)
	if err != nil {
		h.logger.Error("Failed to load user for token", zap.String("user", userID), zap.Error(err))
		return "", http.StatusInternalServerError, errors.New("failed to process user identity")
	}
	if user == nil {
		return "", http.StatusUnauthorized, errors.New("user not found")
	}
	return userID, http.StatusOK, nil
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Authorization header is required", Code: "unauthorized"})
			return
		}

		userID, status, err := h.authenticate(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			writeJSON(w, status, errorBody{Error: err.Error(), Code: "unauthorized"})
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// classify maps core errors onto an HTTP status and a short code shared with websocket replies.
func classify(err error) (int, string) {
	var modErr *core.ModerationError
	switch {
	case errors.As(err, &modErr):
		return http.StatusUnprocessableEntity, "moderated"
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, core.ErrNotParticipant):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, core.ErrRequestNotFound),
		errors.Is(err, core.ErrConversationNotFound),
		errors.Is(err, core.ErrUserNotFound),
		errors.Is(err, core.ErrNotEnded):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrConversationClosed),
		errors.Is(err, core.ErrAlreadyEnded),
		errors.Is(err, core.ErrRaceLost):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}

	var modErr *core.ModerationError
	switch {
	case errors.As(err, &modErr):
		body.Error = "message rejected"
		body.Reason = modErr.Reason
	case status == http.StatusInternalServerError:
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("user", userIDFrom(r.Context())),
			zap.Error(err))
		body.Error = "operation failed"
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message, Code: "bad_request"})
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// User handlers

type SyncUserRequest struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type SyncUserResponse struct {
	User  *store.User `json:"user"`
	Token string      `json:"token"`
}

// SyncUserHandler creates or refreshes a user profile and issues a token for it.
func (h *APIHandler) SyncUserHandler(w http.ResponseWriter, r *http.Request) {
	var req SyncUserRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		badRequest(w, "username is required")
		return
	}
	if req.ID == "" {
		req.ID = utils.NewID()
	}

	user, err := h.dbStore.UpsertUser(r.Context(), req.ID, req.Username, req.Avatar)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	token, err := auth.GenerateJWT(user.ID)
	if err != nil {
		h.logger.Error("Failed to generate token", zap.String("user", user.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Failed to generate token", Code: "internal_error"})
		return
	}
	writeJSON(w, http.StatusOK, SyncUserResponse{User: user, Token: token})
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.dbStore.GetUser(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if user == nil {
		h.writeError(w, r, core.ErrUserNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type RateUserRequest struct {
	Rating *int `json:"rating"`
}

// RateUserHandler applies a standalone +1/-1 to another user's trust score.
func (h *APIHandler) RateUserHandler(w http.ResponseWriter, r *http.Request) {
	raterID := userIDFrom(r.Context())
	rateeID := chi.URLParam(r, "userID")

	var req RateUserRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if req.Rating == nil {
		h.writeError(w, r, core.ErrInvalidRating)
		return
	}
	if err := core.ValidateRating(req.Rating); err != nil {
		h.writeError(w, r, err)
		return
	}
	if rateeID == raterID {
		badRequest(w, "cannot rate yourself")
		return
	}

	score, err := h.ledger.Adjust(r.Context(), rateeID, *req.Rating)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": rateeID, "trust_score": score})
}

// Request handlers

type CreateRequestRequest struct {
	Kind          store.RequestKind `json:"kind"`
	Type          store.RequestKind `json:"type"` // Accepted as an alias of kind
	Topic         string            `json:"topic"`
	ScheduledTime *time.Time        `json:"scheduled_time,omitempty"`
}

func (h *APIHandler) CreateRequestHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRequestRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = req.Type
	}

	in := core.SubmitInput{
		OwnerID:       userIDFrom(r.Context()),
		Kind:          kind,
		Topic:         strings.TrimSpace(req.Topic),
		ScheduledTime: req.ScheduledTime,
	}
	if err := core.ValidateSubmission(in); err != nil {
		h.writeError(w, r, err)
		return
	}

	created, err := h.engine.Submit(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *APIHandler) ActiveRequestsHandler(w http.ResponseWriter, r *http.Request) {
	requests, err := h.engine.ActiveRequests(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

type MatchResponse struct {
	Matched      bool                  `json:"matched"`
	Conversation *store.Conversation   `json:"conversation,omitempty"`
	Request      *store.Request        `json:"request,omitempty"`
	Partner      *realtime.Participant `json:"partner,omitempty"`
}

// MatchHandler answers 200 either way; losing the race is reported as matched=false.
func (h *APIHandler) MatchHandler(w http.ResponseWriter, r *http.Request) {
	matcherID := userIDFrom(r.Context())
	requestID := chi.URLParam(r, "requestID")

	res, err := h.engine.Match(r.Context(), requestID, matcherID)
	if errors.Is(err, core.ErrRaceLost) {
		writeJSON(w, http.StatusOK, MatchResponse{Matched: false})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	partner := res.User1
	writeJSON(w, http.StatusOK, MatchResponse{
		Matched:      true,
		Conversation: res.Conversation,
		Request:      res.Request,
		Partner:      &partner,
	})
}

// Conversation handlers

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := h.sessions.History(r.Context(), chi.URLParam(r, "conversationID"), userIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}

	msg, err := h.sessions.Send(r.Context(), chi.URLParam(r, "conversationID"), userIDFrom(r.Context()), req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *APIHandler) IcebreakersHandler(w http.ResponseWriter, r *http.Request) {
	prompts, err := h.sessions.Icebreakers(r.Context(), chi.URLParam(r, "conversationID"), userIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"icebreakers": prompts})
}

type EndConversationRequest struct {
	Rating *int `json:"rating,omitempty"`
}

func (h *APIHandler) EndConversationHandler(w http.ResponseWriter, r *http.Request) {
	var req EndConversationRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "Invalid request body: "+err.Error())
		return
	}

	summary, err := h.sessions.End(r.Context(), chi.URLParam(r, "conversationID"), userIDFrom(r.Context()), req.Rating)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *APIHandler) SessionEndingHandler(w http.ResponseWriter, r *http.Request) {
	ending, err := h.sessions.Ending(r.Context(), chi.URLParam(r, "conversationID"), userIDFrom(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ending)
}
