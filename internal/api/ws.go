package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"zac.app/discovery/internal/config"
	"zac.app/discovery/internal/core"
	"zac.app/discovery/internal/realtime"
	"zac.app/discovery/internal/utils"
)

const (
	defaultReadTimeout = 60 * time.Second
	inflightTimeout    = 30 * time.Second
	maxFrameSize       = 64 << 10
)

// Inbound frame types.
const (
	frameJoin         = "join"
	frameLeave        = "leave"
	frameSendMessage  = "send_message"
	frameMatchRequest = "match_request"
	frameEndSession   = "end_session"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type inboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Rating         *int   `json:"rating,omitempty"`
}

// wsSession is the server side of one websocket client.
type wsSession struct {
	h       *APIHandler
	conn    *realtime.Connection
	userID  string
	ctx     context.Context
	pending sync.WaitGroup
}

// WebSocketHandler authenticates with ?token= (or the Authorization header), upgrades the
// connection and processes frames until the client disconnects.
func (h *APIHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "token is required", Code: "unauthorized"})
		return
	}
	userID, status, err := h.authenticate(r.Context(), token)
	if err != nil {
		writeJSON(w, status, errorBody{Error: err.Error(), Code: "unauthorized"})
		return
	}

	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.logger.Debug("Websocket upgrade failed", zap.String("user", userID), zap.Error(err))
		return
	}

	conn := realtime.NewConnection(userID, ws, config.AppConfig.SendBuffer)
	conn.Start()
	h.hub.Attach(conn)

	s := &wsSession{
		h:      h,
		conn:   conn,
		userID: userID,
		// Outlives the handler so an in-flight end_session still settles after a disconnect.
		ctx: context.WithoutCancel(r.Context()),
	}
	defer s.pending.Wait()
	defer func() {
		h.hub.Detach(conn)
		conn.Close(websocket.CloseNormalClosure, "session closed")
		h.logger.Info("Websocket disconnected", zap.String("user", userID), zap.String("connection", conn.ID()))
	}()
	h.logger.Info("Websocket connected", zap.String("user", userID), zap.String("connection", conn.ID()))

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	})

	s.reply(realtime.Connected{UserID: userID})

	for {
		_, data, err := ws.ReadMessage()
		select {
		case <-conn.Done():
			// Replaced by a newer connection or closed on shutdown; drop anything still buffered.
			h.logger.Debug("Websocket closed by server", zap.String("user", userID), zap.String("connection", conn.ID()))
			return
		default:
		}
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("Websocket read ended", zap.String("user", userID), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.replyError("bad_request", "invalid payload")
			continue
		}

		switch frame.Type {
		case frameJoin:
			s.handleJoin(frame)
		case frameLeave:
			s.handleLeave(frame)
		case frameSendMessage:
			s.handleSendMessage(frame)
		case frameMatchRequest:
			s.handleMatchRequest(frame)
		case frameEndSession:
			s.handleEndSession(frame)
		default:
			s.replyError("unsupported_type", "unknown frame type")
		}
	}
}

func (s *wsSession) handleJoin(frame inboundFrame) {
	if !utils.IsConversationID(frame.ConversationID) {
		s.replyError("bad_request", "a valid conversation_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, inflightTimeout)
	defer cancel()
	if _, err := s.h.sessions.Authorize(ctx, frame.ConversationID, s.userID); err != nil {
		s.replyErr(err)
		return
	}

	s.h.hub.Subscribe(realtime.ConversationChannel(frame.ConversationID), s.conn)
	s.reply(realtime.Joined{ConversationID: frame.ConversationID})
}

func (s *wsSession) handleLeave(frame inboundFrame) {
	if frame.ConversationID == "" {
		s.replyError("bad_request", "conversation_id is required")
		return
	}
	s.h.hub.Unsubscribe(realtime.ConversationChannel(frame.ConversationID), s.conn)
	s.reply(realtime.Left{ConversationID: frame.ConversationID})
}

// handleSendMessage replies only on rejection; the accepted message arrives through the
// conversation channel like everyone else's.
func (s *wsSession) handleSendMessage(frame inboundFrame) {
	if frame.ConversationID == "" {
		s.replyError("bad_request", "conversation_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, inflightTimeout)
	defer cancel()
	_, err := s.h.sessions.Send(ctx, frame.ConversationID, s.userID, frame.Content)

	var modErr *core.ModerationError
	switch {
	case err == nil:
	case errors.As(err, &modErr):
		s.reply(realtime.MessageRejected{ConversationID: frame.ConversationID, Reason: modErr.Reason})
	default:
		s.replyErr(err)
	}
}

// handleMatchRequest stays silent when the race is lost; winners hear about it on their user channel.
func (s *wsSession) handleMatchRequest(frame inboundFrame) {
	if frame.RequestID == "" {
		s.replyError("bad_request", "request_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, inflightTimeout)
	defer cancel()
	_, err := s.h.engine.Match(ctx, frame.RequestID, s.userID)
	if err != nil && !errors.Is(err, core.ErrRaceLost) {
		s.replyErr(err)
	}
}

// handleEndSession settles in the background and pushes the summary when it is ready.
func (s *wsSession) handleEndSession(frame inboundFrame) {
	if frame.ConversationID == "" {
		s.replyError("bad_request", "conversation_id is required")
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(s.ctx, inflightTimeout)
		defer cancel()
		summary, err := s.h.sessions.End(ctx, frame.ConversationID, s.userID, frame.Rating)
		if err != nil {
			s.replyErr(err)
			return
		}
		s.reply(realtime.SessionSummary{
			ConversationID: summary.ConversationID,
			Summary:        summary.Summary,
			Fallback:       summary.Fallback,
			PartnerID:      summary.PartnerID,
			PartnerScore:   summary.PartnerScore,
		})
	}()
}

func (s *wsSession) reply(ev realtime.Event) {
	if err := realtime.Reply(s.conn, ev); err != nil && !errors.Is(err, realtime.ErrSubscriberClosed) {
		s.h.logger.Warn("Failed to reply on websocket", zap.String("user", s.userID), zap.String("type", string(ev.Type())), zap.Error(err))
	}
}

func (s *wsSession) replyError(code, message string) {
	s.reply(realtime.ErrorReply{Code: code, Message: message})
}

func (s *wsSession) replyErr(err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.h.logger.Error("Websocket operation failed", zap.String("user", s.userID), zap.Error(err))
		message = "operation failed"
	}
	s.replyError(code, message)
}
