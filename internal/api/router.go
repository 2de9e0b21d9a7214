package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(apiHandler.logger))
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Get("/ws", apiHandler.WebSocketHandler)

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/users", apiHandler.SyncUserHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Get("/users/me", apiHandler.MeHandler)
			r.Post("/users/{userID}/rate", apiHandler.RateUserHandler)

			// Matching
			r.Post("/requests", apiHandler.CreateRequestHandler)
			r.Get("/requests/active", apiHandler.ActiveRequestsHandler)
			r.Post("/requests/{requestID}/match", apiHandler.MatchHandler)

			// Live sessions
			r.Route("/conversations/{conversationID}", func(r chi.Router) {
				r.Get("/messages", apiHandler.ListMessagesHandler)
				r.Post("/messages", apiHandler.PostMessageHandler)
				r.Get("/icebreakers", apiHandler.IcebreakersHandler)
				r.Post("/end", apiHandler.EndConversationHandler)
				r.Get("/ending", apiHandler.SessionEndingHandler)
			})
		})
	})

	return r
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("HTTP request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
