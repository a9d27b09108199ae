// ABOUTME: chi router for the gateway: health probes and the authenticated /api tree
// ABOUTME: Includes the slog request logger middleware

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/coven-chat/internal/auth"
)

// Router builds the HTTP handler tree.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Route("/api", func(r chi.Router) {
		if g.verifier != nil {
			r.Use(auth.Middleware(g.verifier, g.logger))
		}

		r.Post("/chat", g.handleChat)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", g.handleListSessions)
			r.Post("/", g.handleCreateSession)
			r.Get("/{id}", g.handleGetSession)
			r.Delete("/{id}", g.handleDeleteSession)
			r.Get("/{id}/messages", g.handleSessionMessages)
			r.Get("/{id}/watch", g.handleWatch)
		})

		r.Route("/workspaces", func(r chi.Router) {
			r.Get("/", g.handleListWorkspaces)
			r.Post("/", g.handleCreateWorkspace)
			r.Delete("/{id}", g.handleDeleteWorkspace)
			r.Get("/{id}/sessions", g.handleWorkspaceSessions)
		})
	})

	return r
}

// requestLogger logs one line per request once the handler returns.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// handleHealth handles liveness probes.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReady reports whether the store answers and how many chats are live.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if _, err := g.store.ListWorkspaces(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"status": "unavailable"})
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"status":     "ready",
		"live_chats": g.chats.Len(),
	})
}

// logRequestError logs a handler failure with the request id attached.
func (g *Gateway) logRequestError(r *http.Request, msg string, err error, args ...any) {
	args = append(args, "error", err, "request_id", middleware.GetReqID(r.Context()))
	g.logger.Error(msg, args...)
}
