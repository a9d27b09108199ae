// ABOUTME: HTTP API handler for chatting with an agent over Server-Sent Events
// ABOUTME: Provides POST /api/chat plus the shared JSON and SSE response helpers

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
)

// maxIdempotencyKeyLen bounds client-supplied idempotency keys.
const maxIdempotencyKeyLen = 100

// ChatRequest is the JSON request body for POST /api/chat.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
	// IdempotencyKey makes retries safe: a repeated key for the same session
	// within the dedupe window is rejected with 409.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// handleChat handles POST /api/chat requests.
// It forwards the message to the session's agent and streams every event the
// chat broadcasts until the turn finishes or the client goes away.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	chat, err := g.chats.GetOrCreate(r.Context(), req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if errors.Is(err, conversation.ErrChatClosed) {
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if err != nil {
		g.logRequestError(r, "failed to load chat", err, "session_id", req.SessionID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var dedupeKey string
	if req.IdempotencyKey != "" {
		dedupeKey = req.SessionID + ":" + req.IdempotencyKey
		if !g.idempotency.Claim(dedupeKey) {
			g.logger.Debug("duplicate chat request ignored",
				"session_id", req.SessionID, "idempotency_key", req.IdempotencyKey)
			g.sendJSONError(w, http.StatusConflict, "duplicate request")
			return
		}
	}

	// Subscribe before sending so no event of this turn is missed.
	sub := conversation.NewChannelSubscriber()
	subID := chat.Subscribe(r.Context(), sub)
	defer func() {
		chat.Unsubscribe(subID)
		sub.Close()
	}()

	if err := chat.SendMessage(r.Context(), req.Model, req.Message); err != nil {
		if dedupeKey != "" {
			g.idempotency.Release(dedupeKey)
		}
		switch {
		case errors.Is(err, conversation.ErrEmptyMessage):
			g.sendJSONError(w, http.StatusBadRequest, "message is required")
		case errors.Is(err, conversation.ErrChatClosed):
			g.sendJSONError(w, http.StatusServiceUnavailable, "session closed")
		default:
			g.logRequestError(r, "failed to send message", err, "session_id", req.SessionID)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "started", map[string]string{"session_id": req.SessionID})
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, sub.Events())
}

// streamEvents writes chat events as SSE until a terminal event, a closed
// subscription, or a cancelled request.
func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan conversation.Event) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()

			if ev.Terminal() {
				return
			}
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes v as a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// parseChatRequest parses and validates a ChatRequest from the given reader.
func parseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.SessionID == "" {
		return nil, errors.New("session_id is required")
	}

	if req.Message == "" {
		return nil, errors.New("message is required")
	}

	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return nil, errors.New("idempotency_key too long")
	}

	return &req, nil
}
