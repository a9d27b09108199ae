// ABOUTME: WebSocket endpoint that streams a chat's broadcast events to a live viewer
// ABOUTME: One JSON text frame per event until the viewer or the chat goes away

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
)

const watchWriteTimeout = 10 * time.Second

// handleWatch handles GET /api/sessions/{id}/watch.
// Viewers only receive; anything they send is discarded.
func (g *Gateway) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	chat, err := g.chats.GetOrCreate(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if errors.Is(err, conversation.ErrChatClosed) {
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	if err != nil {
		g.logRequestError(r, "failed to load chat", err, "session_id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "session_id", id, "error", err)
		return
	}
	defer ws.CloseNow()

	// CloseRead discards client frames and cancels ctx when the viewer disconnects.
	ctx := ws.CloseRead(r.Context())

	sub := conversation.NewChannelSubscriber()
	subID := chat.Subscribe(ctx, sub)
	defer func() {
		chat.Unsubscribe(subID)
		sub.Close()
	}()

	logger := g.logger.With("session_id", id, "sub_id", subID)
	logger.Info("viewer attached")
	defer logger.Info("viewer detached")

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub.Events():
			if !ok {
				ws.Close(websocket.StatusGoingAway, "stream ended")
				return
			}
			if err := writeEvent(ctx, ws, ev); err != nil {
				logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev conversation.Event) error {
	ctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, ev)
}
