// ABOUTME: REST handlers for sessions, their message history and workspaces
// ABOUTME: History can be rendered to HTML from markdown with goldmark

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-chat/internal/store"
)

// markdown renders assistant and user text for ?format=html.
// Raw HTML in the source is escaped (goldmark's default).
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// SessionResponse is the JSON form of a session.
type SessionResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	WorkspaceID string `json:"workspace_id"`
	Model       string `json:"model,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
	Live        bool   `json:"live"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// CreateSessionRequest is the JSON request body for POST /api/sessions.
type CreateSessionRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
}

// MessageResponse is the JSON form of a stored message.
type MessageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Type      string `json:"type"` // "message", "thinking", "tool_use"
	Content   string `json:"content"`
	HTML      string `json:"html,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolID    string `json:"tool_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// SessionMessagesResponse is the JSON response for GET /api/sessions/{id}/messages.
type SessionMessagesResponse struct {
	SessionID string            `json:"session_id"`
	Messages  []MessageResponse `json:"messages"`
}

// WorkspaceResponse is the JSON form of a workspace.
type WorkspaceResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	CreatedAt string `json:"created_at"`
}

// CreateWorkspaceRequest is the JSON request body for POST /api/workspaces.
type CreateWorkspaceRequest struct {
	Name string `json:"name"`
}

func (g *Gateway) sessionResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		ID:          s.ID,
		Name:        s.Name,
		WorkspaceID: s.WorkspaceID,
		Model:       s.Model,
		ResumeToken: s.ResumeToken,
		Live:        g.chatLive(s.ID),
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   s.UpdatedAt.Format(time.RFC3339),
	}
}

func (g *Gateway) sessionResponses(sessions []*store.Session) []SessionResponse {
	out := make([]SessionResponse, len(sessions))
	for i, s := range sessions {
		out[i] = g.sessionResponse(s)
	}
	return out
}

// chatLive reports whether the session currently holds an agent connection.
func (g *Gateway) chatLive(sessionID string) bool {
	c := g.chats.Get(sessionID)
	return c != nil && c.Live()
}

func workspaceResponse(ws *store.Workspace) WorkspaceResponse {
	return WorkspaceResponse{
		ID:        ws.ID,
		Name:      ws.Name,
		Path:      ws.Path,
		CreatedAt: ws.CreatedAt.Format(time.RFC3339),
	}
}

// parseLimit reads ?limit=N. Zero means the store default.
func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := g.store.ListSessions(r.Context(), limit)
	if err != nil {
		g.logRequestError(r, "failed to list sessions", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, g.sessionResponses(sessions))
}

// handleCreateSession handles POST /api/sessions.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WorkspaceID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	if req.Name == "" {
		req.Name = "New chat"
	}

	sess := &store.Session{Name: req.Name, WorkspaceID: req.WorkspaceID}
	err := g.store.CreateSession(r.Context(), sess)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "workspace not found")
		return
	}
	if err != nil {
		g.logRequestError(r, "failed to create session", err, "workspace_id", req.WorkspaceID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("session created", "session_id", sess.ID, "workspace_id", sess.WorkspaceID)
	g.sendJSON(w, http.StatusCreated, g.sessionResponse(sess))
}

// handleGetSession handles GET /api/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := g.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logRequestError(r, "failed to get session", err, "session_id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, g.sessionResponse(sess))
}

// handleDeleteSession handles DELETE /api/sessions/{id}.
// The live chat is closed before its records go away.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g.chats.Delete(id)

	err := g.store.DeleteSession(r.Context(), id)
	// A load that read the rows before they went away may have cached a chat.
	g.chats.Delete(id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.logRequestError(r, "failed to delete session", err, "session_id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("session deleted", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionMessages handles GET /api/sessions/{id}/messages.
// Supports ?limit=N and ?format=html.
func (g *Gateway) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	asHTML := r.URL.Query().Get("format") == "html"

	if _, err := g.store.GetSession(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	} else if err != nil {
		g.logRequestError(r, "failed to get session", err, "session_id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	messages, err := g.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		g.logRequestError(r, "failed to list messages", err, "session_id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := SessionMessagesResponse{
		SessionID: id,
		Messages:  make([]MessageResponse, len(messages)),
	}
	for i, msg := range messages {
		msgType := msg.Type
		if msgType == "" {
			msgType = store.MessageTypeMessage
		}
		mr := MessageResponse{
			ID:        msg.ID,
			Role:      msg.Role,
			Type:      msgType,
			Content:   msg.Content,
			ToolName:  msg.ToolName,
			ToolID:    msg.ToolID,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		}
		// Tool input is JSON, not markdown.
		if asHTML && msgType != store.MessageTypeToolUse {
			mr.HTML = renderMarkdown(msg.Content)
		}
		response.Messages[i] = mr
	}

	g.sendJSON(w, http.StatusOK, response)
}

// renderMarkdown converts markdown to HTML, falling back to the raw text.
func renderMarkdown(src string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return src
	}
	return buf.String()
}

// handleListWorkspaces handles GET /api/workspaces.
func (g *Gateway) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := g.store.ListWorkspaces(r.Context())
	if err != nil {
		g.logRequestError(r, "failed to list workspaces", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	out := make([]WorkspaceResponse, len(workspaces))
	for i, ws := range workspaces {
		out[i] = workspaceResponse(ws)
	}
	g.sendJSON(w, http.StatusOK, out)
}

// handleCreateWorkspace handles POST /api/workspaces.
func (g *Gateway) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ws, err := g.workspaces.Create(r.Context(), req.Name)
	if err != nil {
		g.logRequestError(r, "failed to create workspace", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusCreated, workspaceResponse(ws))
}

// handleDeleteWorkspace handles DELETE /api/workspaces/{id}.
// Chats of the workspace's sessions are closed first; the store cascades the rows.
func (g *Gateway) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sessions, err := g.store.ListSessionsByWorkspace(r.Context(), id)
	if err != nil {
		g.logRequestError(r, "failed to list workspace sessions", err, "workspace_id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	for _, s := range sessions {
		g.chats.Delete(s.ID)
	}

	err = g.workspaces.Delete(r.Context(), id)
	for _, s := range sessions {
		g.chats.Delete(s.ID)
	}
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "workspace not found")
		return
	}
	if err != nil {
		g.logRequestError(r, "failed to delete workspace", err, "workspace_id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWorkspaceSessions handles GET /api/workspaces/{id}/sessions.
func (g *Gateway) handleWorkspaceSessions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := g.store.GetWorkspace(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "workspace not found")
		return
	} else if err != nil {
		g.logRequestError(r, "failed to get workspace", err, "workspace_id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	sessions, err := g.store.ListSessionsByWorkspace(r.Context(), id)
	if err != nil {
		g.logRequestError(r, "failed to list workspace sessions", err, "workspace_id", id)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, g.sessionResponses(sessions))
}
