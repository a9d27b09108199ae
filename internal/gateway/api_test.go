// ABOUTME: Tests for the HTTP API: SSE chat, session and workspace routes, WebSocket watch
// ABOUTME: Runs the router on httptest with the in-memory store and the fake agent

package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/agent/agenttest"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
)

const testAgentSessionID = "agent-sid"

func echo(c *agenttest.Conn, prompt string) {
	c.EmitText(testAgentSessionID, "re: "+prompt)
	c.EmitResult(testAgentSessionID, 0.02, 300, 12)
}

type apiFixture struct {
	gw        *Gateway
	store     *store.MockStore
	fake      *agenttest.Connector
	srv       *httptest.Server
	sessionID string
}

func newAPIFixture(t *testing.T, respond agenttest.RespondFunc, secret string) *apiFixture {
	t.Helper()
	ctx := t.Context()

	cfg := testConfig(t)
	cfg.Auth.JWTSecret = secret

	st := store.NewMockStore()
	ws := &store.Workspace{Name: "ws", Path: t.TempDir()}
	require.NoError(t, st.CreateWorkspace(ctx, ws))
	sess := &store.Session{Name: "chat", WorkspaceID: ws.ID}
	require.NoError(t, st.CreateSession(ctx, sess))

	fake := agenttest.NewConnector(respond)
	gw, err := newGateway(cfg, st, fake, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)
	// Runs before srv.Close so open streams end first.
	t.Cleanup(func() {
		gw.chats.Close()
		gw.idempotency.Close()
	})

	return &apiFixture{gw: gw, store: st, fake: fake, srv: srv, sessionID: sess.ID}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type sseEvent struct {
	Event string
	Data  string
}

// readSSE reads the whole stream; the handler closes it after a terminal event.
func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Event != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return out
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	return names
}

func TestHandleChat_StreamsTurn(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	resp := f.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: f.sessionID, Message: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	events := readSSE(t, resp.Body)
	require.Equal(t, []string{"started", "user_message", "assistant_text", "result"}, eventNames(events))
	assert.JSONEq(t, `{"session_id":"`+f.sessionID+`"}`, events[0].Data)

	var user conversation.Event
	require.NoError(t, json.Unmarshal([]byte(events[1].Data), &user))
	assert.Equal(t, "hello", user.Text)

	var text conversation.Event
	require.NoError(t, json.Unmarshal([]byte(events[2].Data), &text))
	assert.Equal(t, "re: hello", text.Text)
	assert.Equal(t, f.sessionID, text.SessionID)

	var result conversation.Event
	require.NoError(t, json.Unmarshal([]byte(events[3].Data), &result))
	assert.EqualValues(t, 12, result.Tokens)

	msgs, err := f.store.ListMessages(t.Context(), f.sessionID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "re: hello", msgs[1].Content)
}

func TestHandleChat_ModelIsForwarded(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	resp := f.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: f.sessionID, Message: "hi", Model: "big-model"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readSSE(t, resp.Body)

	require.NotNil(t, f.fake.Last())
	assert.Equal(t, "big-model", f.fake.Last().Opts.Model)

	sess, err := f.store.GetSession(t.Context(), f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, "big-model", sess.Model)
}

func TestHandleChat_DefaultModel(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	resp := f.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: f.sessionID, Message: "hi"})
	readSSE(t, resp.Body)

	require.NotNil(t, f.fake.Last())
	assert.Equal(t, "test-model", f.fake.Last().Opts.Model)
	assert.Equal(t, "default", f.fake.Last().Opts.PermissionMode)
}

func TestHandleChat_AgentErrorEndsStream(t *testing.T) {
	f := newAPIFixture(t, func(c *agenttest.Conn, prompt string) {
		c.EmitError(testAgentSessionID, "tool exploded")
	}, "")

	resp := f.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: f.sessionID, Message: "boom"})
	events := readSSE(t, resp.Body)
	require.Equal(t, []string{"started", "user_message", "error"}, eventNames(events))
	assert.Contains(t, events[2].Data, "tool exploded")
}

func TestHandleChat_BadRequests(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	tests := []struct {
		name string
		body any
	}{
		{"invalid json", "not an object"},
		{"missing session", ChatRequest{Message: "hi"}},
		{"missing message", ChatRequest{SessionID: f.sessionID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decode[map[string]string](t, resp)["error"])
		})
	}
	assert.Zero(t, f.fake.ConnectCount())
}

func TestHandleChat_DuplicateIdempotencyKey(t *testing.T) {
	f := newAPIFixture(t, echo, "")
	req := ChatRequest{SessionID: f.sessionID, Message: "once", IdempotencyKey: "retry-1"}

	resp := f.do(t, http.MethodPost, "/api/chat", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readSSE(t, resp.Body)

	resp = f.do(t, http.MethodPost, "/api/chat", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate request", decode[map[string]string](t, resp)["error"])

	msgs, err := f.store.ListMessages(t.Context(), f.sessionID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, []string{"once"}, f.fake.Last().Prompts())

	// The same key on another session is independent.
	other := &store.Session{Name: "other", WorkspaceID: mustSession(t, f).WorkspaceID}
	require.NoError(t, f.store.CreateSession(t.Context(), other))
	resp = f.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: other.ID, Message: "once", IdempotencyKey: "retry-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readSSE(t, resp.Body)
}

func TestHandleChat_IdempotencyKeyTooLong(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	resp := f.do(t, http.MethodPost, "/api/chat", ChatRequest{
		SessionID: f.sessionID, Message: "hi", IdempotencyKey: strings.Repeat("k", maxIdempotencyKeyLen+1),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func mustSession(t *testing.T, f *apiFixture) *store.Session {
	t.Helper()
	sess, err := f.store.GetSession(t.Context(), f.sessionID)
	require.NoError(t, err)
	return sess
}

func TestHandleChat_UnknownSession(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	resp := f.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: "nope", Message: "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session not found", decode[map[string]string](t, resp)["error"])
}

func TestHandleChat_MethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	resp := f.do(t, http.MethodGet, "/api/chat", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSessionsAndWorkspacesCRUD(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	resp := f.do(t, http.MethodPost, "/api/workspaces", CreateWorkspaceRequest{Name: "project"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ws := decode[WorkspaceResponse](t, resp)
	assert.Equal(t, "project", ws.Name)
	assert.DirExists(t, ws.Path)

	resp = f.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{WorkspaceID: ws.ID, Name: "first"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decode[SessionResponse](t, resp)
	assert.Equal(t, ws.ID, sess.WorkspaceID)
	assert.Equal(t, "first", sess.Name)
	assert.False(t, sess.Live)

	resp = f.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sess.ID, decode[SessionResponse](t, resp).ID)

	resp = f.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]SessionResponse](t, resp), 2)

	resp = f.do(t, http.MethodGet, "/api/workspaces/"+ws.ID+"/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[[]SessionResponse](t, resp)
	require.Len(t, listed, 1)
	assert.Equal(t, sess.ID, listed[0].ID)

	resp = f.do(t, http.MethodGet, "/api/workspaces", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]WorkspaceResponse](t, resp), 2)

	resp = f.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/workspaces/"+ws.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NoDirExists(t, ws.Path)
	resp = f.do(t, http.MethodDelete, "/api/workspaces/"+ws.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/workspaces/"+ws.ID+"/sessions", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSession_Validation(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	resp := f.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{WorkspaceID: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteSession_ClosesLiveChat(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	resp := f.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: f.sessionID, Message: "hi"})
	readSSE(t, resp.Body)

	chat := f.gw.chats.Get(f.sessionID)
	require.NotNil(t, chat)
	require.True(t, chat.Live())

	resp = f.do(t, http.MethodGet, "/api/sessions/"+f.sessionID, nil)
	assert.True(t, decode[SessionResponse](t, resp).Live)

	resp = f.do(t, http.MethodDelete, "/api/sessions/"+f.sessionID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Nil(t, f.gw.chats.Get(f.sessionID))
	assert.False(t, chat.Live())
	assert.True(t, f.fake.Last().Closed())
}

func TestSessionMessages(t *testing.T) {
	f := newAPIFixture(t, echo, "")
	ctx := t.Context()

	require.NoError(t, f.store.AddMessage(ctx, f.sessionID, &store.Message{
		Role: store.RoleUser, Type: store.MessageTypeMessage, Content: "make it **bold**",
	}))
	require.NoError(t, f.store.AddMessage(ctx, f.sessionID, &store.Message{
		Role: store.RoleAssistant, Type: store.MessageTypeToolUse, Content: `{"path":"a.go"}`,
		ToolName: "Read", ToolID: "tool-1",
	}))

	resp := f.do(t, http.MethodGet, "/api/sessions/"+f.sessionID+"/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plain := decode[SessionMessagesResponse](t, resp)
	require.Len(t, plain.Messages, 2)
	assert.Equal(t, f.sessionID, plain.SessionID)
	assert.Equal(t, "make it **bold**", plain.Messages[0].Content)
	assert.Empty(t, plain.Messages[0].HTML)
	assert.Equal(t, "Read", plain.Messages[1].ToolName)
	assert.Equal(t, "tool-1", plain.Messages[1].ToolID)

	resp = f.do(t, http.MethodGet, "/api/sessions/"+f.sessionID+"/messages?format=html", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rendered := decode[SessionMessagesResponse](t, resp)
	require.Len(t, rendered.Messages, 2)
	assert.Contains(t, rendered.Messages[0].HTML, "<strong>bold</strong>")
	assert.Empty(t, rendered.Messages[1].HTML)

	resp = f.do(t, http.MethodGet, "/api/sessions/"+f.sessionID+"/messages?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	limited := decode[SessionMessagesResponse](t, resp)
	require.Len(t, limited.Messages, 1)
	assert.Equal(t, store.MessageTypeToolUse, limited.Messages[0].Type)

	resp = f.do(t, http.MethodGet, "/api/sessions/"+f.sessionID+"/messages?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/sessions/nope/messages", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRenderMarkdownEscapesHTML(t *testing.T) {
	out := renderMarkdown("<script>alert(1)</script>")
	assert.NotContains(t, out, "<script>")
}

func TestWatch_ReceivesBroadcasts(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/sessions/" + f.sessionID + "/watch"
	ws, _, err := websocket.Dial(t.Context(), url, nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	require.Eventually(t, func() bool {
		c := f.gw.chats.Get(f.sessionID)
		return c != nil && c.Subscribers() == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp := f.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: f.sessionID, Message: "watched"})
	readSSE(t, resp.Body)

	var user, text, result conversation.Event
	require.NoError(t, wsjson.Read(t.Context(), ws, &user))
	assert.Equal(t, conversation.EventUserMessage, user.Type)
	assert.Equal(t, "watched", user.Text)
	require.NoError(t, wsjson.Read(t.Context(), ws, &text))
	assert.Equal(t, conversation.EventAssistantText, text.Type)
	assert.Equal(t, "re: watched", text.Text)
	require.NoError(t, wsjson.Read(t.Context(), ws, &result))
	assert.Equal(t, conversation.EventResult, result.Type)

	// The watcher outlives the turn.
	assert.Equal(t, 1, f.gw.chats.Get(f.sessionID).Subscribers())
}

func TestWatch_DetachesWhenViewerLeaves(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/sessions/" + f.sessionID + "/watch"
	ws, _, err := websocket.Dial(t.Context(), url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c := f.gw.chats.Get(f.sessionID)
		return c != nil && c.Subscribers() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))

	assert.Eventually(t, func() bool {
		return f.gw.chats.Get(f.sessionID).Subscribers() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWatch_UnknownSession(t *testing.T) {
	f := newAPIFixture(t, echo, "")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/sessions/nope/watch"
	_, resp, err := websocket.Dial(t.Context(), url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_RequiresTokenWhenSecretSet(t *testing.T) {
	secret := strings.Repeat("s", auth.MinSecretLength)
	f := newAPIFixture(t, echo, secret)

	resp := f.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	token, err := verifier.Generate("alice", time.Minute)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, f.srv.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}
