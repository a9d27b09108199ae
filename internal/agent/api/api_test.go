// ABOUTME: Tests for the Messages API connector
// ABOUTME: Serves canned API responses from an httptest server

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/agent"
)

type seenRequest struct {
	Model    string            `json:"model"`
	Messages []json.RawMessage `json:"messages"`
	System   []struct {
		Text string `json:"text"`
	} `json:"system"`
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []seenRequest
	status   int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req seenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	status := f.status
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad request"}}`))
		return
	}
	_, _ = w.Write([]byte(`{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "` + req.Model + `",
		"content": [
			{"type": "thinking", "thinking": "considering", "signature": "sig"},
			{"type": "text", "text": "hello back"}
		],
		"stop_reason": "end_turn",
		"stop_sequence": null,
		"usage": {"input_tokens": 5, "output_tokens": 7}
	}`))
}

func (f *fakeAPI) seen() []seenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]seenRequest(nil), f.requests...)
}

func newTestConnector(t *testing.T) (*Connector, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c := NewConnector(Config{APIKey: "test-key", MaxTokens: 256}, nil,
		option.WithBaseURL(srv.URL),
		option.WithMaxRetries(0))
	return c, api
}

func recv(t *testing.T, c agent.Conn) *agent.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := c.Recv(ctx)
	require.NoError(t, err)
	return ev
}

func TestConnector_Turn(t *testing.T) {
	c, api := newTestConnector(t)
	queue := agent.NewQueue[string]()

	conn, err := c.Connect(context.Background(), queue, agent.Options{
		Model:              "model-a",
		SystemPrompt:       "be terse",
		AppendSystemPrompt: "and kind",
	})
	require.NoError(t, err)
	defer conn.Close()

	first := recv(t, conn)
	assert.Equal(t, agent.EventSystem, first.Type)
	token := first.SessionID
	require.NotEmpty(t, token)

	queue.Push("hi")

	msg := recv(t, conn)
	require.Equal(t, agent.EventAssistant, msg.Type)
	require.Len(t, msg.Blocks, 2)
	assert.Equal(t, agent.Block{Type: agent.BlockThinking, Text: "considering"}, msg.Blocks[0])
	assert.Equal(t, agent.Block{Type: agent.BlockText, Text: "hello back"}, msg.Blocks[1])

	res := recv(t, conn)
	require.Equal(t, agent.EventResult, res.Type)
	assert.False(t, res.Result.IsError)
	assert.EqualValues(t, 12, res.Result.Tokens())
	assert.Equal(t, token, res.SessionID)

	reqs := api.seen()
	require.Len(t, reqs, 1)
	assert.Equal(t, "model-a", reqs[0].Model)
	require.Len(t, reqs[0].System, 1)
	assert.Equal(t, "be terse\n\nand kind", reqs[0].System[0].Text)
}

func TestConnector_SetModelAndHistory(t *testing.T) {
	c, api := newTestConnector(t)
	queue := agent.NewQueue[string]()

	conn, err := c.Connect(context.Background(), queue, agent.Options{Model: "model-a"})
	require.NoError(t, err)
	defer conn.Close()
	recv(t, conn)

	queue.Push("one")
	recv(t, conn)
	recv(t, conn)

	require.NoError(t, conn.SetModel(context.Background(), "model-b"))
	queue.Push("two")
	recv(t, conn)
	recv(t, conn)

	reqs := api.seen()
	require.Len(t, reqs, 2)
	assert.Equal(t, "model-b", reqs[1].Model)
	assert.Len(t, reqs[1].Messages, 3, "second turn carries the first exchange")
}

func TestConnector_ResumeContinuesTranscript(t *testing.T) {
	c, api := newTestConnector(t)

	q1 := agent.NewQueue[string]()
	conn, err := c.Connect(context.Background(), q1, agent.Options{Model: "m"})
	require.NoError(t, err)
	token := recv(t, conn).SessionID
	q1.Push("one")
	recv(t, conn)
	recv(t, conn)
	require.NoError(t, conn.Close())

	q2 := agent.NewQueue[string]()
	resumed, err := c.Connect(context.Background(), q2, agent.Options{Model: "m", ResumeToken: token})
	require.NoError(t, err)
	defer resumed.Close()

	assert.Equal(t, token, recv(t, resumed).SessionID)
	q2.Push("two")
	recv(t, resumed)
	recv(t, resumed)

	reqs := api.seen()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 3)
}

func TestConnector_APIErrorBecomesFailedResult(t *testing.T) {
	c, api := newTestConnector(t)
	api.status = http.StatusBadRequest
	queue := agent.NewQueue[string]()

	conn, err := c.Connect(context.Background(), queue, agent.Options{Model: "m"})
	require.NoError(t, err)
	defer conn.Close()
	recv(t, conn)

	queue.Push("hi")
	res := recv(t, conn)
	require.Equal(t, agent.EventResult, res.Type)
	assert.True(t, res.Result.IsError)
	assert.NotEmpty(t, res.Result.ErrorMessage())
}

func TestConnector_QueueCloseEndsStream(t *testing.T) {
	c, _ := newTestConnector(t)
	queue := agent.NewQueue[string]()

	conn, err := c.Connect(context.Background(), queue, agent.Options{Model: "m"})
	require.NoError(t, err)
	defer conn.Close()
	recv(t, conn)

	queue.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = conn.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnector_RequiresKey(t *testing.T) {
	t.Setenv(APIKeyEnv, "")
	c := NewConnector(Config{}, nil)
	_, err := c.Connect(context.Background(), agent.NewQueue[string](), agent.Options{Model: "m"})
	assert.ErrorContains(t, err, "no API key")
}

func TestConnector_KeyFromEnvironment(t *testing.T) {
	t.Setenv(APIKeyEnv, "from-env")
	c := NewConnector(Config{}, nil, option.WithBaseURL("http://127.0.0.1:0"))
	conn, err := c.Connect(context.Background(), agent.NewQueue[string](), agent.Options{Model: "m"})
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}
