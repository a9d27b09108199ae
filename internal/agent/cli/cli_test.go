// ABOUTME: Tests for the stream-json CLI connector
// ABOUTME: Drives small shell scripts standing in for the agent binary

package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/agent"
)

const pingPongScript = `#!/bin/sh
echo "$@" > args.txt
echo "$COVEN_TEST_OVERLAY" > env.txt
echo '{"type":"system","subtype":"init","session_id":"cli-session"}'
while IFS= read -r line; do
  case "$line" in
    *control_request*)
      echo "$line" >> control.txt
      echo '{"type":"control_response","response":{"subtype":"success"}}'
      ;;
    *)
      echo '{"type":"assistant","session_id":"cli-session","message":{"content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"pong"}]}}'
      echo '{"type":"result","subtype":"success","session_id":"cli-session","total_cost_usd":0.5,"duration_ms":12,"usage":{"input_tokens":3,"output_tokens":4}}'
      ;;
  esac
done
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts stand in for the agent binary")
	}
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func recv(t *testing.T, c agent.Conn) *agent.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := c.Recv(ctx)
	require.NoError(t, err)
	return ev
}

func TestArgs(t *testing.T) {
	args := Args(agent.Options{
		Model:              "m1",
		ResumeToken:        "tok",
		PermissionMode:     "bypassPermissions",
		MaxTurns:           100,
		AllowedTools:       []string{"Read", "Bash"},
		SystemPrompt:       "be terse",
		AppendSystemPrompt: "and kind",
	})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--input-format stream-json")
	assert.Contains(t, joined, "--output-format stream-json")
	assert.Contains(t, joined, "--model m1")
	assert.Contains(t, joined, "--resume tok")
	assert.Contains(t, joined, "--permission-mode bypassPermissions")
	assert.Contains(t, joined, "--max-turns 100")
	assert.Contains(t, joined, "--allowedTools Read,Bash")
	assert.Contains(t, args, "be terse")
	assert.Contains(t, args, "and kind")
}

func TestArgs_Minimal(t *testing.T) {
	args := Args(agent.Options{})
	assert.NotContains(t, args, "--resume")
	assert.NotContains(t, args, "--model")
}

func TestDecodeLine(t *testing.T) {
	ev, err := decodeLine([]byte(`{"type":"assistant","session_id":"s","message":{"content":[` +
		`{"type":"text","text":"hi"},` +
		`{"type":"thinking","thinking":"why"},` +
		`{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`))
	require.NoError(t, err)
	require.Len(t, ev.Blocks, 3)
	assert.Equal(t, agent.Block{Type: agent.BlockText, Text: "hi"}, ev.Blocks[0])
	assert.Equal(t, "why", ev.Blocks[1].Text)
	assert.Equal(t, "Bash", ev.Blocks[2].ToolName)
	assert.JSONEq(t, `{"command":"ls"}`, string(ev.Blocks[2].Input))

	ev, err = decodeLine([]byte(`{"type":"result","subtype":"error_max_turns","is_error":true,"errors":["too many turns"],"session_id":"s"}`))
	require.NoError(t, err)
	assert.True(t, ev.Result.IsError)
	assert.Equal(t, "too many turns", ev.Result.ErrorMessage())

	// Tool results come back as user messages with array content
	ev, err = decodeLine([]byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result"}]}}`))
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = decodeLine([]byte(`not json`))
	assert.Error(t, err)
}

func TestConnector_RoundTrip(t *testing.T) {
	script := writeScript(t, pingPongScript)
	dir := t.TempDir()
	t.Setenv("COVEN_TEST_OVERLAY", "inherited")

	queue := agent.NewQueue[string]()
	conn, err := NewConnector(script, nil).Connect(context.Background(), queue, agent.Options{
		WorkDir:     dir,
		Model:       "m1",
		ResumeToken: "prior",
	})
	require.NoError(t, err)
	defer conn.Close()

	first := recv(t, conn)
	assert.Equal(t, agent.EventSystem, first.Type)
	assert.Equal(t, "cli-session", first.SessionID)

	queue.Push("ping")

	msg := recv(t, conn)
	require.Equal(t, agent.EventAssistant, msg.Type)
	require.Len(t, msg.Blocks, 2)
	assert.Equal(t, agent.BlockThinking, msg.Blocks[0].Type)
	assert.Equal(t, "pong", msg.Blocks[1].Text)

	res := recv(t, conn)
	require.Equal(t, agent.EventResult, res.Type)
	assert.False(t, res.Result.IsError)
	assert.InDelta(t, 0.5, res.Result.CostUSD, 1e-9)
	assert.EqualValues(t, 12, res.Result.DurationMS)
	assert.EqualValues(t, 7, res.Result.Tokens())

	require.NoError(t, conn.SetModel(context.Background(), "m2"))
	require.NoError(t, conn.Interrupt(context.Background()))

	// Exhausting the prompt source lets the process finish.
	queue.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = conn.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "--resume prior")
	assert.Contains(t, string(args), "--model m1")

	env, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "inherited\n", string(env))

	control, err := os.ReadFile(filepath.Join(dir, "control.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(control), `"subtype":"set_model"`)
	assert.Contains(t, string(control), `"model":"m2"`)
	assert.Contains(t, string(control), `"subtype":"interrupt"`)
}

func TestConnector_NonZeroExit(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexit 3\n")

	conn, err := NewConnector(script, nil).Connect(context.Background(), agent.NewQueue[string](), agent.Options{WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = conn.Recv(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "agent process exited")
}

func TestConnector_CloseStopsProcess(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\nexec sleep 30\n")

	conn, err := NewConnector(script, nil).Connect(context.Background(), agent.NewQueue[string](), agent.Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		conn.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not stop the process")
	}
}

func TestConnector_ControlWritesHonorDeadline(t *testing.T) {
	// The process never reads stdin, so a large prompt fills the pipe.
	script := writeScript(t, "#!/bin/sh\nexec sleep 30\n")

	queue := agent.NewQueue[string]()
	conn, err := NewConnector(script, nil).Connect(context.Background(), queue, agent.Options{WorkDir: t.TempDir()})
	require.NoError(t, err)
	queue.Push(strings.Repeat("x", 1<<20))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = conn.Interrupt(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	closed := make(chan struct{})
	go func() {
		conn.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind a stuck stdin write")
	}
}

func TestConnector_OversizedLineFailsFast(t *testing.T) {
	script := writeScript(t, `#!/bin/sh
echo '{"type":"system","subtype":"init","session_id":"big"}'
head -c 5000000 /dev/zero | tr '\0' 'a'
echo
sleep 30
`)

	conn, err := NewConnector(script, nil).Connect(context.Background(), agent.NewQueue[string](), agent.Options{WorkDir: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	first := recv(t, conn)
	assert.Equal(t, "big", first.SessionID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = conn.Recv(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "reading agent output")
}

func TestConnector_MissingBinary(t *testing.T) {
	_, err := NewConnector(filepath.Join(t.TempDir(), "nope"), nil).
		Connect(context.Background(), agent.NewQueue[string](), agent.Options{})
	assert.ErrorContains(t, err, "starting")
}
