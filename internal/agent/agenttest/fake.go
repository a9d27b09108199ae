// ABOUTME: Scriptable in-memory agent connector for tests
// ABOUTME: Records every connection, prompt, model switch and interrupt

// Package agenttest provides a fake agent.Connector.
package agenttest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/2389/coven-chat/internal/agent"
)

// RespondFunc runs for every prompt a connection reads. It typically emits
// events on c.
type RespondFunc func(c *Conn, prompt string)

// Connector is a fake agent.Connector.
type Connector struct {
	// Respond is called for each prompt; nil means the agent stays silent.
	Respond RespondFunc

	mu         sync.Mutex
	connectErr error
	conns      []*Conn
}

// NewConnector returns a Connector that answers prompts with respond.
func NewConnector(respond RespondFunc) *Connector {
	return &Connector{Respond: respond}
}

// FailConnects makes subsequent Connect calls return err. Pass nil to recover.
func (f *Connector) FailConnects(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// Connect implements agent.Connector.
func (f *Connector) Connect(ctx context.Context, prompts agent.Prompts, opts agent.Options) (agent.Conn, error) {
	f.mu.Lock()
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return nil, err
	}
	c := &Conn{
		Opts:   opts,
		model:  opts.Model,
		events: make(chan *agent.Event, 256),
		failed: make(chan struct{}),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	f.conns = append(f.conns, c)
	respond := f.Respond
	f.mu.Unlock()

	go c.run(ctx, prompts, respond)
	return c, nil
}

// Conns returns every connection opened so far, oldest first.
func (f *Connector) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// ConnectCount returns how many connections were opened.
func (f *Connector) ConnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Last returns the newest connection, or nil.
func (f *Connector) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Conn is a fake agent.Conn.
type Conn struct {
	// Opts are the options the connection was opened with.
	Opts agent.Options

	events chan *agent.Event
	failed chan struct{}
	done   chan struct{} // prompt source exhausted
	closed chan struct{}

	mu         sync.Mutex
	model      string
	prompts    []string
	promptedAt []string // model in effect when each prompt arrived
	models     []string
	interrupts int
	failErr    error
	failOnce   sync.Once
	closeOnce  sync.Once
}

func (c *Conn) run(ctx context.Context, prompts agent.Prompts, respond RespondFunc) {
	defer close(c.done)
	for {
		p, ok := prompts.Next(ctx)
		if !ok {
			return
		}
		c.mu.Lock()
		c.prompts = append(c.prompts, p)
		c.promptedAt = append(c.promptedAt, c.model)
		c.mu.Unlock()

		if respond != nil {
			respond(c, p)
		}
	}
}

// Emit queues ev for Recv.
func (c *Conn) Emit(ev *agent.Event) {
	c.events <- ev
}

// EmitInit emits a system/init event carrying sessionID.
func (c *Conn) EmitInit(sessionID string) {
	c.Emit(&agent.Event{Type: agent.EventSystem, Subtype: "init", SessionID: sessionID})
}

// EmitText emits an assistant text block.
func (c *Conn) EmitText(sessionID, text string) {
	c.Emit(&agent.Event{
		Type:      agent.EventAssistant,
		SessionID: sessionID,
		Blocks:    []agent.Block{{Type: agent.BlockText, Text: text}},
	})
}

// EmitThinking emits an assistant thinking block.
func (c *Conn) EmitThinking(sessionID, text string) {
	c.Emit(&agent.Event{
		Type:      agent.EventAssistant,
		SessionID: sessionID,
		Blocks:    []agent.Block{{Type: agent.BlockThinking, Text: text}},
	})
}

// EmitToolUse emits an assistant tool_use block.
func (c *Conn) EmitToolUse(sessionID, id, name string, input any) {
	raw, _ := json.Marshal(input)
	c.Emit(&agent.Event{
		Type:      agent.EventAssistant,
		SessionID: sessionID,
		Blocks:    []agent.Block{{Type: agent.BlockToolUse, ToolID: id, ToolName: name, Input: raw}},
	})
}

// EmitResult emits a successful result. tokens is reported as output tokens.
func (c *Conn) EmitResult(sessionID string, costUSD float64, durationMS, tokens int64) {
	c.Emit(&agent.Event{
		Type:      agent.EventResult,
		Subtype:   "success",
		SessionID: sessionID,
		Result: &agent.Result{
			Subtype:      "success",
			CostUSD:      costUSD,
			DurationMS:   durationMS,
			OutputTokens: tokens,
		},
	})
}

// EmitError emits a failed result with the given detail.
func (c *Conn) EmitError(sessionID, detail string) {
	c.Emit(&agent.Event{
		Type:      agent.EventResult,
		Subtype:   "error_during_execution",
		SessionID: sessionID,
		Result: &agent.Result{
			Subtype: "error_during_execution",
			IsError: true,
			Errors:  []string{detail},
		},
	})
}

// Fail makes Recv return err once buffered events are drained, simulating a
// dead connection.
func (c *Conn) Fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		c.failErr = err
		c.mu.Unlock()
		close(c.failed)
	})
}

// Recv implements agent.Conn.
func (c *Conn) Recv(ctx context.Context) (*agent.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}

	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.failed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.failErr
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-c.done:
		// Events emitted by the last respond call are already buffered.
		select {
		case ev := <-c.events:
			return ev, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetModel implements agent.Conn.
func (c *Conn) SetModel(ctx context.Context, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
	c.models = append(c.models, model)
	return nil
}

// Interrupt implements agent.Conn.
func (c *Conn) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts++
	return nil
}

// Close implements agent.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Prompts returns the prompts read so far, in order.
func (c *Conn) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

// PromptModels returns the model in effect when each prompt was read.
func (c *Conn) PromptModels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.promptedAt...)
}

// Models returns the SetModel calls received.
func (c *Conn) Models() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.models...)
}

// Interrupts returns how many times Interrupt was called.
func (c *Conn) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
