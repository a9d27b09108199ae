// ABOUTME: agent.Connector backed by the Anthropic Messages API
// ABOUTME: Keeps transcripts in memory per resume token so recycled connections continue the conversation

// Package api drives the Messages API directly instead of a local agent binary.
// The agent has no tools; each prompt is one request over the accumulated transcript.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/agent"
)

// APIKeyEnv is read at connect time when Config.APIKey is empty, so a
// workspace .env can supply it.
const APIKeyEnv = "ANTHROPIC_API_KEY"

// Config configures the API connector.
type Config struct {
	APIKey    string
	MaxTokens int64
}

// Connector opens Messages API conversations.
type Connector struct {
	cfg     Config
	extra   []option.RequestOption
	logger  *slog.Logger
	mu      sync.Mutex
	history map[string][]anthropic.MessageParam // resume token -> transcript
}

// NewConnector returns a Connector. extra options are passed to every client
// (base URL overrides, retries).
func NewConnector(cfg Config, logger *slog.Logger, extra ...option.RequestOption) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	return &Connector{
		cfg:     cfg,
		extra:   extra,
		logger:  logger.With("component", "agent-api"),
		history: make(map[string][]anthropic.MessageParam),
	}
}

// Connect implements agent.Connector.
func (c *Connector) Connect(ctx context.Context, prompts agent.Prompts, opts agent.Options) (agent.Conn, error) {
	key := c.cfg.APIKey
	if key == "" {
		key = os.Getenv(APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("no API key: set agents.api_key or %s", APIKeyEnv)
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}

	reqOpts := append([]option.RequestOption{option.WithAPIKey(key)}, c.extra...)
	client := anthropic.NewClient(reqOpts...)

	token := opts.ResumeToken
	if token == "" {
		token = uuid.New().String()
	} else if !c.hasTranscript(token) {
		c.logger.Warn("no transcript for resume token, starting fresh", "resume_token", token)
	}

	var system []string
	for _, s := range []string{opts.SystemPrompt, opts.AppendSystemPrompt} {
		if s != "" {
			system = append(system, s)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	conn := &Conn{
		connector: c,
		client:    client,
		token:     token,
		system:    strings.Join(system, "\n\n"),
		model:     opts.Model,
		cancel:    cancel,
		events:    make(chan *agent.Event, 16),
		done:      make(chan struct{}),
		logger:    c.logger.With("resume_token", token),
	}
	go conn.run(ctx, prompts)

	return conn, nil
}

func (c *Connector) hasTranscript(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.history[token]
	return ok
}

func (c *Connector) transcript(token string) []anthropic.MessageParam {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]anthropic.MessageParam(nil), c.history[token]...)
}

func (c *Connector) saveTranscript(token string, msgs []anthropic.MessageParam) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history[token] = msgs
}

// Conn is one API-backed connection.
type Conn struct {
	connector *Connector
	client    anthropic.Client
	token     string
	system    string
	cancel    context.CancelFunc
	logger    *slog.Logger

	events chan *agent.Event
	done   chan struct{}

	mu         sync.Mutex
	model      string
	turnCancel context.CancelFunc
}

func (c *Conn) run(ctx context.Context, prompts agent.Prompts) {
	defer close(c.done)

	if !c.emit(ctx, &agent.Event{Type: agent.EventSystem, Subtype: "init", SessionID: c.token}) {
		return
	}
	for {
		prompt, ok := prompts.Next(ctx)
		if !ok {
			return
		}
		if !c.turn(ctx, prompt) {
			return
		}
	}
}

// turn sends one prompt with the transcript and emits the reply. It returns
// false when the connection is shutting down.
func (c *Conn) turn(ctx context.Context, prompt string) bool {
	msgs := c.connector.transcript(c.token)
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	turnCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.turnCancel = cancel
	model := c.model
	c.mu.Unlock()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.connector.cfg.MaxTokens,
		Messages:  msgs,
	}
	if c.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.system}}
	}

	start := time.Now()
	resp, err := c.client.Messages.New(turnCtx, params)
	elapsed := time.Since(start).Milliseconds()

	c.mu.Lock()
	c.turnCancel = nil
	c.mu.Unlock()
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		subtype := "error_during_execution"
		if errors.Is(err, context.Canceled) {
			subtype = "error_interrupted"
		}
		c.logger.Warn("messages request failed", "model", model, "error", err)
		return c.emit(ctx, &agent.Event{
			Type:      agent.EventResult,
			Subtype:   subtype,
			SessionID: c.token,
			Result: &agent.Result{
				Subtype:    subtype,
				IsError:    true,
				Errors:     []string{err.Error()},
				DurationMS: elapsed,
			},
		})
	}

	c.connector.saveTranscript(c.token, append(msgs, resp.ToParam()))

	if !c.emit(ctx, &agent.Event{
		Type:      agent.EventAssistant,
		SessionID: c.token,
		Blocks:    blocks(resp.Content),
	}) {
		return false
	}

	return c.emit(ctx, &agent.Event{
		Type:      agent.EventResult,
		Subtype:   "success",
		SessionID: c.token,
		Result: &agent.Result{
			Subtype:      "success",
			Text:         string(resp.StopReason),
			DurationMS:   elapsed,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	})
}

func blocks(content []anthropic.ContentBlockUnion) []agent.Block {
	var out []agent.Block
	for _, block := range content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out = append(out, agent.Block{Type: agent.BlockText, Text: b.Text})
		case anthropic.ThinkingBlock:
			out = append(out, agent.Block{Type: agent.BlockThinking, Text: b.Thinking})
		case anthropic.ToolUseBlock:
			out = append(out, agent.Block{
				Type:     agent.BlockToolUse,
				ToolID:   b.ID,
				ToolName: b.Name,
				Input:    json.RawMessage(b.JSON.Input.Raw()),
			})
		}
	}
	return out
}

func (c *Conn) emit(ctx context.Context, ev *agent.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
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
	case <-c.done:
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

// SetModel implements agent.Conn. The next turn uses model.
func (c *Conn) SetModel(ctx context.Context, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
	return nil
}

// Interrupt implements agent.Conn by cancelling the in-flight request.
func (c *Conn) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turnCancel != nil {
		c.turnCancel()
	}
	return nil
}

// Close implements agent.Conn.
func (c *Conn) Close() error {
	c.cancel()
	<-c.done
	return nil
}
