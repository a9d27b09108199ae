// ABOUTME: Chat ties one durable session to at most one live agent session and its subscribers
// ABOUTME: Record first, then act: the user message is stored before the agent sees it

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/agent"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/workspace"
)

var (
	// ErrChatClosed is returned by operations on a closed chat or registry.
	ErrChatClosed = errors.New("chat closed")
	// ErrEmptyMessage is returned when SendMessage gets no content.
	ErrEmptyMessage = errors.New("message is empty")
)

// Store defines what chats need from storage.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	GetWorkspace(ctx context.Context, id string) (*store.Workspace, error)
	UpdateSession(ctx context.Context, id string, update store.SessionUpdate) error
	AddMessage(ctx context.Context, sessionID string, msg *store.Message) error
}

// AgentDefaults fill in whatever a workspace's agent.toml leaves unset.
type AgentDefaults struct {
	Model          string
	PermissionMode string
	AllowedTools   []string
	MaxTurns       int
}

// Config holds what every chat is built from.
type Config struct {
	Store    Store
	Launcher *agent.Launcher
	Defaults AgentDefaults
	Logger   *slog.Logger
}

// Chat is the live side of one conversation.
type Chat struct {
	id        string
	workspace *store.Workspace
	store     Store
	launcher  *agent.Launcher
	defaults  AgentDefaults
	hub       *Hub
	logger    *slog.Logger

	// ctx ends every listening pass when the chat closes.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	session   *agent.Session
	listening bool
	model     string // last model persisted for the conversation
	token     string // last resume token persisted
	closed    bool
}

func newChat(sess *store.Session, ws *store.Workspace, cfg Config) *Chat {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Chat{
		id:        sess.ID,
		workspace: ws,
		store:     cfg.Store,
		launcher:  cfg.Launcher,
		defaults:  cfg.Defaults,
		hub:       NewHub(logger),
		logger:    logger.With("component", "chat", "session_id", sess.ID),
		ctx:       ctx,
		cancel:    cancel,
		model:     sess.Model,
		token:     sess.ResumeToken,
	}
}

// ID returns the conversation id.
func (c *Chat) ID() string { return c.id }

// SendMessage records content as a user message and forwards it to the
// agent, connecting first if needed. A non-empty model switches the
// conversation's model before content reaches the agent.
//
// Only a failure to record the message is returned. Agent failures are
// broadcast to subscribers as error events.
func (c *Chat) SendMessage(ctx context.Context, model, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if c.isClosed() {
		return ErrChatClosed
	}

	msg := &store.Message{
		Role:    store.RoleUser,
		Type:    store.MessageTypeMessage,
		Content: content,
	}
	if err := c.store.AddMessage(ctx, c.id, msg); err != nil {
		return fmt.Errorf("recording user message: %w", err)
	}
	c.logger.Debug("user message recorded", "message_id", msg.ID)
	c.Broadcast(Event{Type: EventUserMessage, Text: content})

	c.recordModel(ctx, model)

	sess, err := c.agentSession(ctx, model)
	if err != nil {
		if errors.Is(err, ErrChatClosed) || errors.Is(err, agent.ErrSessionClosed) {
			return ErrChatClosed
		}
		c.fail(fmt.Errorf("starting agent: %w", err))
		return nil
	}

	if err := sess.Send(ctx, model, content); err != nil {
		if errors.Is(err, agent.ErrSessionClosed) {
			return ErrChatClosed
		}
		c.fail(fmt.Errorf("sending to agent: %w", err))
		return nil
	}

	c.ensureListening(sess)
	return nil
}

func (c *Chat) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Chat) recordModel(ctx context.Context, model string) {
	if model == "" {
		return
	}
	c.mu.Lock()
	if model == c.model {
		c.mu.Unlock()
		return
	}
	c.model = model
	c.mu.Unlock()

	if err := c.store.UpdateSession(ctx, c.id, store.SessionUpdate{Model: &model}); err != nil {
		c.logger.Warn("failed to record model change", "model", model, "error", err)
	}
}

// agentSession returns the chat's agent session, creating and connecting it
// on first use.
func (c *Chat) agentSession(ctx context.Context, model string) (*agent.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChatClosed
	}
	sess := c.session
	if sess == nil {
		opts, err := c.agentOptions(model)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		sess = c.launcher.NewSession(opts)
		c.session = sess
	}
	c.mu.Unlock()

	if sess.Live() {
		return sess, nil
	}
	if err := sess.Init(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// agentOptions merges the workspace settings over the defaults. Caller
// holds c.mu.
func (c *Chat) agentOptions(model string) (agent.Options, error) {
	settings, err := workspace.LoadSettings(c.workspace.Path)
	if err != nil {
		return agent.Options{}, fmt.Errorf("loading workspace settings: %w", err)
	}

	opts := agent.Options{
		WorkDir:            c.workspace.Path,
		Model:              firstNonEmpty(model, c.model, settings.Model, c.defaults.Model),
		ResumeToken:        c.token,
		SystemPrompt:       settings.SystemPrompt,
		AppendSystemPrompt: settings.AppendSystemPrompt,
		PermissionMode:     firstNonEmpty(settings.PermissionMode, c.defaults.PermissionMode),
		AllowedTools:       c.defaults.AllowedTools,
		MaxTurns:           c.defaults.MaxTurns,
		Env:                settings.Env,
	}
	if len(settings.AllowedTools) > 0 {
		opts.AllowedTools = settings.AllowedTools
	}
	if settings.MaxTurns > 0 {
		opts.MaxTurns = settings.MaxTurns
	}
	return opts, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ensureListening starts the listening loop unless one is already running.
func (c *Chat) ensureListening(sess *agent.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listening || c.closed {
		return
	}
	c.listening = true
	go c.listen(sess)
}

// listen consumes agent output until the connection is gone. A send that
// reconnects while a pass is ending is picked up by the live check.
func (c *Chat) listen(sess *agent.Session) {
	for {
		c.consume(sess)

		c.mu.Lock()
		if !c.closed && c.session == sess && sess.Live() {
			c.mu.Unlock()
			continue
		}
		c.listening = false
		c.mu.Unlock()
		return
	}
}

func (c *Chat) consume(sess *agent.Session) {
	for ev, err := range sess.Output(c.ctx) {
		if err != nil {
			c.fail(fmt.Errorf("agent stream: %w", err))
			return
		}
		c.captureToken(sess)
		c.handle(ev)
	}
}

// captureToken persists the resume token the first time it shows up.
func (c *Chat) captureToken(sess *agent.Session) {
	token := sess.ResumeToken()
	if token == "" {
		return
	}
	c.mu.Lock()
	if token == c.token {
		c.mu.Unlock()
		return
	}
	c.token = token
	c.mu.Unlock()

	if err := c.store.UpdateSession(c.ctx, c.id, store.SessionUpdate{ResumeToken: &token}); err != nil {
		c.logger.Warn("failed to record resume token", "resume_token", token, "error", err)
		return
	}
	c.logger.Info("resume token recorded", "resume_token", token)
}

// handle persists and broadcasts one agent event.
func (c *Chat) handle(ev *agent.Event) {
	switch ev.Type {
	case agent.EventAssistant:
		for _, b := range ev.Blocks {
			c.handleBlock(b)
		}

	case agent.EventResult:
		if ev.Result == nil {
			return
		}
		if ev.Result.IsError {
			c.Broadcast(Event{Type: EventError, Message: ev.Result.ErrorMessage()})
			return
		}
		c.Broadcast(Event{
			Type:       EventResult,
			CostUSD:    ev.Result.CostUSD,
			DurationMS: ev.Result.DurationMS,
			Tokens:     ev.Result.Tokens(),
		})
	}
}

func (c *Chat) handleBlock(b agent.Block) {
	switch b.Type {
	case agent.BlockText:
		if b.Text == "" {
			return
		}
		c.persist(&store.Message{Role: store.RoleAssistant, Type: store.MessageTypeMessage, Content: b.Text})
		c.Broadcast(Event{Type: EventAssistantText, Text: b.Text})

	case agent.BlockThinking:
		if b.Text == "" {
			return
		}
		c.persist(&store.Message{Role: store.RoleAssistant, Type: store.MessageTypeThinking, Content: b.Text})
		c.Broadcast(Event{Type: EventThinking, Text: b.Text})

	case agent.BlockToolUse:
		c.persist(&store.Message{
			Role:     store.RoleAssistant,
			Type:     store.MessageTypeToolUse,
			Content:  string(b.Input),
			ToolName: b.ToolName,
			ToolID:   b.ToolID,
		})
		c.Broadcast(Event{Type: EventToolUse, ToolID: b.ToolID, ToolName: b.ToolName, Input: b.Input})
	}
}

func (c *Chat) persist(msg *store.Message) {
	if err := c.store.AddMessage(c.ctx, c.id, msg); err != nil {
		c.logger.Warn("failed to record agent output", "type", msg.Type, "error", err)
	}
}

// fail logs err and broadcasts it as an error event.
func (c *Chat) fail(err error) {
	c.logger.Warn("chat error", "error", err)
	c.Broadcast(Event{Type: EventError, Message: err.Error()})
}

// Broadcast stamps ev with the conversation id and delivers it to every
// subscriber.
func (c *Chat) Broadcast(ev Event) {
	ev.SessionID = c.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	c.hub.Broadcast(ev)
}

// Subscribe attaches sub until Unsubscribe or ctx ends.
func (c *Chat) Subscribe(ctx context.Context, sub Subscriber) string {
	return c.hub.Subscribe(ctx, sub)
}

// Unsubscribe detaches a subscriber.
func (c *Chat) Unsubscribe(subID string) {
	c.hub.Unsubscribe(subID)
}

// Subscribers returns the number of attached subscribers.
func (c *Chat) Subscribers() int {
	return c.hub.Len()
}

// Live reports whether the agent connection is open.
func (c *Chat) Live() bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	return sess != nil && sess.Live()
}

// Close tears down the agent session and drops every subscriber. Idempotent.
func (c *Chat) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sess := c.session
	c.mu.Unlock()

	c.cancel()
	if sess != nil {
		if err := sess.Close(); err != nil {
			c.logger.Warn("closing agent session", "error", err)
		}
	}
	c.hub.Clear()
	c.logger.Debug("chat closed")
	return nil
}
