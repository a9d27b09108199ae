// ABOUTME: Typed events a chat fans out to its subscribers
// ABOUTME: One event per unit of agent output; result and error end a turn

package conversation

import (
	"encoding/json"
	"time"
)

// EventType names a subscriber-visible event.
type EventType string

const (
	EventUserMessage   EventType = "user_message"
	EventAssistantText EventType = "assistant_text"
	EventThinking      EventType = "thinking"
	EventToolUse       EventType = "tool_use"
	EventResult        EventType = "result"
	EventError         EventType = "error"
)

// Event is what subscribers receive. Only the fields for Type are set.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// user_message, assistant_text, thinking
	Text string `json:"text,omitempty"`

	// tool_use
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`

	// result
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	Tokens     int64   `json:"tokens,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// Terminal reports whether the event ends the current turn.
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError
}
