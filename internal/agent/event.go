// ABOUTME: Typed output events produced by an agent connection
// ABOUTME: Mirrors the system/assistant/result message shapes of the agent stream

package agent

import (
	"encoding/json"
	"strings"
)

// EventType identifies the kind of output unit.
type EventType string

const (
	EventSystem    EventType = "system"    // session metadata; subtype "init" carries the session id
	EventAssistant EventType = "assistant" // one assistant message made of content blocks
	EventResult    EventType = "result"    // end of a turn, success or failure
)

// BlockType identifies an assistant content block.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
	BlockToolUse  BlockType = "tool_use"
)

// Block is one piece of an assistant message.
type Block struct {
	Type BlockType
	// Text holds the text for BlockText and the reasoning for BlockThinking.
	Text     string
	ToolID   string
	ToolName string
	Input    json.RawMessage
}

// Result summarizes a finished turn.
type Result struct {
	Subtype      string // "success", "error_max_turns", "error_during_execution", ...
	IsError      bool
	Text         string
	Errors       []string
	CostUSD      float64
	DurationMS   int64
	InputTokens  int64
	OutputTokens int64
}

// Tokens is the total token count billed for the turn.
func (r *Result) Tokens() int64 {
	return r.InputTokens + r.OutputTokens
}

// ErrorMessage describes a failed result for display.
func (r *Result) ErrorMessage() string {
	if len(r.Errors) > 0 {
		return strings.Join(r.Errors, "; ")
	}
	if r.Text != "" {
		return r.Text
	}
	if r.Subtype != "" {
		return "agent turn failed: " + r.Subtype
	}
	return "agent turn failed"
}

// Event is one unit of agent output.
type Event struct {
	Type    EventType
	Subtype string
	// SessionID is the agent-side conversation id, usable as a resume token.
	SessionID string
	Blocks    []Block
	Result    *Result
}
