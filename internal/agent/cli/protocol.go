// ABOUTME: Wire types for the agent CLI's stream-json stdin/stdout protocol
// ABOUTME: Decodes NDJSON output lines into agent.Event values

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/2389/coven-chat/internal/agent"
)

// userMessage is written to stdin for every prompt.
type userMessage struct {
	Type            string      `json:"type"`
	Message         userContent `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	SessionID       string      `json:"session_id"`
}

type userContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// controlRequest asks the CLI to change state outside the prompt flow.
type controlRequest struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Request   controlPayload `json:"request"`
}

type controlPayload struct {
	Subtype string `json:"subtype"`
	Model   string `json:"model,omitempty"`
}

// streamLine is one NDJSON line from stdout.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`

	// result fields
	Result     string   `json:"result,omitempty"`
	IsError    bool     `json:"is_error,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	Cost       float64  `json:"total_cost_usd,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
	Usage      *usage   `json:"usage,omitempty"`
}

type usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// decodeLine converts a stdout line into an event. It returns nil for lines
// that carry nothing for the conversation (tool results echoed back as user
// messages, control responses, partial stream events).
func decodeLine(line []byte) (*agent.Event, error) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, fmt.Errorf("decoding stream line: %w", err)
	}

	switch sl.Type {
	case "system":
		return &agent.Event{Type: agent.EventSystem, Subtype: sl.Subtype, SessionID: sl.SessionID}, nil

	case "assistant":
		var msg assistantMessage
		if len(sl.Message) > 0 {
			if err := json.Unmarshal(sl.Message, &msg); err != nil {
				return nil, fmt.Errorf("decoding assistant message: %w", err)
			}
		}
		ev := &agent.Event{Type: agent.EventAssistant, SessionID: sl.SessionID}
		for _, b := range msg.Content {
			switch b.Type {
			case "text":
				ev.Blocks = append(ev.Blocks, agent.Block{Type: agent.BlockText, Text: b.Text})
			case "thinking":
				ev.Blocks = append(ev.Blocks, agent.Block{Type: agent.BlockThinking, Text: b.Thinking})
			case "tool_use":
				ev.Blocks = append(ev.Blocks, agent.Block{
					Type:     agent.BlockToolUse,
					ToolID:   b.ID,
					ToolName: b.Name,
					Input:    b.Input,
				})
			}
		}
		return ev, nil

	case "result":
		res := &agent.Result{
			Subtype:    sl.Subtype,
			IsError:    sl.IsError || sl.Subtype != "success",
			Text:       sl.Result,
			Errors:     sl.Errors,
			CostUSD:    sl.Cost,
			DurationMS: sl.DurationMS,
		}
		if sl.Usage != nil {
			res.InputTokens = sl.Usage.InputTokens + sl.Usage.CacheCreationInputTokens + sl.Usage.CacheReadInputTokens
			res.OutputTokens = sl.Usage.OutputTokens
		}
		return &agent.Event{Type: agent.EventResult, Subtype: sl.Subtype, SessionID: sl.SessionID, Result: res}, nil

	default:
		return nil, nil
	}
}
