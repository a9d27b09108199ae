// ABOUTME: Stand-in agent CLI speaking the stream-json stdio protocol; echoes prompts with markdown
// ABOUTME: Usage: set agents.command to this binary to run coven-chat without the real agent

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

type options struct {
	Model          string
	Resume         string
	PermissionMode string
	MaxTurns       int
	Think          bool
	Delay          time.Duration
}

func main() {
	fs := pflag.NewFlagSet("fake-agent", pflag.ContinueOnError)
	var opts options

	// Accepted for command-line compatibility; the fake always streams JSON.
	fs.BoolP("print", "p", false, "non-interactive mode")
	fs.String("input-format", "stream-json", "input format")
	fs.String("output-format", "stream-json", "output format")
	fs.Bool("verbose", false, "verbose output")
	fs.String("allowedTools", "", "comma-separated tool allowlist")
	fs.String("system-prompt", "", "system prompt")
	fs.String("append-system-prompt", "", "text appended to the system prompt")

	fs.StringVar(&opts.Model, "model", "fake-model", "model name reported in replies")
	fs.StringVar(&opts.Resume, "resume", "", "session id to resume")
	fs.StringVar(&opts.PermissionMode, "permission-mode", "default", "permission mode")
	fs.IntVar(&opts.MaxTurns, "max-turns", 0, "maximum turns (ignored)")
	fs.BoolVar(&opts.Think, "think", false, "emit a thinking block before each reply")
	fs.DurationVar(&opts.Delay, "delay", 0, "pause before each reply")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "fake-agent:", err)
		os.Exit(1)
	}
}

// inbound is any line read from stdin.
type inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Message   struct {
		Content string `json:"content"`
	} `json:"message"`
	Request struct {
		Subtype string `json:"subtype"`
		Model   string `json:"model"`
	} `json:"request"`
}

type block struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

type agent struct {
	opts      options
	sessionID string
	out       *json.Encoder
}

// run reads stdin until EOF, answering every prompt.
func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	a := &agent{opts: opts, sessionID: opts.Resume, out: json.NewEncoder(out)}
	if a.sessionID == "" {
		a.sessionID = uuid.New().String()
	}

	if err := a.emit(map[string]any{
		"type":            "system",
		"subtype":         "init",
		"session_id":      a.sessionID,
		"model":           a.opts.Model,
		"permissionMode":  a.opts.PermissionMode,
		"resumed_session": opts.Resume != "",
	}); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "fake-agent ready session=%s model=%s\n", a.sessionID, a.opts.Model)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "fake-agent: bad input line: %v\n", err)
			continue
		}

		var err error
		switch msg.Type {
		case "user":
			err = a.reply(ctx, msg.Message.Content)
		case "control_request":
			err = a.control(msg)
		}
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (a *agent) emit(v any) error {
	return a.out.Encode(v)
}

func (a *agent) reply(ctx context.Context, prompt string) error {
	start := time.Now()
	if a.opts.Delay > 0 {
		select {
		case <-time.After(a.opts.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var content []block
	if a.opts.Think {
		content = append(content, block{Type: "thinking", Thinking: "The user said: " + prompt})
	}
	content = append(content, block{
		Type: "text",
		Text: fmt.Sprintf("**echo** (%s): %s", a.opts.Model, prompt),
	})

	if err := a.emit(map[string]any{
		"type":       "assistant",
		"session_id": a.sessionID,
		"message": map[string]any{
			"role":    "assistant",
			"model":   a.opts.Model,
			"content": content,
		},
	}); err != nil {
		return err
	}

	return a.emit(map[string]any{
		"type":           "result",
		"subtype":        "success",
		"session_id":     a.sessionID,
		"is_error":       false,
		"result":         prompt,
		"duration_ms":    time.Since(start).Milliseconds(),
		"total_cost_usd": 0,
		"usage": map[string]any{
			"input_tokens":  len(strings.Fields(prompt)),
			"output_tokens": len(strings.Fields(prompt)) + 2,
		},
	})
}

func (a *agent) control(msg inbound) error {
	switch msg.Request.Subtype {
	case "set_model":
		if msg.Request.Model != "" {
			a.opts.Model = msg.Request.Model
		}
	case "interrupt":
		// Replies are synchronous; nothing is ever in flight.
	default:
		return a.emit(map[string]any{
			"type": "control_response",
			"response": map[string]any{
				"subtype":    "error",
				"request_id": msg.RequestID,
				"error":      "unsupported control request: " + msg.Request.Subtype,
			},
		})
	}
	return a.emit(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": msg.RequestID,
		},
	})
}
