// ABOUTME: agent.Connector that runs the agent CLI as a long-lived stream-json subprocess
// ABOUTME: Prompts go to stdin as NDJSON; stdout lines become agent events; stderr is logged

// Package cli connects to the agent command-line tool over stdio.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/agent"
)

const (
	// maxLineSize bounds a single stdout line; tool results can be large.
	maxLineSize = 4 * 1024 * 1024

	eventBufferSize = 64

	// waitDelay bounds how long Wait lingers on pipes held by grandchildren.
	waitDelay = 5 * time.Second
)

// Connector starts the agent binary once per connection.
type Connector struct {
	command string
	logger  *slog.Logger
}

// NewConnector returns a Connector running command (e.g. "claude").
func NewConnector(command string, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		command: command,
		logger:  logger.With("component", "agent-cli"),
	}
}

// Args builds the command line for opts.
func Args(opts agent.Options) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
	}
	return args
}

// Connect starts the process. It inherits the process environment as it is
// during this call.
func (c *Connector) Connect(ctx context.Context, prompts agent.Prompts, opts agent.Options) (agent.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, c.command, Args(opts)...)
	cmd.Dir = opts.WorkDir
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", c.command, err)
	}

	conn := &Conn{
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		events: make(chan *agent.Event, eventBufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: c.logger.With("pid", cmd.Process.Pid),
	}

	conn.logger.Info("agent process started",
		"command", c.command,
		"dir", opts.WorkDir,
		"model", opts.Model,
		"resume", opts.ResumeToken != "")

	go conn.drainStderr(stderr)
	go conn.writePrompts(ctx, prompts)
	go conn.readLoop(stdout)

	return conn, nil
}

// Conn is a running agent process.
type Conn struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	logger *slog.Logger

	// stdinMu keeps lines whole; it is held only by write goroutines.
	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed atomic.Bool

	events chan *agent.Event
	stop   chan struct{} // closed by Close; unblocks readLoop
	done   chan struct{} // closed after readLoop exits; err is final
	err    error

	closeOnce sync.Once
}

// writePrompts forwards prompts to stdin until the source is exhausted, then
// closes stdin so the process can finish.
func (c *Conn) writePrompts(ctx context.Context, prompts agent.Prompts) {
	defer c.closeStdin()

	for {
		prompt, ok := prompts.Next(ctx)
		if !ok {
			return
		}
		msg := userMessage{
			Type:    "user",
			Message: userContent{Role: "user", Content: prompt},
		}
		if err := c.writeJSON(ctx, msg); err != nil {
			c.logger.Warn("failed to write prompt", "error", err)
			return
		}
	}
}

// writeJSON writes v as one stdin line. It stops waiting when ctx ends; a
// write stuck on a process that no longer reads stdin is released once the
// process dies or stdin is closed.
func (c *Conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	errc := make(chan error, 1)
	go func() {
		c.stdinMu.Lock()
		defer c.stdinMu.Unlock()
		if c.stdinClosed.Load() {
			errc <- io.ErrClosedPipe
			return
		}
		_, err := c.stdin.Write(data)
		errc <- err
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeStdin does not take stdinMu; closing the pipe unblocks a stuck write.
func (c *Conn) closeStdin() {
	if c.stdinClosed.CompareAndSwap(false, true) {
		c.stdin.Close()
	}
}

// readLoop decodes stdout until EOF, then waits for the process and records
// how it ended.
func (c *Conn) readLoop(stdout io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := decodeLine(line)
		if err != nil {
			c.logger.Warn("skipping malformed stream line", "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.stop:
			c.err = io.EOF
			c.cmd.Wait()
			return
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Nobody drains stdout any more; the process would block on it.
		c.cancel()
	}

	waitErr := c.cmd.Wait()
	switch {
	case scanErr != nil:
		c.err = fmt.Errorf("reading agent output: %w", scanErr)
	case waitErr != nil:
		c.err = fmt.Errorf("agent process exited: %w", waitErr)
	default:
		c.err = io.EOF
	}
	c.logger.Info("agent process exited", "result", c.err)
}

func (c *Conn) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		c.logger.Debug("agent stderr", "line", scanner.Text())
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
		// readLoop has exited; anything it queued is still buffered.
		select {
		case ev := <-c.events:
			return ev, nil
		default:
			return nil, c.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetModel implements agent.Conn.
func (c *Conn) SetModel(ctx context.Context, model string) error {
	return c.control(ctx, controlPayload{Subtype: "set_model", Model: model})
}

// Interrupt implements agent.Conn.
func (c *Conn) Interrupt(ctx context.Context) error {
	return c.control(ctx, controlPayload{Subtype: "interrupt"})
}

func (c *Conn) control(ctx context.Context, p controlPayload) error {
	req := controlRequest{
		Type:      "control_request",
		RequestID: uuid.New().String(),
		Request:   p,
	}
	if err := c.writeJSON(ctx, req); err != nil {
		return fmt.Errorf("sending %s: %w", p.Subtype, err)
	}
	return nil
}

// Close kills the process if it is still running and releases pipes.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeStdin()
		close(c.stop)
	})
	<-c.done
	return nil
}
