// ABOUTME: Boundary interfaces between sessions and agent implementations
// ABOUTME: A Connector opens a Conn that reads prompts until its context ends

package agent

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by Session methods after Close.
var ErrSessionClosed = errors.New("agent session closed")

// ErrStreamEnded is reported when the agent stops producing output without
// being asked to.
var ErrStreamEnded = errors.New("agent stream ended unexpectedly")

// ErrTurnAborted is reported when the connection is torn down while a turn
// is still waiting for its result.
var ErrTurnAborted = errors.New("agent connection recycled before the turn finished")

// Prompts is the source a connection pulls user input from. Next returns
// false when the source is exhausted; the connection should then finish.
type Prompts interface {
	Next(ctx context.Context) (string, bool)
}

// Options configures a single connection.
type Options struct {
	WorkDir            string
	Model              string
	ResumeToken        string
	SystemPrompt       string
	AppendSystemPrompt string
	PermissionMode     string
	AllowedTools       []string
	MaxTurns           int
	// Env is applied to the process environment for the duration of Connect.
	Env map[string]string
}

// Connector opens connections to an agent. ctx bounds the connection's whole
// lifetime: cancelling it must stop the agent.
type Connector interface {
	Connect(ctx context.Context, prompts Prompts, opts Options) (Conn, error)
}

// Conn is a live agent connection.
type Conn interface {
	// Recv blocks for the next event. It returns io.EOF once the agent has
	// finished after its prompt source was exhausted.
	Recv(ctx context.Context) (*Event, error)
	// SetModel switches the model used for subsequent turns.
	SetModel(ctx context.Context, model string) error
	// Interrupt asks the agent to stop the current turn.
	Interrupt(ctx context.Context) error
	Close() error
}
