// ABOUTME: Store interface and data types for coven-chat persistence
// ABOUTME: Defines Workspace, Session, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateWorkspace is returned when a workspace path is already registered
var ErrDuplicateWorkspace = errors.New("workspace already exists")

// Workspace is a directory the agent works in. Sessions belong to exactly one workspace.
type Workspace struct {
	ID        string
	Name      string
	Path      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is a durable conversation record.
//
// ResumeToken is the opaque identifier the external agent hands back on its first
// output; it is empty until then. Model is empty when the conversation never chose one.
type Session struct {
	ID          string
	Name        string
	WorkspaceID string
	ResumeToken string
	Model       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageType constants for message types
const (
	MessageTypeMessage  = "message"  // Regular text message
	MessageTypeThinking = "thinking" // Reasoning text emitted before an answer
	MessageTypeToolUse  = "tool_use" // Tool invocation
)

// Message is a single persisted entry in a session's history
type Message struct {
	ID        string
	SessionID string
	Role      string // "user" or "assistant"
	Type      string // "message", "thinking", "tool_use" (defaults to "message")
	Content   string
	ToolName  string // For tool_use: name of the tool being called
	ToolID    string
	CreatedAt time.Time
}

// SessionUpdate carries the mutable fields of a Session. Nil fields are left untouched.
type SessionUpdate struct {
	Name        *string
	ResumeToken *string
	Model       *string
}

// Store defines the interface for workspace, session, and message persistence
type Store interface {
	// Workspaces
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]*Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) error
	DeleteSession(ctx context.Context, id string) error

	// Messages
	AddMessage(ctx context.Context, sessionID string, msg *Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}

// clampLimit applies the default and maximum list sizes shared by both implementations.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// StringPtr is a helper for building SessionUpdate values.
func StringPtr(s string) *string {
	return &s
}
