// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace // keyed by workspace ID
	sessions   map[string]*Session   // keyed by session ID
	messages   map[string][]*Message // keyed by session ID

	// Failure injection for tests
	AddMessageErr    error
	UpdateSessionErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		workspaces: make(map[string]*Workspace),
		sessions:   make(map[string]*Session),
		messages:   make(map[string][]*Message),
	}
}

// CreateWorkspace stores a new workspace.
func (m *MockStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.workspaces {
		if existing.Path == ws.Path {
			return ErrDuplicateWorkspace
		}
	}
	stampNew(&ws.ID, &ws.CreatedAt, &ws.UpdatedAt)

	// Make a copy to avoid external modification
	w := *ws
	m.workspaces[w.ID] = &w
	return nil
}

// GetWorkspace retrieves a workspace by ID.
func (m *MockStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *ws
	return &result, nil
}

// ListWorkspaces returns every workspace, most recently updated first.
func (m *MockStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		w := *ws
		out = append(out, &w)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// DeleteWorkspace removes a workspace along with its sessions and messages.
func (m *MockStore) DeleteWorkspace(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workspaces[id]; !ok {
		return ErrNotFound
	}
	delete(m.workspaces, id)
	for sid, s := range m.sessions {
		if s.WorkspaceID == id {
			delete(m.sessions, sid)
			delete(m.messages, sid)
		}
	}
	return nil
}

// CreateSession stores a new session. The workspace must exist.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workspaces[session.WorkspaceID]; !ok {
		return fmt.Errorf("workspace %s: %w", session.WorkspaceID, ErrNotFound)
	}
	stampNew(&session.ID, &session.CreatedAt, &session.UpdatedAt)

	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListSessions retrieves sessions ordered by most recent activity.
func (m *MockStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.sortedSessions(func(*Session) bool { return true })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSessionsByWorkspace returns a workspace's sessions, most recently updated first.
func (m *MockStore) ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedSessions(func(s *Session) bool { return s.WorkspaceID == workspaceID }), nil
}

func (m *MockStore) sortedSessions(keep func(*Session) bool) []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if keep(s) {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// UpdateSession applies the non-nil fields of update.
func (m *MockStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateSessionErr != nil {
		return m.UpdateSessionErr
	}

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if update.Name != nil {
		s.Name = *update.Name
	}
	if update.ResumeToken != nil {
		s.ResumeToken = *update.ResumeToken
	}
	if update.Model != nil {
		s.Model = *update.Model
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteSession removes a session and its messages.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	return nil
}

// AddMessage appends a message to a session's history.
func (m *MockStore) AddMessage(ctx context.Context, sessionID string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AddMessageErr != nil {
		return m.AddMessageErr
	}

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	msg.SessionID = sessionID
	if msg.Type == "" {
		msg.Type = MessageTypeMessage
	}
	stampNew(&msg.ID, &msg.CreatedAt, nil)

	c := *msg
	m.messages[sessionID] = append(m.messages[sessionID], &c)
	s.UpdatedAt = msg.CreatedAt
	return nil
}

// ListMessages returns a session's most recent messages in chronological order.
func (m *MockStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	if limit = clampLimit(limit); len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		out[i] = &c
	}
	return out, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
