// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides workspace/session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Cascading deletes rely on this
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// The pragma is per-connection; a single connection keeps it in force.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			resume_token TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'message',
			content TEXT NOT NULL,
			tool_name TEXT,
			tool_id TEXT,
			created_at TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "sessions",
			column: "model",
			apply:  `ALTER TABLE sessions ADD COLUMN model TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// stampNew fills the id and timestamps callers left zero.
func stampNew(id *string, createdAt, updatedAt *time.Time) {
	if *id == "" {
		*id = uuid.New().String()
	}
	now := time.Now().UTC()
	if createdAt.IsZero() {
		*createdAt = now
	}
	if updatedAt != nil && updatedAt.IsZero() {
		*updatedAt = *createdAt
	}
}

// CreateWorkspace inserts a workspace row.
// Returns ErrDuplicateWorkspace if the path is already registered.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	stampNew(&ws.ID, &ws.CreatedAt, &ws.UpdatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, ws.ID, ws.Name, ws.Path, formatTime(ws.CreatedAt), formatTime(ws.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateWorkspace
		}
		return fmt.Errorf("inserting workspace: %w", err)
	}

	s.logger.Debug("created workspace", "id", ws.ID, "path", ws.Path)
	return nil
}

// GetWorkspace retrieves a workspace by ID.
// Returns ErrNotFound if the workspace doesn't exist.
func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, created_at, updated_at
		FROM workspaces
		WHERE id = ?
	`, id)

	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaces returns every workspace, most recently updated first.
func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, path, created_at, updated_at
		FROM workspaces
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workspace: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes a workspace and, through the foreign key, its sessions and messages.
func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting workspace: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	s.logger.Debug("deleted workspace", "id", id)
	return nil
}

// CreateSession inserts a session row.
// Returns ErrNotFound if the referenced workspace doesn't exist.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if _, err := s.GetWorkspace(ctx, session.WorkspaceID); err != nil {
		return fmt.Errorf("workspace %s: %w", session.WorkspaceID, err)
	}
	stampNew(&session.ID, &session.CreatedAt, &session.UpdatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, workspace_id, resume_token, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.Name,
		session.WorkspaceID,
		nullString(session.ResumeToken),
		nullString(session.Model),
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "workspace_id", session.WorkspaceID)
	return nil
}

const sessionColumns = `id, name, workspace_id, resume_token, model, created_at, updated_at`

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return session, nil
}

// ListSessions retrieves sessions ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC LIMIT ?`,
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListSessionsByWorkspace returns a workspace's sessions, most recently updated first.
func (s *SQLiteStore) ListSessionsByWorkspace(ctx context.Context, workspaceID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE workspace_id = ? ORDER BY updated_at DESC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	return collectSessions(rows)
}

// UpdateSession writes the non-nil fields of update and bumps updated_at.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.ResumeToken != nil {
		sets = append(sets, "resume_token = ?")
		args = append(args, nullString(*update.ResumeToken))
	}
	if update.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, nullString(*update.Model))
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	s.logger.Debug("updated session", "id", id)
	return nil
}

// DeleteSession removes a session and its messages.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	s.logger.Debug("deleted session", "id", id)
	return nil
}

// AddMessage appends a message to a session's history and touches the session.
func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID string, msg *Message) error {
	msg.SessionID = sessionID
	if msg.Type == "" {
		msg.Type = MessageTypeMessage
	}
	stampNew(&msg.ID, &msg.CreatedAt, nil)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, type, content, tool_name, tool_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		sessionID,
		msg.Role,
		msg.Type,
		msg.Content,
		nullString(msg.ToolName),
		nullString(msg.ToolID),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), sessionID); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	return tx.Commit()
}

// ListMessages returns a session's most recent messages in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, type, content, tool_name, tool_id, created_at
		FROM (
			SELECT *, rowid AS seq FROM messages
			WHERE session_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, seq ASC
	`, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var msg Message
		var toolName, toolID sql.NullString
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Type, &msg.Content,
			&toolName, &toolID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.ToolName = toolName.String
		msg.ToolID = toolID.String
		if msg.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row scanner) (*Workspace, error) {
	var ws Workspace
	var createdAt, updatedAt string
	if err := row.Scan(&ws.ID, &ws.Name, &ws.Path, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if ws.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if ws.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &ws, nil
}

func scanSession(row scanner) (*Session, error) {
	var session Session
	var resumeToken, model sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&session.ID, &session.Name, &session.WorkspaceID,
		&resumeToken, &model, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	session.ResumeToken = resumeToken.String
	session.Model = model.String

	var err error
	if session.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if session.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	return &session, nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
