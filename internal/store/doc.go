// Package store provides persistent storage for coven-chat using SQLite.
//
// # Data Models
//
//   - Workspace: a directory the agent runs in (SYSTEM.md, agent.toml, .env)
//   - Session: a conversation bound to one workspace, carrying the agent's
//     resume token and the last chosen model
//   - Message: user and assistant history (text, thinking, tool_use)
//
// Deleting a workspace cascades to its sessions; deleting a session cascades
// to its messages.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Database file locations:
//
//   - Development: ~/.local/share/coven/chat.db
//   - Testing: a file under t.TempDir()
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateWorkspace: Workspace path already registered
//
// # Testing
//
// Use NewMockStore() for unit tests that do not need SQL semantics.
package store
