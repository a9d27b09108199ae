// ABOUTME: Workspace lifecycle: directory creation from a template plus the store row
// ABOUTME: Deletion removes both the directory and the row (sessions cascade)

package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/store"
)

// Manager creates and removes workspace directories under a root.
type Manager struct {
	root        string
	templateDir string
	store       store.Store
	logger      *slog.Logger
}

// NewManager returns a Manager rooted at root. templateDir may be empty.
func NewManager(root, templateDir string, s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:        root,
		templateDir: templateDir,
		store:       s,
		logger:      logger.With("component", "workspace"),
	}
}

// Create allocates a new workspace directory, seeds it from the template and
// records it in the store.
func (m *Manager) Create(ctx context.Context, name string) (*store.Workspace, error) {
	id := uuid.New().String()
	dir := filepath.Join(m.root, id)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace directory: %w", err)
	}

	if m.templateDir != "" {
		if err := copyTree(m.templateDir, dir); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("copying workspace template: %w", err)
		}
	}

	if name == "" {
		name = "workspace " + id[:8]
	}
	ws := &store.Workspace{ID: id, Name: name, Path: dir}
	if err := m.store.CreateWorkspace(ctx, ws); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("saving workspace: %w", err)
	}

	m.logger.Info("workspace created", "workspace_id", id, "path", dir)
	return ws, nil
}

// Delete removes the workspace row and its directory.
func (m *Manager) Delete(ctx context.Context, id string) error {
	ws, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteWorkspace(ctx, id); err != nil {
		return err
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		m.logger.Warn("failed to remove workspace directory", "workspace_id", id, "error", err)
	}
	m.logger.Info("workspace deleted", "workspace_id", id)
	return nil
}

// copyTree copies regular files and directories from src into dst.
// Symlinks and special files are skipped.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
