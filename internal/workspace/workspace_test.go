// ABOUTME: Tests for workspace settings loading and directory lifecycle

package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadSettings_Empty(t *testing.T) {
	s, err := LoadSettings(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, s.SystemPrompt)
	assert.Empty(t, s.Model)
	assert.Empty(t, s.Env)
}

func TestLoadSettings_AllFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, SystemPromptFile), "\n  You are a careful reviewer.\n\n")
	writeFile(t, filepath.Join(dir, AgentConfigFile), `
model = "claude-opus-4-1"
max_turns = 7
permission_mode = "plan"
allowed_tools = ["Read", "Grep"]
append_system_prompt = "Answer briefly."
`)
	writeFile(t, filepath.Join(dir, EnvFile), "ANTHROPIC_API_KEY=sk-workspace\nFOO=\"bar baz\"\n")

	s, err := LoadSettings(dir)
	require.NoError(t, err)
	assert.Equal(t, "You are a careful reviewer.", s.SystemPrompt)
	assert.Equal(t, "claude-opus-4-1", s.Model)
	assert.Equal(t, 7, s.MaxTurns)
	assert.Equal(t, "plan", s.PermissionMode)
	assert.Equal(t, []string{"Read", "Grep"}, s.AllowedTools)
	assert.Equal(t, "Answer briefly.", s.AppendSystemPrompt)
	assert.Equal(t, map[string]string{"ANTHROPIC_API_KEY": "sk-workspace", "FOO": "bar baz"}, s.Env)
}

func TestLoadSettings_MalformedTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, AgentConfigFile), "model = [")

	_, err := LoadSettings(dir)
	assert.ErrorContains(t, err, AgentConfigFile)
}

func TestManager_CreateCopiesTemplate(t *testing.T) {
	template := t.TempDir()
	writeFile(t, filepath.Join(template, SystemPromptFile), "template prompt")
	writeFile(t, filepath.Join(template, ".claude", "settings.json"), `{"x":1}`)

	st := store.NewMockStore()
	m := NewManager(t.TempDir(), template, st, nil)

	ws, err := m.Create(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, "docs", ws.Name)

	data, err := os.ReadFile(filepath.Join(ws.Path, ".claude", "settings.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(data))

	s, err := LoadSettings(ws.Path)
	require.NoError(t, err)
	assert.Equal(t, "template prompt", s.SystemPrompt)

	got, err := st.GetWorkspace(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.Path, got.Path)
}

func TestManager_CreateDefaultName(t *testing.T) {
	m := NewManager(t.TempDir(), "", store.NewMockStore(), nil)

	ws, err := m.Create(context.Background(), "")
	require.NoError(t, err)
	assert.Contains(t, ws.Name, "workspace ")
	assert.DirExists(t, ws.Path)
}

func TestManager_Delete(t *testing.T) {
	st := store.NewMockStore()
	m := NewManager(t.TempDir(), "", st, nil)
	ctx := context.Background()

	ws, err := m.Create(ctx, "tmp")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, ws.ID))
	assert.NoDirExists(t, ws.Path)

	_, err = st.GetWorkspace(ctx, ws.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, ws.ID), store.ErrNotFound)
}
