// ABOUTME: Per-workspace agent settings read from SYSTEM.md, agent.toml and .env
// ABOUTME: Missing files are not errors; malformed ones are

package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// File names looked up in a workspace directory
const (
	SystemPromptFile = "SYSTEM.md"
	AgentConfigFile  = "agent.toml"
	EnvFile          = ".env"
)

// Settings is the agent configuration a workspace contributes on top of the
// process-wide defaults.
type Settings struct {
	// SystemPrompt replaces the agent's default system prompt when non-empty.
	SystemPrompt string
	AgentConfig
	// Env is applied to the process environment while the agent connects.
	Env map[string]string
}

// AgentConfig is the agent.toml schema. Zero values mean "use the default".
type AgentConfig struct {
	Model              string   `toml:"model"`
	MaxTurns           int      `toml:"max_turns"`
	PermissionMode     string   `toml:"permission_mode"`
	AllowedTools       []string `toml:"allowed_tools"`
	AppendSystemPrompt string   `toml:"append_system_prompt"`
}

// LoadSettings reads the workspace files under dir.
func LoadSettings(dir string) (*Settings, error) {
	s := &Settings{}

	prompt, err := os.ReadFile(filepath.Join(dir, SystemPromptFile))
	switch {
	case err == nil:
		s.SystemPrompt = strings.TrimSpace(string(prompt))
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("reading %s: %w", SystemPromptFile, err)
	}

	cfgPath := filepath.Join(dir, AgentConfigFile)
	if _, err := toml.DecodeFile(cfgPath, &s.AgentConfig); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("parsing %s: %w", AgentConfigFile, err)
	}

	env, err := godotenv.Read(filepath.Join(dir, EnvFile))
	switch {
	case err == nil:
		s.Env = env
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("reading %s: %w", EnvFile, err)
	}

	return s, nil
}
