// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent backends
const (
	BackendCLI = "cli"
	BackendAPI = "api"
)

// Defaults applied to optional fields
const (
	DefaultHTTPAddr       = "127.0.0.1:8080"
	DefaultBackend        = BackendCLI
	DefaultCommand        = "claude"
	DefaultModel          = "claude-sonnet-4-5-20250929"
	DefaultMaxTurns       = 100
	DefaultPermissionMode = "bypassPermissions"
	DefaultIdleTimeout    = 10 * time.Minute
	DefaultInterruptGrace = 5 * time.Second
	DefaultMaxTokens      = 8192
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Agents     AgentsConfig     `yaml:"agents"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WorkspacesConfig controls where new workspace directories are created
type WorkspacesConfig struct {
	Root string `yaml:"root"`
	// TemplateDir is copied into every new workspace when set
	TemplateDir string `yaml:"template_dir"`
}

// AgentsConfig holds external agent settings shared by every conversation.
// Per-workspace agent.toml values override Model, MaxTurns, PermissionMode and AllowedTools.
type AgentsConfig struct {
	Backend        string   `yaml:"backend"`
	Command        string   `yaml:"command"`
	DefaultModel   string   `yaml:"default_model"`
	MaxTurns       int      `yaml:"max_turns"`
	PermissionMode string   `yaml:"permission_mode"`
	AllowedTools   []string `yaml:"allowed_tools"`
	MaxTokens      int64    `yaml:"max_tokens"`
	APIKey         string   `yaml:"api_key"`

	IdleTimeout    time.Duration `yaml:"-"`
	InterruptGrace time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw    string `yaml:"idle_timeout"`
	InterruptGraceRaw string `yaml:"interrupt_grace"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML, applying the same steps as Load.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Agents.Backend == "" {
		c.Agents.Backend = DefaultBackend
	}
	if c.Agents.Command == "" {
		c.Agents.Command = DefaultCommand
	}
	if c.Agents.DefaultModel == "" {
		c.Agents.DefaultModel = DefaultModel
	}
	if c.Agents.MaxTurns == 0 {
		c.Agents.MaxTurns = DefaultMaxTurns
	}
	if c.Agents.PermissionMode == "" {
		c.Agents.PermissionMode = DefaultPermissionMode
	}
	if c.Agents.MaxTokens == 0 {
		c.Agents.MaxTokens = DefaultMaxTokens
	}
	if c.Agents.IdleTimeout == 0 {
		c.Agents.IdleTimeout = DefaultIdleTimeout
	}
	if c.Agents.InterruptGrace == 0 {
		c.Agents.InterruptGrace = DefaultInterruptGrace
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Workspaces.Root == "" {
		return fmt.Errorf("workspaces.root is required")
	}

	switch c.Agents.Backend {
	case BackendCLI, BackendAPI:
	default:
		return fmt.Errorf("agents.backend must be %q or %q, got %q", BackendCLI, BackendAPI, c.Agents.Backend)
	}

	if c.Agents.MaxTurns < 0 {
		return fmt.Errorf("agents.max_turns must not be negative")
	}

	if c.Agents.IdleTimeout < 0 {
		return fmt.Errorf("agents.idle_timeout must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.IdleTimeoutRaw != "" {
		cfg.Agents.IdleTimeout, err = time.ParseDuration(cfg.Agents.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Agents.IdleTimeoutRaw, err)
		}
	}

	if cfg.Agents.InterruptGraceRaw != "" {
		cfg.Agents.InterruptGrace, err = time.ParseDuration(cfg.Agents.InterruptGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing interrupt_grace %q: %w", cfg.Agents.InterruptGraceRaw, err)
		}
	}

	return nil
}
