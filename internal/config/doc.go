// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable expansion,
// defaults for every optional field, and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. The --config flag
//  2. Path from COVEN_CHAT_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/chat.yaml (or ~/.config/coven/chat.yaml)
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	agents:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	database:
//	  path: "~/.local/share/coven/chat.db"
//	workspaces:
//	  root: "~/.local/share/coven/workspaces"
//	  template_dir: "./workspace-template"
//	agents:
//	  backend: "cli"          # or "api"
//	  command: "claude"
//	  default_model: "claude-sonnet-4-5-20250929"
//	  idle_timeout: "10m"
//	  interrupt_grace: "5s"
//	logging:
//	  level: "info"
//	  format: "text"          # or "json"
package config
