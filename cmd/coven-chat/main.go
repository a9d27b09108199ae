// ABOUTME: Entry point for coven-chat, the session-to-agent streaming server
// ABOUTME: Subcommands: serve, token, health

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                        _           _
  ___ _____   _____ _ __         ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_|\__|
`

// resolveConfigPath returns the config file to load.
// Priority: --config flag > COVEN_CHAT_CONFIG > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("COVEN_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "chat.yaml")
}

func usage() {
	fmt.Println("Usage: coven-chat <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the chat server")
	fmt.Println("  token --subject NAME [--ttl D] Mint an API token")
	fmt.Println("  health                         Check server health")
	fmt.Println()
	fmt.Println("Every command accepts --config PATH.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	case "--version", "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses args into fs, registering the shared --config flag.
// ok is false when help was requested.
func parseFlags(fs *pflag.FlagSet, args []string) (configPath string, ok bool, err error) {
	var flagValue string
	fs.StringVar(&flagValue, "config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return "", false, nil
		}
		return "", false, err
	}
	if fs.NArg() > 0 {
		return "", false, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return resolveConfigPath(flagValue), true, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath, ok, err := parseFlags(fs, args)
	if err != nil || !ok {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s", cfg.Agents.Backend)
	if cfg.Agents.DefaultModel != "" {
		gray.Printf(" (%s)", cfg.Agents.DefaultModel)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Workspaces: %s\n", cfg.Workspaces.Root)
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: set auth.jwt_secret to require tokens")
	}
	fmt.Println()

	logger.Info("starting coven-chat",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"backend", cfg.Agents.Backend,
		"idle_timeout", cfg.Agents.IdleTimeout,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runToken(args []string) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	subject := fs.String("subject", "", "token subject (defaults to a random id)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	configPath, ok, err := parseFlags(fs, args)
	if err != nil || !ok {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}

	sub := *subject
	if sub == "" {
		sub = uuid.New().String()
	}
	token, err := verifier.Generate(sub, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("health", pflag.ContinueOnError)
	configPath, ok, err := parseFlags(fs, args)
	if err != nil || !ok {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
