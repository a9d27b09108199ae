// ABOUTME: Gateway orchestrator that wires the store, agent launcher, chat registry and HTTP server
// ABOUTME: Owns the HTTP lifecycle and closes every live chat on shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/coven-chat/internal/agent"
	"github.com/2389/coven-chat/internal/agent/api"
	"github.com/2389/coven-chat/internal/agent/cli"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/workspace"
)

// Idempotency keys on POST /api/chat are remembered this long.
const (
	idempotencyTTL     = 10 * time.Minute
	idempotencyMaxKeys = 10000
)

// Gateway serves the chat API.
type Gateway struct {
	config      *config.Config
	store       store.Store
	chats       *conversation.Registry
	workspaces  *workspace.Manager
	verifier    *auth.JWTVerifier // nil when auth is disabled
	idempotency *dedupe.Cache
	httpServer  *http.Server
	logger      *slog.Logger
}

// initStore opens the SQLite store, creating its directory if needed.
func initStore(cfg *config.Config) (store.Store, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

// NewConnector builds the agent backend selected by cfg.
func NewConnector(cfg config.AgentsConfig, logger *slog.Logger) (agent.Connector, error) {
	switch cfg.Backend {
	case config.BackendCLI:
		return cli.NewConnector(cfg.Command, logger), nil
	case config.BackendAPI:
		return api.NewConnector(api.Config{APIKey: cfg.APIKey, MaxTokens: cfg.MaxTokens}, logger), nil
	default:
		return nil, fmt.Errorf("unknown agent backend %q", cfg.Backend)
	}
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	connector, err := NewConnector(cfg.Agents, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	gw, err := newGateway(cfg, s, connector, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway wires a Gateway around an existing store and connector.
func newGateway(cfg *config.Config, s store.Store, connector agent.Connector, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Workspaces.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspaces root: %w", err)
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("configuring auth: %w", err)
		}
		verifier = v
	} else {
		logger.Warn("auth.jwt_secret not set, API is unauthenticated")
	}

	launcher := agent.NewLauncher(connector, agent.LauncherConfig{
		IdleTimeout:    cfg.Agents.IdleTimeout,
		InterruptGrace: cfg.Agents.InterruptGrace,
	}, logger)

	gw := &Gateway{
		config: cfg,
		store:  s,
		chats: conversation.NewRegistry(conversation.Config{
			Store:    s,
			Launcher: launcher,
			Defaults: conversation.AgentDefaults{
				Model:          cfg.Agents.DefaultModel,
				PermissionMode: cfg.Agents.PermissionMode,
				AllowedTools:   cfg.Agents.AllowedTools,
				MaxTurns:       cfg.Agents.MaxTurns,
			},
			Logger: logger,
		}),
		workspaces:  workspace.NewManager(cfg.Workspaces.Root, cfg.Workspaces.TemplateDir, s, logger),
		verifier:    verifier,
		idempotency: dedupe.New(idempotencyTTL, idempotencyMaxKeys),
		logger:      logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: SSE and WebSocket responses stay open for a whole turn.
		IdleTimeout: 120 * time.Second,
	}

	return gw, nil
}

// Run serves HTTP until ctx is cancelled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, closes every chat (tearing down agent
// connections) and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "live_chats", g.chats.Len())

	var errs []error
	// Closing chats first ends open SSE and WebSocket streams so the HTTP
	// shutdown does not wait on them.
	errs = appendCloseError(errs, "chat registry close", g.chats.Close())
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.idempotency.Close()

	return errors.Join(errs...)
}
