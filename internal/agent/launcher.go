// ABOUTME: Process-wide session factory owning the connection setup lock
// ABOUTME: Applies workspace environment overlays only while a connection is being set up

package agent

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LauncherConfig holds the timing shared by every session.
type LauncherConfig struct {
	// IdleTimeout tears a connection down after this long without a send or
	// a received event. Zero disables the supervisor.
	IdleTimeout time.Duration
	// InterruptGrace bounds the graceful interrupt sent before cancelling.
	InterruptGrace time.Duration
}

// Launcher creates sessions and serializes their connection setup.
// Create one per process and share it.
type Launcher struct {
	connector Connector
	cfg       LauncherConfig
	logger    *slog.Logger

	// setupMu guards the process environment while a connection starts.
	setupMu sync.Mutex
}

// NewLauncher returns a Launcher using connector. Pass nil logger for default.
func NewLauncher(connector Connector, cfg LauncherConfig, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = 5 * time.Second
	}
	return &Launcher{
		connector: connector,
		cfg:       cfg,
		logger:    logger,
	}
}

// NewSession returns an unconnected session. opts.Model and opts.ResumeToken
// seed the first connection.
func (l *Launcher) NewSession(opts Options) *Session {
	return &Session{
		launcher: l,
		opts:     opts,
		model:    opts.Model,
		token:    opts.ResumeToken,
		logger:   l.logger.With("component", "agent-session"),
	}
}

// connect runs the connector with opts.Env applied to the process
// environment. The lock is released as soon as the connector returns.
func (l *Launcher) connect(ctx context.Context, prompts Prompts, opts Options) (Conn, error) {
	l.setupMu.Lock()
	defer l.setupMu.Unlock()

	restore := overlayEnv(opts.Env)
	defer restore()

	return l.connector.Connect(ctx, prompts, opts)
}

// overlayEnv sets env on the process and returns a func that puts the
// previous values back.
func overlayEnv(env map[string]string) func() {
	if len(env) == 0 {
		return func() {}
	}

	type previous struct {
		value string
		set   bool
	}
	saved := make(map[string]previous, len(env))
	for k, v := range env {
		old, ok := os.LookupEnv(k)
		saved[k] = previous{value: old, set: ok}
		os.Setenv(k, v)
	}

	return func() {
		for k, p := range saved {
			if p.set {
				os.Setenv(k, p.value)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}
