// ABOUTME: One live agent connection with its prompt queue and idle supervisor
// ABOUTME: Reconnects transparently with the captured resume token after teardown

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"
)

// Session owns at most one live connection at a time. A torn-down connection
// is replaced on the next Send; the resume token carries the conversation over.
type Session struct {
	launcher *Launcher
	opts     Options
	logger   *slog.Logger

	// connectMu serializes connection (re)creation and in-place model switches.
	connectMu sync.Mutex

	mu         sync.Mutex
	conn       Conn
	queue      *Queue[string]
	cancel     context.CancelFunc
	timer      *time.Timer
	gen        uint64 // incremented per connection
	lastActive time.Time
	model      string
	token      string
	closed     bool

	// pending counts prompts on the current connection still owed a result.
	// A teardown with results owed moves the count to lostGen/lostPending.
	pending     int
	lostGen     uint64
	lostPending int
}

// Init opens the connection if none is live.
func (s *Session) Init(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	_, _, err := s.ensureConnectedLocked(ctx, "")
	return err
}

// Send delivers content to the agent, reconnecting first if the previous
// connection was torn down. A non-empty model different from the current one
// is applied before the content is queued.
func (s *Session) Send(ctx context.Context, model, content string) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	// A teardown can slip in between connecting and queueing; one retry
	// covers it since the retry starts with a fresh idle window.
	for attempt := 0; ; attempt++ {
		conn, gen, err := s.ensureConnectedLocked(ctx, model)
		if err != nil {
			return err
		}

		if model != "" && model != s.Model() {
			if err := conn.SetModel(ctx, model); err != nil {
				s.logger.Warn("model switch failed, reconnecting", "model", model, "error", err)
				s.teardown(gen, "model switch failed")
				if attempt > 0 {
					return fmt.Errorf("switching model: %w", err)
				}
				continue
			}
			s.mu.Lock()
			s.model = model
			s.mu.Unlock()
			s.logger.Info("model switched", "model", model)
		}

		s.mu.Lock()
		if s.conn == nil || s.gen != gen {
			s.mu.Unlock()
			if attempt > 0 {
				return ErrStreamEnded
			}
			continue
		}
		s.touchLocked()
		s.queue.Push(content)
		s.pending++
		s.mu.Unlock()
		return nil
	}
}

// ensureConnectedLocked returns the live connection, opening one if needed.
// Caller holds connectMu.
func (s *Session) ensureConnectedLocked(ctx context.Context, model string) (Conn, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, 0, ErrSessionClosed
	}
	if s.conn != nil {
		conn, gen := s.conn, s.gen
		s.mu.Unlock()
		return conn, gen, nil
	}
	if model != "" {
		s.model = model
	}
	opts := s.opts
	opts.Model = s.model
	opts.ResumeToken = s.token
	reconnect := s.gen > 0
	s.mu.Unlock()

	queue := NewQueue[string]()
	// The connection outlives the request that opened it.
	connCtx, cancel := context.WithCancel(context.Background())

	conn, err := s.launcher.connect(connCtx, queue, opts)
	if err != nil {
		cancel()
		return nil, 0, fmt.Errorf("connecting agent: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		queue.Close()
		conn.Close()
		return nil, 0, ErrSessionClosed
	}
	s.gen++
	s.conn = conn
	s.queue = queue
	s.cancel = cancel
	s.startTimerLocked()
	gen := s.gen
	s.mu.Unlock()

	s.logger.Info("agent connected",
		"model", opts.Model,
		"resume_token", opts.ResumeToken,
		"reconnect", reconnect,
		"generation", gen)
	return conn, gen, nil
}

// Output streams events from the current connection. It ends cleanly when
// the connection is torn down between turns or ctx ends. A teardown that cuts
// a turn short yields ErrTurnAborted; any other failure tears the connection
// down and is yielded once as an error.
// The sequence is single-pass; a new connection needs a new call.
func (s *Session) Output(ctx context.Context) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		s.mu.Lock()
		conn, gen := s.conn, s.gen
		s.mu.Unlock()
		if conn == nil {
			return
		}

		for {
			ev, err := conn.Recv(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if s.isStale(gen) {
					if s.turnLost(gen) {
						yield(nil, ErrTurnAborted)
					}
					return
				}
				if errors.Is(err, io.EOF) {
					err = ErrStreamEnded
				}
				s.logger.Warn("agent stream failed", "error", err, "generation", gen)
				s.teardown(gen, "stream failure")
				yield(nil, err)
				return
			}

			s.observe(gen, ev)
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// observe refreshes the idle window and captures the resume token.
func (s *Session) observe(gen uint64, ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen == gen && s.conn != nil {
		s.touchLocked()
	}
	if ev.Type == EventResult {
		switch {
		case s.gen == gen && s.conn != nil && s.pending > 0:
			s.pending--
		case s.lostGen == gen && s.lostPending > 0:
			// Buffered before the teardown; that turn did finish.
			s.lostPending--
		}
	}
	if s.token == "" && ev.SessionID != "" {
		s.token = ev.SessionID
		s.logger.Debug("resume token captured", "resume_token", ev.SessionID)
	}
}

func (s *Session) turnLost(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostGen == gen && s.lostPending > 0
}

func (s *Session) isStale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == nil || s.gen != gen
}

func (s *Session) startTimerLocked() {
	s.lastActive = time.Now()
	idle := s.launcher.cfg.IdleTimeout
	if idle <= 0 {
		return
	}
	gen := s.gen
	s.timer = time.AfterFunc(idle, func() { s.onIdle(gen) })
}

func (s *Session) touchLocked() {
	s.lastActive = time.Now()
	if s.timer != nil {
		s.timer.Reset(s.launcher.cfg.IdleTimeout)
	}
}

func (s *Session) onIdle(gen uint64) {
	s.mu.Lock()
	// Activity raced the timer; it has already been rescheduled.
	if time.Since(s.lastActive) < s.launcher.cfg.IdleTimeout {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.teardown(gen, "idle timeout")
}

// teardown stops connection gen if it is still current: graceful interrupt,
// hard cancel, queue close. The next Send reconnects.
func (s *Session) teardown(gen uint64, reason string) {
	s.mu.Lock()
	if s.conn == nil || s.gen != gen {
		s.mu.Unlock()
		return
	}
	conn, queue, cancel := s.conn, s.queue, s.cancel
	s.conn, s.queue, s.cancel = nil, nil, nil
	if s.pending > 0 {
		s.lostGen, s.lostPending = gen, s.pending
		s.pending = 0
		s.logger.Warn("connection torn down mid-turn", "reason", reason, "generation", gen)
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	ctx, done := context.WithTimeout(context.Background(), s.launcher.cfg.InterruptGrace)
	if err := conn.Interrupt(ctx); err != nil {
		s.logger.Debug("interrupt failed", "error", err)
	}
	done()

	cancel()
	queue.Close()
	if err := conn.Close(); err != nil {
		s.logger.Debug("closing agent connection", "error", err)
	}

	s.logger.Info("agent connection torn down", "reason", reason, "generation", gen)
}

// Close tears down the connection and rejects further sends. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	gen := s.gen
	s.mu.Unlock()

	s.teardown(gen, "closed")
	return nil
}

// Live reports whether a connection is currently open.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// ResumeToken returns the agent-side session id, or "" before the first
// event supplied one.
func (s *Session) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Model returns the model the current or next connection uses.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}
