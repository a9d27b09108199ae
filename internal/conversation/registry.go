// ABOUTME: Process-wide cache of live chats keyed by conversation id
// ABOUTME: Creates chats on demand from durable records and evicts them on delete

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-chat/internal/store"
)

// Registry owns every live chat. Create one per process and share it.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.Mutex
	chats   map[string]*Chat
	loading map[string]*pendingLoad
	closed  bool
}

// pendingLoad marks a load in flight so Delete can stop it from caching.
type pendingLoad struct {
	deleted bool
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "registry"),
		chats:   make(map[string]*Chat),
		loading: make(map[string]*pendingLoad),
	}
}

// GetOrCreate returns the live chat for id, loading the session and its
// workspace on first use. Concurrent callers for one id share a single load
// and get the same chat. Missing records yield a wrapped store.ErrNotFound.
// The shared load is not tied to any one caller's ctx; a caller whose ctx
// ends stops waiting for it.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Chat, error) {
	if c, err := r.cached(id); c != nil || err != nil {
		return c, err
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(id, func() (any, error) {
		return r.load(loadCtx, id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Chat), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load builds and caches the chat for id. It runs inside the singleflight
// group, so at most one load per id is in flight.
func (r *Registry) load(ctx context.Context, id string) (*Chat, error) {
	if c, err := r.cached(id); c != nil || err != nil {
		return c, err
	}

	pending := &pendingLoad{}
	r.mu.Lock()
	r.loading[id] = pending
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.loading, id)
		r.mu.Unlock()
	}()

	sess, err := r.cfg.Store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	ws, err := r.cfg.Store.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("loading workspace %s: %w", sess.WorkspaceID, err)
	}

	chat := newChat(sess, ws, r.cfg)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		chat.Close()
		return nil, ErrChatClosed
	}
	if pending.deleted {
		r.mu.Unlock()
		chat.Close()
		return nil, fmt.Errorf("loading session %s: deleted during load: %w", id, store.ErrNotFound)
	}
	r.chats[id] = chat
	n := len(r.chats)
	r.mu.Unlock()

	r.logger.Info("chat created", "session_id", id, "workspace_id", ws.ID, "live_chats", n)
	return chat, nil
}

func (r *Registry) cached(id string) (*Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrChatClosed
	}
	return r.chats[id], nil
}

// Get returns the cached chat for id, or nil.
func (r *Registry) Get(id string) *Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chats[id]
}

// Delete closes and evicts the chat for id. A load for id already in flight
// is discarded instead of cached. Unknown ids are ignored.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	chat, ok := r.chats[id]
	delete(r.chats, id)
	if pending, loading := r.loading[id]; loading {
		pending.deleted = true
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	chat.Close()
	r.logger.Info("chat deleted", "session_id", id)
}

// Len returns the number of live chats.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats)
}

// Close closes every chat. Later GetOrCreate calls fail with ErrChatClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	chats := r.chats
	r.chats = make(map[string]*Chat)
	r.mu.Unlock()

	for _, chat := range chats {
		chat.Close()
	}
	r.logger.Info("registry closed", "chats", len(chats))
	return nil
}
