// ABOUTME: In-memory fan-out of chat events to live subscribers
// ABOUTME: A subscriber that is closed or fails a delivery is dropped without affecting the others

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each ChannelSubscriber.
	subscriberBufferSize = 64
)

var (
	// ErrSubscriberClosed is returned by Send after Close.
	ErrSubscriberClosed = errors.New("subscriber closed")
	// ErrSubscriberFull is returned when a subscriber cannot keep up.
	ErrSubscriberFull = errors.New("subscriber buffer full")
)

// Subscriber is one live output sink. Send must not block for long; the hub
// delivers synchronously.
type Subscriber interface {
	Send(Event) error
	Open() bool
}

// Hub fans events out to subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]Subscriber // subID -> subscriber
	logger *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]Subscriber),
		logger: logger.With("component", "hub"),
	}
}

// Subscribe registers sub and returns its id. The subscription is removed
// when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, sub Subscriber) string {
	subID := uuid.New().String()

	h.mu.Lock()
	h.subs[subID] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(subID)
	}()

	return subID
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (h *Hub) Unsubscribe(subID string) {
	h.mu.Lock()
	_, ok := h.subs[subID]
	delete(h.subs, subID)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("subscriber removed", "sub_id", subID)
	}
}

// Broadcast delivers ev to every current subscriber.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	if len(h.subs) == 0 {
		h.mu.RUnlock()
		return
	}
	// Copy under read lock so delivery never holds the lock
	targets := make(map[string]Subscriber, len(h.subs))
	for id, sub := range h.subs {
		targets[id] = sub
	}
	h.mu.RUnlock()

	for id, sub := range targets {
		if !sub.Open() {
			h.drop(id, ErrSubscriberClosed)
			continue
		}
		if err := sub.Send(ev); err != nil {
			h.drop(id, err)
		}
	}
}

// closer is implemented by subscribers that hold resources, such as
// ChannelSubscriber. Dropped subscribers are closed so their reader stops.
type closer interface {
	Close()
}

func (h *Hub) drop(id string, reason error) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if c, isCloser := sub.(closer); ok && isCloser {
		c.Close()
	}

	h.logger.Debug("dropped subscriber", "sub_id", id, "reason", reason)
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Clear removes and closes every subscriber.
func (h *Hub) Clear() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		if c, ok := sub.(closer); ok {
			c.Close()
		}
	}
}

// ChannelSubscriber buffers events on a channel for a transport goroutine to
// drain. A full buffer fails the delivery, which detaches it from the hub.
// The channel is closed when the subscriber is closed, dropped or cleared.
type ChannelSubscriber struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewChannelSubscriber returns a subscriber with the default buffer.
func NewChannelSubscriber() *ChannelSubscriber {
	return &ChannelSubscriber{ch: make(chan Event, subscriberBufferSize)}
}

// Send implements Subscriber. It never blocks; a full buffer closes the
// subscriber so its reader sees the end of the stream.
func (s *ChannelSubscriber) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		s.closed = true
		close(s.ch)
		return ErrSubscriberFull
	}
}

// Open implements Subscriber.
func (s *ChannelSubscriber) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Events returns the channel events arrive on. It is closed by Close.
func (s *ChannelSubscriber) Events() <-chan Event {
	return s.ch
}

// Close stops delivery and closes the events channel. Idempotent.
func (s *ChannelSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
