// ABOUTME: Thread-safe TTL cache of claimed keys for rejecting repeated requests
// ABOUTME: Backs idempotency keys on chat sends so client retries do not double-post

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const sweepInterval = time.Minute

type entry struct {
	key string
	at  time.Time
}

// Cache remembers keys for ttl, holding at most maxSize of them. Keys are kept
// in claim order, so both expiry and eviction work from the front.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // of *entry, oldest first
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Claim records key and reports true if it was not already held within the
// TTL. A false return means the caller is looking at a duplicate.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		if now.Sub(el.Value.(*entry).at) < c.ttl {
			return false
		}
		// Expired: re-claim at the back.
		c.order.Remove(el)
		delete(c.index, key)
	}

	for c.maxSize > 0 && len(c.index) >= c.maxSize {
		c.removeFront()
	}
	c.index[key] = c.order.PushBack(&entry{key: key, at: now})
	return true
}

// Release forgets key so the same request can be retried, typically after
// processing it failed.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
}

// Seen reports whether key is currently claimed.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	return ok && c.now().Sub(el.Value.(*entry).at) < c.ttl
}

// Len returns the number of keys held, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) removeFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry).key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep drops expired keys from the front until it reaches a live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).at) < c.ttl {
			return
		}
		c.removeFront()
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
