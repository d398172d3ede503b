// ABOUTME: Thread-safe TTL cache over recently seen message ids.
// ABOUTME: Lets the gateway skip redelivered envelopes without a store round-trip.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Cache remembers message ids for a TTL, bounded in size. It is a fast path
// only: the store's unique constraint on (session_id, message_id) remains the
// source of truth, so a cache miss on a true duplicate is harmless. Callers
// check with Contains before processing and Mark only after processing
// succeeds; an id whose processing failed stays unmarked so the broker's
// redelivery gets a fresh attempt.
//
// Insertion order is kept in a doubly-linked list for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

type entry struct {
	stamp   time.Time
	element *list.Element
}

// New creates a cache holding up to maxSize message ids for ttl each.
// A background goroutine sweeps expired entries once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Contains reports whether the message id was marked within the TTL.
// Read-only: it never marks, so two consume loops racing on the same
// redelivery may both observe "new"; the store constraint settles that race.
func (c *Cache) Contains(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[messageID]
	return ok && time.Since(e.stamp) < c.ttl
}

// Mark records the message id, refreshing its TTL and recency when already
// present and evicting the oldest entry at capacity.
func (c *Cache) Mark(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[messageID]; ok {
		e.stamp = time.Now()
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(messageID)
	c.seen[messageID] = &entry{stamp: time.Now(), element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.seen {
		if now.Sub(e.stamp) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
