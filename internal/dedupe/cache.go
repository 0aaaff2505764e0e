// ABOUTME: Per-connection TTL cache of inbound frame ids for redelivery suppression
// ABOUTME: Lets the relay treat at-least-once transport delivery as exactly-once

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is one remembered (connection, frame id) pair.
type entry struct {
	connID  string
	frameID string
	seenAt  time.Time
}

// Cache remembers which frame ids each connection has already delivered.
// Entries expire after ttl and the oldest are evicted once maxSize is reached.
// Insertion order is kept in a linked list so eviction is O(1).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element        // key -> element holding *entry
	byConn  map[string]map[string]struct{} // connID -> keys
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*list.Element),
		byConn:  make(map[string]map[string]struct{}),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func key(connID, frameID string) string {
	return connID + "\x00" + frameID
}

// Check reports whether frameID was already delivered on connID and has not
// expired. It records nothing. An empty frameID is never a duplicate.
func (c *Cache) Check(connID, frameID string) bool {
	if frameID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key(connID, frameID)]
	if !ok {
		return false
	}
	return c.now().Sub(elem.Value.(*entry).seenAt) < c.ttl
}

// Mark records that frameID was delivered on connID. Callers mark only once
// the frame has been processed successfully, so a rejected frame can be
// retried with the same id. If the cache is at capacity the oldest entry is
// evicted.
func (c *Cache) Mark(connID, frameID string) {
	if frameID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(connID, frameID)
}

// CheckAndMark atomically checks a frame and marks it if it is new.
// Returns true if it was already seen.
func (c *Cache) CheckAndMark(connID, frameID string) bool {
	if frameID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key(connID, frameID)]; ok {
		if c.now().Sub(elem.Value.(*entry).seenAt) < c.ttl {
			return true
		}
	}
	c.markLocked(connID, frameID)
	return false
}

// markLocked inserts or refreshes an entry. Must be called with mu held.
func (c *Cache) markLocked(connID, frameID string) {
	k := key(connID, frameID)
	if elem, ok := c.entries[k]; ok {
		c.removeLocked(elem)
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front)
		}
	}

	elem := c.order.PushBack(&entry{connID: connID, frameID: frameID, seenAt: c.now()})
	c.entries[k] = elem
	if c.byConn[connID] == nil {
		c.byConn[connID] = make(map[string]struct{})
	}
	c.byConn[connID][k] = struct{}{}
}

// Forget drops everything remembered for a connection. Called on disconnect;
// connection ids are never reused so nothing can be replayed afterwards.
func (c *Cache) Forget(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.byConn[connID] {
		if elem, ok := c.entries[k]; ok {
			c.order.Remove(elem)
			delete(c.entries, k)
		}
	}
	delete(c.byConn, connID)
}

// Len returns the number of remembered frames.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeLocked deletes one element from every index. Must be called with mu held.
func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	k := key(e.connID, e.frameID)
	c.order.Remove(elem)
	delete(c.entries, k)
	if keys, ok := c.byConn[e.connID]; ok {
		delete(keys, k)
		if len(keys) == 0 {
			delete(c.byConn, e.connID)
		}
	}
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

// sweep removes expired entries. The list is in insertion order, so it stops
// at the first live entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for elem := c.order.Front(); elem != nil; {
		e := elem.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return
		}
		next := elem.Next()
		c.removeLocked(elem)
		elem = next
	}
}

// Close stops the sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
