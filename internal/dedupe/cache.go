// ABOUTME: Time- and size-bounded seen-set for redeem identifiers
// ABOUTME: Insertion-order list gives O(1) eviction of the oldest entry

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry pairs an id's insertion time with its position in the order list.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a bounded recently-seen set. Ids older than the window or
// beyond the size cap are forgotten, so a very old duplicate can be seen
// again; the platform's own replay horizon is much shorter than the
// window, and the audit table catches anything older.
//
// Each town owns one Cache, written only by that town's consumer; the
// mutex exists for read-side use by status reporting.
type Cache struct {
	mu     sync.Mutex
	seen   map[string]*entry
	order  *list.List // oldest at front
	window time.Duration
	cap    int
}

// New creates a cache bounded by the given window and entry cap.
func New(window time.Duration, cap int) *Cache {
	if cap < 1 {
		cap = 1
	}
	return &Cache{
		seen:   make(map[string]*entry),
		order:  list.New(),
		window: window,
		cap:    cap,
	}
}

// CheckAndMark reports whether id was already seen inside the window and,
// if not, records it. The check and the mark are one critical section, so
// two racing calls for the same id can never both report it as new.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.sweepLocked(now)

	if e, ok := c.seen[id]; ok && now.Sub(e.seenAt) < c.window {
		return true
	}

	if len(c.seen) >= c.cap {
		c.evictOldestLocked()
	}
	c.seen[id] = &entry{seenAt: now, element: c.order.PushBack(id)}
	return false
}

// Contains reports whether id is currently in the window, without marking.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[id]
	return ok && time.Since(e.seenAt) < c.window
}

// Len returns the number of tracked ids, expired entries included until
// the next sweep.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// sweepLocked drops expired entries from the front of the order list.
// Entries are in insertion order, so sweeping stops at the first live one.
func (c *Cache) sweepLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id := front.Value.(string)
		e := c.seen[id]
		if e == nil || now.Sub(e.seenAt) < c.window {
			return
		}
		c.order.Remove(front)
		delete(c.seen, id)
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, id)
}
