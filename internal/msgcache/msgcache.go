// Package msgcache remembers message ids seen recently so a message that
// arrives twice through different links is only handled once.
package msgcache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Cache is a set of ids bounded by age and count. The oldest ids go first
// when either bound is hit.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	size    int
	entries map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type entry struct {
	id   string
	seen time.Time
}

// New creates a cache holding at most size ids for at most ttl each.
func New(ttl time.Duration, size int) *Cache {
	if size < 1 {
		size = 1
	}
	return &Cache{
		ttl:     ttl,
		size:    size,
		entries: map[string]*list.Element{},
		order:   list.New(),
		now:     time.Now,
	}
}

// Seen records the id and reports whether it was already there. An empty id
// is never recorded and never seen.
func (c *Cache) Seen(id string) bool {
	if id == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if _, exists := c.entries[id]; exists {
		return true
	}

	c.entries[id] = c.order.PushBack(&entry{id: id, seen: now})
	for c.order.Len() > c.size {
		c.removeLocked(c.order.Front())
	}
	return false
}

// Len is the number of ids held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Expire drops ids older than the TTL.
func (c *Cache) Expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
}

// SetLimits changes the bounds. Ids over the new ones go at once.
func (c *Cache) SetLimits(ttl time.Duration, size int) {
	if size < 1 {
		size = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ttl = ttl
	c.size = size
	c.expireLocked(c.now())
	for c.order.Len() > c.size {
		c.removeLocked(c.order.Front())
	}
}

func (c *Cache) limits() (time.Duration, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl, c.size
}

// Run expires ids every half TTL until the context is done.
func (c *Cache) Run(ctx context.Context) {
	ttl, _ := c.limits()
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Expire()
			if next, _ := c.limits(); next != ttl && next > 0 {
				ttl = next
				ticker.Reset(ttl / 2)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cache) expireLocked(now time.Time) {
	threshold := now.Add(-c.ttl)
	for {
		front := c.order.Front()
		if front == nil || !front.Value.(*entry).seen.Before(threshold) {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache) removeLocked(e *list.Element) {
	c.order.Remove(e)
	delete(c.entries, e.Value.(*entry).id)
}
