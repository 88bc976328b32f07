package cache

import (
	"context"
	"sync"
	"time"
)

const (
	defaultMemoryTTL      = 10 * time.Minute
	memoryCleanupInterval = time.Minute
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache with per-entry TTL and an optional
// entry cap. It is safe for concurrent use; a background goroutine evicts
// expired entries.
type MemoryCache struct {
	mu         sync.RWMutex
	items      map[string]memItem
	maxEntries int
	now        func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a MemoryCache holding at most maxEntries entries
// (0 means unbounded). The cleanup goroutine stops when ctx is cancelled or
// Close is called.
func NewMemoryCache(ctx context.Context, maxEntries int) *MemoryCache {
	c := &MemoryCache{
		items:      make(map[string]memItem),
		maxEntries: maxEntries,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns (nil, false) on a miss or for an expired entry, which is
// removed on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.expiresAt == item.expiresAt {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return item.data, true
}

// Set stores a copy of value under key for ttl (10 minutes when ttl <= 0).
// At capacity, expired entries are dropped first and then the entry
// closest to expiry.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultMemoryTTL
	}
	data := append([]byte(nil), value...)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.items[key] = memItem{data: data, expiresAt: now.Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len counts entries, including expired ones not yet evicted.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine. Safe to call twice.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(memoryCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpiredLocked(c.now())
			c.mu.Unlock()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpiredLocked(now time.Time) int {
	n := 0
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *MemoryCache) evictLocked(now time.Time) {
	if c.evictExpiredLocked(now) > 0 {
		return
	}
	var (
		victim string
		oldest time.Time
	)
	for k, v := range c.items {
		if victim == "" || v.expiresAt.Before(oldest) {
			victim, oldest = k, v.expiresAt
		}
	}
	delete(c.items, victim)
}
