package classify

import (
	"context"
	"sync"
	"time"

	"github.com/blopit/SwarmDirector-sub000/core"
)

// Cache stores classification results keyed by the SHA-256 hash of the
// normalized task text. Get increments the entry's hit count. Writes are
// last-writer-wins.
type Cache interface {
	Get(ctx context.Context, hash string) (*core.ClassificationEntry, bool, error)
	Set(ctx context.Context, entry *core.ClassificationEntry) error
	Invalidate(ctx context.Context, hash string) error
	Close() error
}

// MemoryCache is the default in-process cache backend with TTL expiry and a
// background cleanup loop.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*core.ClassificationEntry
	maxAge  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryCache creates a memory cache. maxAge <= 0 defaults to 24 hours.
func NewMemoryCache(maxAge time.Duration) *MemoryCache {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	c := &MemoryCache{
		entries: make(map[string]*core.ClassificationEntry),
		maxAge:  maxAge,
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func (c *MemoryCache) Get(ctx context.Context, hash string) (*core.ClassificationEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[hash]
	if !ok {
		return nil, false, nil
	}
	if time.Since(entry.Timestamp) > c.maxAge {
		delete(c.entries, hash)
		return nil, false, nil
	}
	entry.HitCount++
	snap := *entry
	return &snap, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, entry *core.ClassificationEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *entry
	if prev, ok := c.entries[entry.TextHash]; ok {
		stored.HitCount = prev.HitCount
	}
	c.entries[entry.TextHash] = &stored
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hash)
	return nil
}

// Len returns the live entry count.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the cleanup loop.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) cleanupLoop() {
	interval := c.maxAge / 10
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for hash, entry := range c.entries {
		if now.Sub(entry.Timestamp) > c.maxAge {
			delete(c.entries, hash)
		}
	}
}
