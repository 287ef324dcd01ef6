// Package dedupe caches the outcome of mutating method calls (send, agent)
// keyed by "<method>:<idempotencyKey>", so a client that retries a request
// after a dropped response gets the original outcome replayed rather than
// the operation re-executed.
package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/clawdis/gateway/internal/protocol"
)

const (
	// DefaultTTL matches the spec's 5 minute dedupe window.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxSize caps memory use under a misbehaving or very chatty
	// client; the oldest entry is evicted first, same policy as presence.
	DefaultMaxSize = 1000
	// DefaultSweepInterval is how often the background sweeper prunes
	// expired entries outside of the read/write path.
	DefaultSweepInterval = 60 * time.Second
)

// Entry is the cached outcome of a single mutating call.
type Entry struct {
	At      time.Time
	OK      bool
	Payload any
	Err     *protocol.ErrorShape
}

// Cache is an LRU-by-insertion-time, TTL-expiring map from dedupe key to
// cached outcome.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]*Entry
}

// New builds a Cache with the given TTL and size cap.
func New(ttl time.Duration, max int) *Cache {
	return &Cache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]*Entry),
	}
}

// Key builds the cache key for a method call.
func Key(method, idempotencyKey string) string {
	return method + ":" + idempotencyKey
}

// Get returns the cached entry for key, if present and not expired.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(e.At) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

// Put records the outcome of a call under key, evicting the oldest entry
// first if the cache is at capacity.
func (c *Cache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &e
	c.evictOldestLocked()
}

func (c *Cache) evictOldestLocked() {
	for c.max > 0 && len(c.entries) > c.max {
		var oldestKey string
		var oldestAt time.Time
		first := true
		for key, e := range c.entries {
			if first || e.At.Before(oldestAt) {
				oldestKey, oldestAt = key, e.At
				first = false
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
	}
}

// Sweep removes every expired entry. It is safe to call concurrently with
// Get/Put.
func (c *Cache) Sweep() {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.ttl)
	for key, e := range c.entries {
		if e.At.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}

// StartSweeper runs Sweep on interval until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}
