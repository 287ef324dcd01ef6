// Package presence tracks the set of known nodes reported to the gateway,
// generalizing the gateway's old disk-backed session map into a
// TTL-evicting, size-capped, version-counted registry.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/clawdis/gateway/internal/protocol"
)

const (
	// DefaultTTL matches the spec's 5 minute presence expiry.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxSize bounds the registry the same way the dedupe cache is
	// capped, evicting the oldest entry rather than growing unbounded.
	DefaultMaxSize = 1000
)

// SelfBuilder produces a fresh self-entry; called on every List so the
// synthesized self-entry's timestamp never goes stale.
type SelfBuilder func() protocol.PresenceEntry

// Registry is a sync.RWMutex-guarded map generalized from the gateway's
// original SessionManager idiom: same locking discipline, but entries
// expire on TTL instead of living until process exit.
type Registry struct {
	mu      sync.RWMutex
	ttl     time.Duration
	maxSize int
	entries map[string]*protocol.PresenceEntry
	version int64

	selfKey   string
	selfBuild SelfBuilder
}

// NewRegistry builds a Registry with the given TTL and size cap.
func NewRegistry(ttl time.Duration, maxSize int) *Registry {
	return &Registry{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[string]*protocol.PresenceEntry),
	}
}

// SetSelf registers the gateway's own synthesized entry under key. It is
// rebuilt and re-touched every time List is called.
func (r *Registry) SetSelf(key string, build SelfBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfKey = key
	r.selfBuild = build
}

// Upsert inserts or refreshes the entry at key and bumps the version
// counter. The caller owns populating entry.Ts.
func (r *Registry) Upsert(key string, entry protocol.PresenceEntry) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &entry
	r.evictOldestLocked()
	r.version++
	return r.version
}

// MarkDisconnected flips the Reason on the entry at key to "disconnect"
// and refreshes its timestamp, rather than deleting it outright: the
// connection is gone but its presence contribution persists until TTL
// evicts it, per the connect/disconnect lifecycle. A no-op, version
// unchanged, if key is not present.
func (r *Registry) MarkDisconnected(key string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return r.version
	}
	e.Reason = "disconnect"
	e.Ts = nowMs()
	r.version++
	return r.version
}

// Version returns the current presence version without mutating anything.
func (r *Registry) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// List prunes expired entries, refreshes the self-entry, and returns a
// snapshot sorted by most-recently-seen first, alongside the version that
// snapshot is consistent with.
func (r *Registry) List() ([]protocol.PresenceEntry, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.selfBuild != nil {
		self := r.selfBuild()
		self.Ts = nowMs()
		r.entries[r.selfKey] = &self
	}

	r.pruneExpiredLocked()
	r.evictOldestLocked()

	out := make([]protocol.PresenceEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts > out[j].Ts })
	return out, r.version
}

func (r *Registry) pruneExpiredLocked() {
	if r.ttl <= 0 {
		return
	}
	cutoff := nowMs() - r.ttl.Milliseconds()
	for key, e := range r.entries {
		if key == r.selfKey {
			continue
		}
		if e.Ts < cutoff {
			delete(r.entries, key)
		}
	}
}

func (r *Registry) evictOldestLocked() {
	for r.maxSize > 0 && len(r.entries) > r.maxSize {
		var oldestKey string
		var oldestTs int64
		first := true
		for key, e := range r.entries {
			if key == r.selfKey {
				continue
			}
			if first || e.Ts < oldestTs {
				oldestKey, oldestTs = key, e.Ts
				first = false
			}
		}
		if oldestKey == "" {
			return
		}
		delete(r.entries, oldestKey)
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
