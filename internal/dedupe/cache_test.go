package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdis/gateway/internal/protocol"
)

func TestCache_PutGet(t *testing.T) {
	c := New(DefaultTTL, DefaultMaxSize)
	key := Key("send", "K1")

	_, ok := c.Get(key)
	assert.False(t, ok, "nothing cached yet")

	c.Put(key, Entry{At: time.Now(), OK: true, Payload: map[string]any{"messageId": "msg-1"}})

	entry, ok := c.Get(key)
	require.True(t, ok)
	assert.True(t, entry.OK)
	assert.Equal(t, map[string]any{"messageId": "msg-1"}, entry.Payload)
}

func TestCache_ReplaysErrorOutcomeVerbatim(t *testing.T) {
	c := New(DefaultTTL, DefaultMaxSize)
	key := Key("agent", "K2")
	shape := &protocol.ErrorShape{Code: protocol.ErrorUnavailable, Message: "boom", Retryable: true}
	c.Put(key, Entry{At: time.Now(), OK: false, Err: shape})

	entry, ok := c.Get(key)
	require.True(t, ok)
	assert.False(t, entry.OK)
	assert.Equal(t, shape, entry.Err)
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(10*time.Millisecond, DefaultMaxSize)
	key := Key("send", "K3")
	c.Put(key, Entry{At: time.Now(), OK: true})

	_, ok := c.Get(key)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get(key)
	assert.False(t, ok, "entry should have expired")
}

func TestCache_SweepRemovesExpiredEntries(t *testing.T) {
	c := New(10*time.Millisecond, DefaultMaxSize)
	c.Put(Key("send", "K4"), Entry{At: time.Now()})
	time.Sleep(20 * time.Millisecond)
	c.Sweep()

	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestCache_EvictsOldestOverCapacity(t *testing.T) {
	c := New(0, 2)
	now := time.Now()
	c.Put(Key("send", "A"), Entry{At: now.Add(-3 * time.Second), OK: true})
	c.Put(Key("send", "B"), Entry{At: now.Add(-2 * time.Second), OK: true})
	c.Put(Key("send", "C"), Entry{At: now.Add(-1 * time.Second), OK: true})

	_, ok := c.Get(Key("send", "A"))
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get(Key("send", "B"))
	assert.True(t, ok)
	_, ok = c.Get(Key("send", "C"))
	assert.True(t, ok)
}
