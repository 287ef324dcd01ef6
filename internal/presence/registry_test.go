package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawdis/gateway/internal/protocol"
)

func TestRegistry_UpsertAndList(t *testing.T) {
	r := NewRegistry(DefaultTTL, DefaultMaxSize)
	v0 := r.Version()

	v1 := r.Upsert("node-1", protocol.PresenceEntry{Host: "node-1", Ts: time.Now().UnixMilli()})
	assert.Greater(t, v1, v0)

	list, version := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "node-1", list[0].Host)
	assert.Equal(t, v1, version)
}

func TestRegistry_SelfEntryAlwaysPresentAndRefreshed(t *testing.T) {
	r := NewRegistry(DefaultTTL, DefaultMaxSize)
	r.SetSelf("self", func() protocol.PresenceEntry {
		return protocol.PresenceEntry{Host: "gateway-host", Mode: "gateway"}
	})

	list, _ := r.List()
	require.Len(t, list, 1)
	assert.Equal(t, "gateway-host", list[0].Host)
	firstTs := list[0].Ts
	assert.Greater(t, firstTs, int64(0))

	time.Sleep(2 * time.Millisecond)
	list2, _ := r.List()
	assert.GreaterOrEqual(t, list2[0].Ts, firstTs)
}

func TestRegistry_TTLExpiry(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, DefaultMaxSize)
	r.Upsert("node-1", protocol.PresenceEntry{Host: "node-1", Ts: time.Now().UnixMilli()})

	time.Sleep(25 * time.Millisecond)
	list, _ := r.List()
	assert.Empty(t, list)
}

func TestRegistry_EvictsOldestOverCapacity(t *testing.T) {
	r := NewRegistry(0, 2)
	now := time.Now().UnixMilli()
	r.Upsert("a", protocol.PresenceEntry{Host: "a", Ts: now - 3000})
	r.Upsert("b", protocol.PresenceEntry{Host: "b", Ts: now - 2000})
	r.Upsert("c", protocol.PresenceEntry{Host: "c", Ts: now - 1000})

	list, _ := r.List()
	require.Len(t, list, 2)
	for _, e := range list {
		assert.NotEqual(t, "a", e.Host, "oldest entry should have been evicted")
	}
}

func TestRegistry_MarkDisconnectedPersistsEntry(t *testing.T) {
	r := NewRegistry(DefaultTTL, DefaultMaxSize)
	r.Upsert("conn:1", protocol.PresenceEntry{Host: "client-1", Reason: "connect", Ts: time.Now().UnixMilli()})

	vBefore := r.Version()
	vAfter := r.MarkDisconnected("conn:1")
	assert.Greater(t, vAfter, vBefore)

	list, _ := r.List()
	require.Len(t, list, 1, "entry must persist across disconnect, not be removed immediately")
	assert.Equal(t, "disconnect", list[0].Reason)
}

func TestRegistry_ListSortedMostRecentFirst(t *testing.T) {
	r := NewRegistry(DefaultTTL, DefaultMaxSize)
	now := time.Now().UnixMilli()
	r.Upsert("older", protocol.PresenceEntry{Host: "older", Ts: now - 5000})
	r.Upsert("newer", protocol.PresenceEntry{Host: "newer", Ts: now})

	list, _ := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].Host)
	assert.Equal(t, "older", list[1].Host)
}

func TestParseSystemEventText(t *testing.T) {
	t.Run("structured node line", func(t *testing.T) {
		key, entry := ParseSystemEventText("Node: myhost (10.0.0.1) · app 1.2.3 · last input 42s ago · mode cli · reason idle")
		assert.Equal(t, "myhost", key)
		assert.Equal(t, "myhost", entry.Host)
		assert.Equal(t, "10.0.0.1", entry.IP)
		assert.Equal(t, "1.2.3", entry.Version)
		assert.Equal(t, int64(42), entry.LastInputSeconds)
		assert.Equal(t, "cli", entry.Mode)
		assert.Equal(t, "idle", entry.Reason)
	})

	t.Run("falls back to preserving whole text", func(t *testing.T) {
		key, entry := ParseSystemEventText("hello from a test")
		assert.Equal(t, "text:hello from a test", key)
		assert.Equal(t, "hello from a test", entry.Text)
	})
}
