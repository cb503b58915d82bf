package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dittosh/gateway/config"
	"github.com/dittosh/gateway/internal/store"
	"github.com/dittosh/gateway/internal/store/memory"
)

func TestKeyFor_StableAndScopeSensitive(t *testing.T) {
	k1 := KeyFor("POST", "/v1/chat/completions", []byte(`{"model":"gpt-4o"}`), "vk:1")
	k2 := KeyFor("POST", "/v1/chat/completions", []byte(`{"model":"gpt-4o"}`), "vk:1")
	k3 := KeyFor("POST", "/v1/chat/completions", []byte(`{"model":"gpt-4o"}`), "vk:2")

	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestEligible(t *testing.T) {
	require.True(t, Eligible(http.MethodGet, 200, "application/json", 10, 100))
	require.True(t, Eligible(http.MethodPost, 201, "application/json", 10, 100))
	require.False(t, Eligible(http.MethodDelete, 200, "application/json", 10, 100))
	require.False(t, Eligible(http.MethodPost, 500, "application/json", 10, 100))
	require.False(t, Eligible(http.MethodPost, 200, "text/event-stream", 10, 100))
	require.False(t, Eligible(http.MethodPost, 200, "application/json", 200, 100))
	require.True(t, Eligible(http.MethodPost, 200, "application/json", 200, 0))
}

func TestBypassed(t *testing.T) {
	h := http.Header{}
	require.False(t, Bypassed(h))

	h.Set("x-ditto-cache-bypass", "1")
	require.True(t, Bypassed(h))

	h = http.Header{}
	h.Set("Cache-Control", "max-age=0, no-cache")
	require.True(t, Bypassed(h))

	h = http.Header{}
	h.Set("Cache-Control", "no-store")
	require.True(t, Bypassed(h))

	h = http.Header{}
	h.Set("Cache-Control", "max-age=60")
	require.False(t, Bypassed(h))
}

func TestCache_L1HitDoesNotTouchL2(t *testing.T) {
	s := memory.New()
	c := New(s, config.CacheConfig{Enabled: true, UseL2: true, TTL: time.Minute, L1MaxEntries: 10}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("hello")))

	res, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	require.Equal(t, "memory", res.Source)
	require.Equal(t, []byte("hello"), res.Value)
}

func TestCache_L2BackfillsL1(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k1", &store.CacheEntry{Value: []byte("from-l2"), ExpiresAt: time.Now().Add(time.Minute)}))

	c := New(s, config.CacheConfig{Enabled: true, UseL2: true, TTL: time.Minute, L1MaxEntries: 10}, zap.NewNop())

	res, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	require.Equal(t, "shared", res.Source)

	// Second read should now hit L1.
	res, ok = c.Get(ctx, "k1")
	require.True(t, ok)
	require.Equal(t, "memory", res.Source)
}

func TestCache_MissWhenL2Disabled(t *testing.T) {
	c := New(nil, config.CacheConfig{Enabled: true, UseL2: false, TTL: time.Minute, L1MaxEntries: 10}, zap.NewNop())
	_, ok := c.Get(context.Background(), "missing")
	require.False(t, ok)
}

func TestCache_Delete(t *testing.T) {
	s := memory.New()
	c := New(s, config.CacheConfig{Enabled: true, UseL2: true, TTL: time.Minute, L1MaxEntries: 10}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("hello")))
	require.NoError(t, c.Delete(ctx, "k1"))

	_, ok := c.Get(ctx, "k1")
	require.False(t, ok)
}

func TestCache_PurgeAll(t *testing.T) {
	s := memory.New()
	c := New(s, config.CacheConfig{Enabled: true, UseL2: true, TTL: time.Minute, L1MaxEntries: 10}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("a")))
	require.NoError(t, c.Set(ctx, "k2", []byte("b")))

	purged, err := c.PurgeAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, purged)

	_, ok := c.Get(ctx, "k1")
	require.False(t, ok)
	_, ok = c.Get(ctx, "k2")
	require.False(t, ok)
}

func TestCache_EntryOverCapIsSkipped(t *testing.T) {
	s := memory.New()
	c := New(s, config.CacheConfig{Enabled: true, UseL2: true, TTL: time.Minute, L1MaxEntries: 10, L1EntryMaxByte: 4}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("too-big-for-cap")))
	_, ok := c.Get(ctx, "k1")
	require.False(t, ok)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	l := newLRU(2, 0, time.Minute)
	l.set("a", []byte("1"))
	l.set("b", []byte("2"))
	l.get("a") // touch a, making b the LRU
	l.set("c", []byte("3"))

	_, ok := l.get("b")
	require.False(t, ok, "b should have been evicted")
	_, ok = l.get("a")
	require.True(t, ok)
	_, ok = l.get("c")
	require.True(t, ok)
}

func TestLRU_ByteBudgetEviction(t *testing.T) {
	l := newLRU(100, 10, time.Minute)
	l.set("a", []byte("12345"))
	l.set("b", []byte("12345"))
	// Total is already at the 10-byte budget; adding a third entry must
	// evict to stay within it.
	l.set("c", []byte("12345"))

	_, ok := l.get("a")
	require.False(t, ok, "oldest entry should have been evicted to respect the byte budget")
}

func TestLRU_ExpiredEntryIsMiss(t *testing.T) {
	l := newLRU(10, 0, time.Millisecond)
	l.set("a", []byte("1"))
	time.Sleep(5 * time.Millisecond)

	_, ok := l.get("a")
	require.False(t, ok)
}
