package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dittosh/gateway/config"
	"github.com/dittosh/gateway/internal/store"
)

// KeyFor derives a cache key from the request's method, path, body, and
// auth scope, per §4.7's H_v1(method || path || SHA256(body) || scope)
// formula. scope is "vk:<id>" when virtual keys are enabled, else a hash
// of whatever client-auth value was presented, else "public".
func KeyFor(method, path string, body []byte, scope string) string {
	bodyHash := sha256.Sum256(body)
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(bodyHash[:])
	h.Write([]byte{0})
	h.Write([]byte(scope))
	return "v1:" + hex.EncodeToString(h.Sum(nil))
}

// Bypassed reports whether the request's headers opt out of the cache
// entirely: x-ditto-cache-bypass, or Cache-Control: no-store|no-cache.
// no-cache is treated as a full store bypass rather than strict RFC
// revalidation — a deliberate, documented simplification (§9's Open
// Question resolution), matching what the source framework actually does.
func Bypassed(h http.Header) bool {
	if h.Get("x-ditto-cache-bypass") != "" {
		return true
	}
	for _, directive := range strings.Split(h.Get("Cache-Control"), ",") {
		switch strings.ToLower(strings.TrimSpace(directive)) {
		case "no-store", "no-cache":
			return true
		}
	}
	return false
}

// Eligible reports whether a request/response pair may populate or be
// served from the cache: method in {GET, POST}, a 2xx status, a
// content-type that isn't SSE, and a body within perEntryCap (0 = no cap).
func Eligible(method string, statusCode int, contentType string, bodyLen int64, perEntryCap int64) bool {
	if method != http.MethodGet && method != http.MethodPost {
		return false
	}
	if statusCode < 200 || statusCode >= 300 {
		return false
	}
	if strings.HasPrefix(strings.ToLower(contentType), "text/event-stream") {
		return false
	}
	if perEntryCap > 0 && bodyLen > perEntryCap {
		return false
	}
	return true
}

// Result is one cache hit: the cached bytes and which tier served them.
type Result struct {
	Value  []byte
	Source string // "memory" | "shared"
}

// Cache is the two-tier response cache: an L1 LRU in front of an optional
// shared L2 (store.CacheStore).
type Cache struct {
	l1       *lru
	l2       store.CacheStore
	useL2    bool
	entryCap int64
	ttl      time.Duration
	logger   *zap.Logger
}

// New builds a Cache. l2 may be nil (or cfg.UseL2 false) to run L1-only.
func New(l2 store.CacheStore, cfg config.CacheConfig, logger *zap.Logger) *Cache {
	maxEntries := cfg.L1MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		l1:       newLRU(maxEntries, cfg.L1MaxBytes, ttl),
		l2:       l2,
		useL2:    cfg.UseL2 && l2 != nil,
		entryCap: cfg.L1EntryMaxByte,
		ttl:      ttl,
		logger:   logger.With(zap.String("component", "cache")),
	}
}

// Get checks L1, then L2 on an L1 miss, backfilling L1 from an L2 hit.
func (c *Cache) Get(ctx context.Context, key string) (*Result, bool) {
	if v, ok := c.l1.get(key); ok {
		return &Result{Value: v, Source: "memory"}, true
	}
	if !c.useL2 {
		return nil, false
	}

	e, err := c.l2.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("l2 cache get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if time.Now().After(e.ExpiresAt) {
		return nil, false
	}

	c.l1.set(key, e.Value)
	return &Result{Value: e.Value, Source: "shared"}, true
}

// Set writes value into L1 and, when enabled, write-through into L2 with
// the same TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	if c.entryCap > 0 && int64(len(value)) > c.entryCap {
		return nil
	}
	c.l1.set(key, value)
	if !c.useL2 {
		return nil
	}
	return c.l2.Set(ctx, key, &store.CacheEntry{Value: value, ExpiresAt: time.Now().Add(c.ttl)})
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.l1.delete(key)
	if !c.useL2 {
		return nil
	}
	return c.l2.Delete(ctx, key)
}

// PurgeAll clears L1 immediately and, if the L2 backend supports key
// enumeration (store.CacheScanner), fetches the full L2 key list in one
// Keys call and deletes those entries in batches of 200. It returns
// how many L2 entries were deleted; backends that can't enumerate keys
// only get their L1 cleared, which is logged, not silently dropped.
func (c *Cache) PurgeAll(ctx context.Context) (int, error) {
	c.l1.clear()
	if !c.useL2 {
		return 0, nil
	}

	scanner, ok := c.l2.(store.CacheScanner)
	if !ok {
		c.logger.Warn("l2 cache backend does not support key enumeration; purge-all only cleared L1")
		return 0, nil
	}

	keys, err := scanner.Keys(ctx)
	if err != nil {
		return 0, err
	}

	const batchSize = 200
	purged := 0
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, k := range keys[i:end] {
			if err := c.l2.Delete(ctx, k); err != nil {
				c.logger.Warn("purge-all delete failed", zap.String("key", k), zap.Error(err))
				continue
			}
			purged++
		}
	}
	return purged, nil
}
