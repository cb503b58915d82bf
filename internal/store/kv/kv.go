// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package kv implements store.Store against a shared redis instance, for
// multi-node deployments that need counters and budgets consistent across
// gateway processes. Reservation bookkeeping uses Lua scripts so the
// check-then-update sequence in Reserve/Commit/Rollback is atomic even
// under concurrent callers hitting the same scope.
package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dittosh/gateway/internal/store"
	"github.com/dittosh/gateway/types"
)

const keyPrefix = "ditto:"

func chainHash(prevHash, payload string) string {
	h := sha256.Sum256([]byte(prevHash + payload))
	return hex.EncodeToString(h[:])
}

// Store is the redis-backed implementation of store.Store.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger

	reserveScript *redis.Script
	settleScript  *redis.Script
	reapScript    *redis.Script
}

// Config configures the redis connection. CounterTTL is not read by New:
// each counter key's TTL is the windowTTL passed to IncrCounter.
type Config struct {
	Addr       string
	Password   string
	DB         int
	CounterTTL time.Duration
}

// New connects to redis and verifies reachability with a bounded ping.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("kv: connect to redis: %w", err)
	}

	return &Store{
		rdb:           rdb,
		logger:        logger.With(zap.String("component", "store.kv")),
		reserveScript: redis.NewScript(reserveLua),
		settleScript:  redis.NewScript(settleLua),
		reapScript:    redis.NewScript(reapLua),
	}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
func (s *Store) Close() error                   { return s.rdb.Close() }

func keyTokenKey(token string) string { return keyPrefix + "vkey:" + token }

func (s *Store) LookupByToken(ctx context.Context, token string) (*store.VirtualKeyRecord, error) {
	val, err := s.rdb.Get(ctx, keyTokenKey(token)).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: lookup key: %w", err)
	}
	var rec store.VirtualKeyRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("kv: decode key record: %w", err)
	}
	if !rec.Enabled {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) PutKey(ctx context.Context, rec *store.VirtualKeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kv: encode key record: %w", err)
	}
	return s.rdb.Set(ctx, keyTokenKey(rec.Token), data, 0).Err()
}

func counterKey(scopeKey, kind string, windowStart int64) string {
	return keyPrefix + "rl:" + scopeKey + ":" + kind + ":" + strconv.FormatInt(windowStart, 10)
}

func (s *Store) IncrCounter(ctx context.Context, scopeKey, kind string, windowStart int64, delta int64, windowTTL time.Duration) (int64, error) {
	k := counterKey(scopeKey, kind, windowStart)
	pipe := s.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, k, delta)
	pipe.Expire(ctx, k, windowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kv: incr counter: %w", err)
	}
	return incr.Val(), nil
}

func ledgerKey(scopeKey string) string { return keyPrefix + "budget:" + scopeKey }
func reservationKey(id string) string  { return keyPrefix + "reservation:" + id }
func reservationZSetKey() string       { return keyPrefix + "reservations:expiry" }

// reserveLua atomically checks the scope's remaining budget against a
// pending hold and, if it fits, records the reservation. KEYS[1] is the
// ledger hash, KEYS[2] the reservation key, KEYS[3] the expiry zset.
// ARGV: tokens, usdMicros, reservationID, expiresAtUnix, reservationJSON.
const reserveLua = `
local existing = redis.call('GET', KEYS[2])
if existing then
  return existing
end

local function hget_num(key, field)
  local v = redis.call('HGET', key, field)
  if v then return tonumber(v) else return 0 end
end

local tokens = tonumber(ARGV[1])
local usd = tonumber(ARGV[2])

local has_tt = redis.call('HGET', KEYS[1], 'has_total_tokens')
if has_tt == '1' then
  local total = hget_num(KEYS[1], 'total_tokens')
  local used = hget_num(KEYS[1], 'used_tokens')
  local reserved = hget_num(KEYS[1], 'reserved_tokens')
  if used + reserved + tokens > total then
    return 'ERR_INSUFFICIENT'
  end
end

local has_tu = redis.call('HGET', KEYS[1], 'has_total_usd')
if has_tu == '1' then
  local total = hget_num(KEYS[1], 'total_usd')
  local used = hget_num(KEYS[1], 'used_usd')
  local reserved = hget_num(KEYS[1], 'reserved_usd')
  if used + reserved + usd > total then
    return 'ERR_INSUFFICIENT'
  end
end

redis.call('HINCRBY', KEYS[1], 'reserved_tokens', tokens)
redis.call('HINCRBY', KEYS[1], 'reserved_usd', usd)
redis.call('SET', KEYS[2], ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
return ARGV[5]
`

// settleLua releases a reservation's hold and, if commit is "1", moves the
// actual amounts into used. The ledger key is derived from the
// reservation's own scope_key field, like reapLua, since Commit/Rollback
// only receive a reservation id, not its scope. KEYS[1] reservation key,
// KEYS[2] expiry zset. ARGV: commit("0"/"1"), actualTokens, actualUSD,
// reservationIDMember.
const settleLua = `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local r = cjson.decode(raw)
local ledger_key = "` + keyPrefix + `budget:" .. r.scope_key

local reserved_tokens = tonumber(redis.call('HGET', ledger_key, 'reserved_tokens') or '0') - r.tokens
local reserved_usd = tonumber(redis.call('HGET', ledger_key, 'reserved_usd') or '0') - r.usd_micros
if reserved_tokens < 0 then reserved_tokens = 0 end
if reserved_usd < 0 then reserved_usd = 0 end
redis.call('HSET', ledger_key, 'reserved_tokens', reserved_tokens, 'reserved_usd', reserved_usd)

if ARGV[1] == '1' then
  redis.call('HINCRBY', ledger_key, 'used_tokens', tonumber(ARGV[2]))
  redis.call('HINCRBY', ledger_key, 'used_usd', tonumber(ARGV[3]))
end

redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[4])
return 1
`

// reapLua is settleLua's rollback path applied to one reservation, whose id
// is ARGV[1]; Go picks the expired ids with ZRANGEBYSCORE and calls it once
// per id.
const reapLua = `
local raw = redis.call('GET', KEYS[1])
if not raw then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return 0
end
local r = cjson.decode(raw)
local ledger_key = "` + keyPrefix + `budget:" .. r.scope_key

local reserved_tokens = tonumber(redis.call('HGET', ledger_key, 'reserved_tokens') or '0') - r.tokens
local reserved_usd = tonumber(redis.call('HGET', ledger_key, 'reserved_usd') or '0') - r.usd_micros
if reserved_tokens < 0 then reserved_tokens = 0 end
if reserved_usd < 0 then reserved_usd = 0 end
redis.call('HSET', ledger_key, 'reserved_tokens', reserved_tokens, 'reserved_usd', reserved_usd)

redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

type reservationPayload struct {
	ID        string `json:"id"`
	ScopeKey  string `json:"scope_key"`
	Tokens    int64  `json:"tokens"`
	USDMicros int64  `json:"usd_micros"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Store) Reserve(ctx context.Context, id, scopeKey string, tokens, usdMicros int64, ttl time.Duration) (*store.Reservation, error) {
	expiresAt := time.Now().Add(ttl)
	payload := reservationPayload{ID: id, ScopeKey: scopeKey, Tokens: tokens, USDMicros: usdMicros, ExpiresAt: expiresAt.Unix()}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("kv: encode reservation: %w", err)
	}

	res, err := s.reserveScript.Run(ctx, s.rdb,
		[]string{ledgerKey(scopeKey), reservationKey(id), reservationZSetKey()},
		tokens, usdMicros, id, expiresAt.Unix(), string(data),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("kv: reserve: %w", err)
	}
	if res == "ERR_INSUFFICIENT" {
		return nil, types.NewError(types.ErrInsufficientQuota, "budget exhausted for scope "+scopeKey)
	}

	var stored reservationPayload
	if err := json.Unmarshal([]byte(res), &stored); err != nil {
		return nil, fmt.Errorf("kv: decode reservation result: %w", err)
	}
	return &store.Reservation{
		ID:        stored.ID,
		ScopeKey:  stored.ScopeKey,
		Tokens:    stored.Tokens,
		USDMicros: stored.USDMicros,
		ExpiresAt: time.Unix(stored.ExpiresAt, 0),
	}, nil
}

func (s *Store) settle(ctx context.Context, id string, commit bool, actualTokens, actualUSDMicros int64) error {
	commitFlag := "0"
	if commit {
		commitFlag = "1"
	}
	n, err := s.settleScript.Run(ctx, s.rdb,
		[]string{reservationKey(id), reservationZSetKey()},
		commitFlag, actualTokens, actualUSDMicros, id,
	).Int()
	if err != nil {
		return fmt.Errorf("kv: settle: %w", err)
	}
	if n == 0 {
		return store.ErrReservationNotFound
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, id string, actualTokens, actualUSDMicros int64) error {
	return s.settle(ctx, id, true, actualTokens, actualUSDMicros)
}

func (s *Store) Rollback(ctx context.Context, id string) error {
	return s.settle(ctx, id, false, 0, 0)
}

func (s *Store) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, reservationZSetKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: list expired reservations: %w", err)
	}

	n := 0
	for _, id := range ids {
		res, err := s.reapScript.Run(ctx, s.rdb, []string{reservationKey(id), reservationZSetKey()}, id).Int()
		if err != nil {
			s.logger.Warn("reap reservation failed", zap.String("id", id), zap.Error(err))
			continue
		}
		n += res
	}
	return n, nil
}

func (s *Store) Remaining(ctx context.Context, scopeKey string) (*int64, *int64, error) {
	vals, err := s.rdb.HGetAll(ctx, ledgerKey(scopeKey)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("kv: remaining: %w", err)
	}
	var tokens, usdMicros *int64
	if vals["has_total_tokens"] == "1" {
		total, _ := strconv.ParseInt(vals["total_tokens"], 10, 64)
		used, _ := strconv.ParseInt(vals["used_tokens"], 10, 64)
		reserved, _ := strconv.ParseInt(vals["reserved_tokens"], 10, 64)
		v := total - used - reserved
		tokens = &v
	}
	if vals["has_total_usd"] == "1" {
		total, _ := strconv.ParseInt(vals["total_usd"], 10, 64)
		used, _ := strconv.ParseInt(vals["used_usd"], 10, 64)
		reserved, _ := strconv.ParseInt(vals["reserved_usd"], 10, 64)
		v := total - used - reserved
		usdMicros = &v
	}
	return tokens, usdMicros, nil
}

func (s *Store) SetLimit(ctx context.Context, scopeKey string, totalTokens, totalUSDMicros *int64) error {
	pipe := s.rdb.TxPipeline()
	if totalTokens != nil {
		pipe.HSet(ctx, ledgerKey(scopeKey), "total_tokens", *totalTokens, "has_total_tokens", "1")
	} else {
		pipe.HSet(ctx, ledgerKey(scopeKey), "has_total_tokens", "0")
	}
	if totalUSDMicros != nil {
		pipe.HSet(ctx, ledgerKey(scopeKey), "total_usd", *totalUSDMicros, "has_total_usd", "1")
	} else {
		pipe.HSet(ctx, ledgerKey(scopeKey), "has_total_usd", "0")
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kv: set limit: %w", err)
	}
	return nil
}

// Audit chain: a single redis LIST of entries, chained through an
// optimistic WATCH/MULTI transaction on the "tail" key so concurrent
// Append calls never fork the chain. Seq is the entry's list position
// (1-based), derived from LLEN rather than stored, since an entry's JSON
// is built before its own position is known.
func auditEntriesKey() string { return keyPrefix + "audit:entries" }
func auditTailKey() string    { return keyPrefix + "audit:tail" }

type auditEntry struct {
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) Append(ctx context.Context, payload string) (*store.AuditRecord, error) {
	for attempt := 0; attempt < 5; attempt++ {
		var result *store.AuditRecord
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			prevHash, err := tx.Get(ctx, auditTailKey()).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			hash := chainHash(prevHash, payload)
			entry := auditEntry{PrevHash: prevHash, Hash: hash, Payload: payload, CreatedAt: time.Now()}
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}

			var lenCmd *redis.IntCmd
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				lenCmd = pipe.RPush(ctx, auditEntriesKey(), data)
				pipe.Set(ctx, auditTailKey(), hash, 0)
				return nil
			})
			if err != nil {
				return err
			}

			result = &store.AuditRecord{
				Seq: lenCmd.Val(), PrevHash: prevHash, Hash: hash,
				Payload: payload, CreatedAt: entry.CreatedAt,
			}
			return nil
		}, auditTailKey())

		if err == nil {
			return result, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return nil, fmt.Errorf("kv: append audit: %w", err)
	}
	return nil, fmt.Errorf("kv: append audit: too much contention on tail")
}

func decodeAuditEntry(seq int64, data string) (*store.AuditRecord, error) {
	var e auditEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, err
	}
	return &store.AuditRecord{Seq: seq, PrevHash: e.PrevHash, Hash: e.Hash, Payload: e.Payload, CreatedAt: e.CreatedAt}, nil
}

func (s *Store) Tail(ctx context.Context) (*store.AuditRecord, error) {
	n, err := s.rdb.LLen(ctx, auditEntriesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: tail length: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	data, err := s.rdb.LIndex(ctx, auditEntriesKey(), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: tail entry: %w", err)
	}
	return decodeAuditEntry(n, data)
}

func (s *Store) Verify(ctx context.Context) (int64, error) {
	entries, err := s.rdb.LRange(ctx, auditEntriesKey(), 0, -1).Result()
	if err != nil {
		return -1, fmt.Errorf("kv: verify: %w", err)
	}

	prevHash := ""
	for i, data := range entries {
		rec, err := decodeAuditEntry(int64(i+1), data)
		if err != nil {
			return int64(i), fmt.Errorf("kv: verify: decode entry %d: %w", i+1, err)
		}
		if chainHash(prevHash, rec.Payload) != rec.Hash {
			return int64(i), nil
		}
		prevHash = rec.Hash
	}
	return -1, nil
}

func cacheEntryKey(key string) string { return keyPrefix + "cache:" + key }

func (s *Store) Get(ctx context.Context, key string) (*store.CacheEntry, error) {
	data, err := s.rdb.Get(ctx, cacheEntryKey(key)).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: cache get: %w", err)
	}
	ttl, err := s.rdb.PTTL(ctx, cacheEntryKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: cache ttl: %w", err)
	}
	return &store.CacheEntry{Value: []byte(data), ExpiresAt: time.Now().Add(ttl)}, nil
}

func (s *Store) Set(ctx context.Context, key string, entry *store.CacheEntry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, cacheEntryKey(key), entry.Value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, cacheEntryKey(key)).Err()
}

// Keys enumerates every cached key via SCAN rather than KEYS, so a large
// keyspace doesn't block the redis event loop while purge-all walks it.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	prefix := cacheEntryKey("")
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv: cache keys: %w", err)
	}
	return keys, nil
}

var _ store.Store = (*Store)(nil)
var _ store.CacheScanner = (*Store)(nil)
