// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package memory implements store.Store entirely in process memory, guarded
// by a single mutex. It is the default backend for single-node development
// and for tests that don't want a real database or redis.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/dittosh/gateway/internal/store"
	"github.com/dittosh/gateway/types"
)

type ledger struct {
	totalTokens, usedTokens, reservedTokens          int64
	hasTotalTokens                                   bool
	totalUSDMicros, usedUSDMicros, reservedUSDMicros int64
	hasTotalUSDMicros                                bool
}

// Store is the in-memory backend. Zero value is not usable; use New.
type Store struct {
	mu sync.Mutex

	keysByToken map[string]*store.VirtualKeyRecord
	counters    map[string]int64 // scopeKey|kind|windowStart -> count
	ledgers     map[string]*ledger
	reserves    map[string]*store.Reservation
	audit       []*store.AuditRecord
	cache       map[string]*store.CacheEntry
}

// New returns an empty memory-backed Store.
func New() *Store {
	return &Store{
		keysByToken: make(map[string]*store.VirtualKeyRecord),
		counters:    make(map[string]int64),
		ledgers:     make(map[string]*ledger),
		reserves:    make(map[string]*store.Reservation),
		cache:       make(map[string]*store.CacheEntry),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }
func (s *Store) Close() error                   { return nil }

func (s *Store) LookupByToken(ctx context.Context, token string) (*store.VirtualKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keysByToken[token]
	if !ok || !rec.Enabled {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) PutKey(ctx context.Context, rec *store.VirtualKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.keysByToken[rec.Token] = &cp
	return nil
}

func counterKey(scopeKey, kind string, windowStart int64) string {
	return scopeKey + "|" + kind + "|" + strconv.FormatInt(windowStart, 10)
}

func (s *Store) IncrCounter(ctx context.Context, scopeKey, kind string, windowStart int64, delta int64, windowTTL time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey(scopeKey, kind, windowStart)
	s.counters[k] += delta
	return s.counters[k], nil
}

func (s *Store) ledgerFor(scopeKey string) *ledger {
	l, ok := s.ledgers[scopeKey]
	if !ok {
		l = &ledger{}
		s.ledgers[scopeKey] = l
	}
	return l
}

func (s *Store) Reserve(ctx context.Context, id, scopeKey string, tokens, usdMicros int64, ttl time.Duration) (*store.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.reserves[id]; ok {
		cp := *existing
		return &cp, nil
	}

	l := s.ledgerFor(scopeKey)
	if l.hasTotalTokens && l.usedTokens+l.reservedTokens+tokens > l.totalTokens {
		return nil, types.NewError(types.ErrInsufficientQuota, "token budget exhausted for scope "+scopeKey)
	}
	if l.hasTotalUSDMicros && l.usedUSDMicros+l.reservedUSDMicros+usdMicros > l.totalUSDMicros {
		return nil, types.NewError(types.ErrInsufficientQuota, "cost budget exhausted for scope "+scopeKey)
	}

	l.reservedTokens += tokens
	l.reservedUSDMicros += usdMicros

	r := &store.Reservation{
		ID:        id,
		ScopeKey:  scopeKey,
		Tokens:    tokens,
		USDMicros: usdMicros,
		ExpiresAt: time.Now().Add(ttl),
	}
	s.reserves[id] = r
	cp := *r
	return &cp, nil
}

func (s *Store) Commit(ctx context.Context, id string, actualTokens, actualUSDMicros int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reserves[id]
	if !ok {
		return store.ErrReservationNotFound
	}
	l := s.ledgerFor(r.ScopeKey)
	l.reservedTokens -= r.Tokens
	l.reservedUSDMicros -= r.USDMicros
	if l.reservedTokens < 0 {
		l.reservedTokens = 0
	}
	if l.reservedUSDMicros < 0 {
		l.reservedUSDMicros = 0
	}
	l.usedTokens += actualTokens
	l.usedUSDMicros += actualUSDMicros
	delete(s.reserves, id)
	return nil
}

func (s *Store) Rollback(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reserves[id]
	if !ok {
		return store.ErrReservationNotFound
	}
	l := s.ledgerFor(r.ScopeKey)
	l.reservedTokens -= r.Tokens
	l.reservedUSDMicros -= r.USDMicros
	if l.reservedTokens < 0 {
		l.reservedTokens = 0
	}
	if l.reservedUSDMicros < 0 {
		l.reservedUSDMicros = 0
	}
	delete(s.reserves, id)
	return nil
}

func (s *Store) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.reserves {
		if now.After(r.ExpiresAt) {
			l := s.ledgerFor(r.ScopeKey)
			l.reservedTokens -= r.Tokens
			l.reservedUSDMicros -= r.USDMicros
			if l.reservedTokens < 0 {
				l.reservedTokens = 0
			}
			if l.reservedUSDMicros < 0 {
				l.reservedUSDMicros = 0
			}
			delete(s.reserves, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Remaining(ctx context.Context, scopeKey string) (*int64, *int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledgerFor(scopeKey)
	var tokens, usdMicros *int64
	if l.hasTotalTokens {
		v := l.totalTokens - l.usedTokens - l.reservedTokens
		tokens = &v
	}
	if l.hasTotalUSDMicros {
		v := l.totalUSDMicros - l.usedUSDMicros - l.reservedUSDMicros
		usdMicros = &v
	}
	return tokens, usdMicros, nil
}

func (s *Store) SetLimit(ctx context.Context, scopeKey string, totalTokens, totalUSDMicros *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.ledgerFor(scopeKey)
	if totalTokens != nil {
		l.totalTokens = *totalTokens
		l.hasTotalTokens = true
	} else {
		l.hasTotalTokens = false
	}
	if totalUSDMicros != nil {
		l.totalUSDMicros = *totalUSDMicros
		l.hasTotalUSDMicros = true
	} else {
		l.hasTotalUSDMicros = false
	}
	return nil
}

func (s *Store) Append(ctx context.Context, payload string) (*store.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash := ""
	if len(s.audit) > 0 {
		prevHash = s.audit[len(s.audit)-1].Hash
	}
	rec := &store.AuditRecord{
		Seq:       int64(len(s.audit)) + 1,
		PrevHash:  prevHash,
		Hash:      chainHash(prevHash, payload),
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	s.audit = append(s.audit, rec)
	cp := *rec
	return &cp, nil
}

func (s *Store) Tail(ctx context.Context) (*store.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.audit) == 0 {
		return nil, nil
	}
	cp := *s.audit[len(s.audit)-1]
	return &cp, nil
}

func (s *Store) Verify(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash := ""
	for i, rec := range s.audit {
		if chainHash(prevHash, rec.Payload) != rec.Hash {
			return int64(i), nil
		}
		prevHash = rec.Hash
	}
	return -1, nil
}

func chainHash(prevHash, payload string) string {
	h := sha256.Sum256([]byte(prevHash + payload))
	return hex.EncodeToString(h[:])
}

func (s *Store) Get(ctx context.Context, key string) (*store.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if time.Now().After(e.ExpiresAt) {
		delete(s.cache, key)
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) Set(ctx context.Context, key string, entry *store.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.cache[key] = &cp
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, key)
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	return keys, nil
}

var _ store.Store = (*Store)(nil)
var _ store.CacheScanner = (*Store)(nil)
