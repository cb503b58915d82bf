package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups that find nothing, so callers can tell
// "no key" apart from a backend failure.
var ErrNotFound = errors.New("store: not found")

// ErrReservationNotFound is returned by Commit/Rollback against a
// reservation id the store has no record of (already settled, or never
// existed).
var ErrReservationNotFound = errors.New("store: reservation not found")

// VirtualKeyRecord is the persisted shape of a virtual key, independent of
// the config package's YAML representation.
type VirtualKeyRecord struct {
	ID         string
	Token      string
	Enabled    bool
	TenantID   string
	ProjectID  string
	UserID     string
	ConfigJSON string // opaque, gateway-defined: limits/budget/guardrails/route
}

// KeyStore resolves a bearer token to the virtual key that owns it.
type KeyStore interface {
	// LookupByToken returns ErrNotFound if no enabled key owns token.
	LookupByToken(ctx context.Context, token string) (*VirtualKeyRecord, error)
	PutKey(ctx context.Context, rec *VirtualKeyRecord) error
}

// RateLimitStore tracks fixed-window request/token counters per scope.
type RateLimitStore interface {
	// IncrCounter atomically increments the counter for (scopeKey, kind,
	// windowStart) and returns the post-increment value. windowTTL bounds
	// how long the counter survives past the window it belongs to.
	IncrCounter(ctx context.Context, scopeKey, kind string, windowStart int64, delta int64, windowTTL time.Duration) (int64, error)
}

// Reservation is a pending budget hold awaiting Commit or Rollback.
type Reservation struct {
	ID        string
	ScopeKey  string
	Tokens    int64
	USDMicros int64
	ExpiresAt time.Time
}

// BudgetStore implements the two-phase reserve/commit/rollback protocol
// (§4.4) against a per-scope ledger of total/used/reserved tokens and
// USD micros.
type BudgetStore interface {
	// Reserve fails with a *types.Error carrying ErrInsufficientQuota if the
	// scope's remaining (total - used - reserved) balance can't cover the
	// request. Reserve is idempotent on id: reserving the same id twice
	// returns the first reservation's outcome without double-counting.
	Reserve(ctx context.Context, id, scopeKey string, tokens, usdMicros int64, ttl time.Duration) (*Reservation, error)
	// Commit settles a reservation: moves actualTokens/actualUSDMicros from
	// reserved into used. actuals may differ from the reservation's
	// estimate (§4.4 settlement). Commit on an unknown id returns
	// ErrReservationNotFound.
	Commit(ctx context.Context, id string, actualTokens, actualUSDMicros int64) error
	// Rollback releases a reservation's hold without touching used.
	Rollback(ctx context.Context, id string) error
	// ReapExpired releases reservations whose ExpiresAt has passed and that
	// were never committed or rolled back, returning how many it reaped.
	ReapExpired(ctx context.Context, now time.Time) (int, error)
	// Remaining reports a scope's current (total - used - reserved); a nil
	// total means unbounded.
	Remaining(ctx context.Context, scopeKey string) (tokens, usdMicros *int64, err error)
	// SetLimit configures (or clears, with a nil pointer) a scope's total
	// budget. It does not touch used/reserved.
	SetLimit(ctx context.Context, scopeKey string, totalTokens, totalUSDMicros *int64) error
}

// AuditRecord is one entry in the append-only, hash-chained audit log.
type AuditRecord struct {
	Seq       int64
	PrevHash  string
	Hash      string
	Payload   string
	CreatedAt time.Time
}

// AuditStore appends to and reads the hash chain.
type AuditStore interface {
	// Append computes this entry's hash from prevHash+payload and persists
	// it, returning the stored record. Concurrent Append calls are
	// serialized by the backend so the chain never forks.
	Append(ctx context.Context, payload string) (*AuditRecord, error)
	// Tail returns the most recent record, or nil if the chain is empty.
	Tail(ctx context.Context) (*AuditRecord, error)
	// Verify walks the whole chain and reports the first index whose hash
	// doesn't match its recomputation, or -1 if the chain is intact.
	Verify(ctx context.Context) (int64, error)
}

// CacheEntry is one cached response body plus the time it expires.
type CacheEntry struct {
	Value     []byte
	ExpiresAt time.Time
}

// CacheStore is the shared (L2) tier of the two-tier cache (§4.7).
type CacheStore interface {
	Get(ctx context.Context, key string) (*CacheEntry, error) // ErrNotFound on miss
	Set(ctx context.Context, key string, entry *CacheEntry) error
	Delete(ctx context.Context, key string) error
}

// CacheScanner is an optional CacheStore capability for a full purge
// (§4.7's "batched scan+delete for all"). Backends that can't enumerate
// keys cheaply (or at all) simply don't implement it; callers type-assert
// for it rather than requiring it on every CacheStore.
type CacheScanner interface {
	Keys(ctx context.Context) ([]string, error)
}

// Store composes every persistence capability the gateway needs. A backend
// need not back every capability with durable storage — the memory backend
// backs all of them with process memory — but all backends implement the
// full interface so callers never type-switch on the active mode.
type Store interface {
	KeyStore
	RateLimitStore
	BudgetStore
	AuditStore
	CacheStore

	// Ping reports whether the backend is reachable, for the health and
	// readiness handlers.
	Ping(ctx context.Context) error
	// Close releases any resources (connections, background loops).
	Close() error
}
