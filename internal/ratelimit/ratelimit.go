package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dittosh/gateway/internal/store"
	"github.com/dittosh/gateway/types"
)

// Scope is one rate-limited dimension a request must clear: a virtual key,
// its tenant, project, user, or the route it was matched to. Route is true
// only for the route-grouped scope, which uses the weighted sliding window
// instead of a bare fixed window. A zero limit means that dimension isn't
// capped for this scope.
type Scope struct {
	Key      string
	Route    bool
	RPMLimit int
	TPMLimit int
}

// Limiter enforces Scope checks, acquiring request/token counts against
// either the store or, in fast-path mode, an in-process token bucket per
// scope key.
type Limiter struct {
	store      store.RateLimitStore
	fastPath   bool
	counterTTL time.Duration

	mu   sync.Mutex
	fast map[string]*rate.Limiter
}

// New builds a Limiter. fastPath should be true only when store backs
// process memory (the memory backend), since the token-bucket fast path
// trades the store's fixed-window exactness for lock-free acquisition.
func New(s store.RateLimitStore, fastPath bool, counterTTL time.Duration) *Limiter {
	if counterTTL <= 0 {
		counterTTL = 2 * time.Minute
	}
	return &Limiter{
		store:      s,
		fastPath:   fastPath,
		counterTTL: counterTTL,
		fast:       make(map[string]*rate.Limiter),
	}
}

type acquisition struct {
	undo func()
}

// Check acquires rpm (1 request) and tpm (estTokens) against every scope
// that has a configured limit. On the first scope that can't be acquired,
// every scope already acquired for this call is released in reverse order
// and a *types.Error with ErrRateLimitExceeded is returned.
func (l *Limiter) Check(ctx context.Context, scopes []Scope, estTokens int64) error {
	var acquired []acquisition
	rollback := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].undo()
		}
	}

	for _, sc := range scopes {
		if sc.RPMLimit > 0 {
			a, err := l.acquire(ctx, sc, "rpm", sc.RPMLimit, 1)
			if err != nil {
				rollback()
				return err
			}
			if a == nil {
				rollback()
				return types.NewError(types.ErrRateLimitExceeded, fmt.Sprintf("%s: rpm limit exceeded", sc.Key))
			}
			acquired = append(acquired, *a)
		}
		if sc.TPMLimit > 0 && estTokens > 0 {
			a, err := l.acquire(ctx, sc, "tpm", sc.TPMLimit, estTokens)
			if err != nil {
				rollback()
				return err
			}
			if a == nil {
				rollback()
				return types.NewError(types.ErrRateLimitExceeded, fmt.Sprintf("%s: tpm limit exceeded", sc.Key))
			}
			acquired = append(acquired, *a)
		}
	}
	return nil
}

// acquire attempts to take amount units of kind ("rpm"/"tpm") from scope sc.
// It returns (nil, nil) — not an error — when the limit is exceeded, so
// Check can tell "over limit" apart from a store failure.
func (l *Limiter) acquire(ctx context.Context, sc Scope, kind string, limit int, amount int64) (*acquisition, error) {
	if l.fastPath && !sc.Route {
		return l.acquireFast(sc.Key, kind, limit, amount), nil
	}
	if sc.Route {
		return l.acquireSliding(ctx, sc.Key, kind, limit, amount)
	}
	return l.acquireFixed(ctx, sc.Key, kind, limit, amount)
}

func (l *Limiter) fastLimiter(key, kind string, limit int) *rate.Limiter {
	fastKey := key + "|" + kind
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.fast[fastKey]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit)
		l.fast[fastKey] = lim
	}
	return lim
}

func (l *Limiter) acquireFast(key, kind string, limit int, amount int64) *acquisition {
	lim := l.fastLimiter(key, kind, limit)
	r := lim.ReserveN(time.Now(), int(amount))
	if !r.OK() || r.Delay() > 0 {
		if r.OK() {
			r.Cancel()
		}
		return nil
	}
	return &acquisition{undo: r.Cancel}
}

func windowStart(t time.Time) int64 { return t.Truncate(time.Minute).Unix() }

func (l *Limiter) acquireFixed(ctx context.Context, scopeKey, kind string, limit int, amount int64) (*acquisition, error) {
	ws := windowStart(time.Now())
	n, err := l.store.IncrCounter(ctx, scopeKey, kind, ws, amount, l.counterTTL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: acquire %s/%s: %w", scopeKey, kind, err)
	}
	if n > int64(limit) {
		if _, err := l.store.IncrCounter(ctx, scopeKey, kind, ws, -amount, l.counterTTL); err != nil {
			return nil, fmt.Errorf("ratelimit: release over-limit %s/%s: %w", scopeKey, kind, err)
		}
		return nil, nil
	}
	return &acquisition{undo: func() {
		_, _ = l.store.IncrCounter(ctx, scopeKey, kind, ws, -amount, l.counterTTL)
	}}, nil
}

// acquireSliding approximates a sliding 60s window by blending the previous
// minute's count, weighted by how much of it has already rolled off, into
// the current minute's count.
func (l *Limiter) acquireSliding(ctx context.Context, scopeKey, kind string, limit int, amount int64) (*acquisition, error) {
	now := time.Now()
	curStart := windowStart(now)
	prevStart := curStart - 60

	cur, err := l.store.IncrCounter(ctx, scopeKey, kind, curStart, amount, l.counterTTL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: acquire %s/%s: %w", scopeKey, kind, err)
	}
	prev, err := l.store.IncrCounter(ctx, scopeKey, kind, prevStart, 0, l.counterTTL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: peek previous window %s/%s: %w", scopeKey, kind, err)
	}

	elapsed := now.Sub(time.Unix(curStart, 0)).Seconds() / 60.0
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > 1 {
		elapsed = 1
	}
	weighted := float64(prev)*(1-elapsed) + float64(cur)

	if weighted > float64(limit) {
		if _, err := l.store.IncrCounter(ctx, scopeKey, kind, curStart, -amount, l.counterTTL); err != nil {
			return nil, fmt.Errorf("ratelimit: release over-limit %s/%s: %w", scopeKey, kind, err)
		}
		return nil, nil
	}
	return &acquisition{undo: func() {
		_, _ = l.store.IncrCounter(ctx, scopeKey, kind, curStart, -amount, l.counterTTL)
	}}, nil
}
