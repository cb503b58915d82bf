package budget

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dittosh/gateway/internal/store"
)

// ScopeAmount is one scope's share of a request's token/cost charge.
// KeyScope marks the virtual-key scope, whose reservation id is the bare
// request id; every other scope suffixes it per the "::budget::<scope>"
// convention so two scopes for the same request never collide.
type ScopeAmount struct {
	Scope     string
	KeyScope  bool
	Tokens    int64
	USDMicros int64
}

// ReservationID derives a scope's reservation id from the request id.
func ReservationID(requestID string, sc ScopeAmount) string {
	if sc.KeyScope {
		return requestID
	}
	return requestID + "::budget::" + sc.Scope
}

// Engine reserves, commits, and rolls back a request's charge across every
// applicable scope.
type Engine struct {
	store store.BudgetStore
	ttl   time.Duration
}

// New builds an Engine. ttl bounds how long a reservation survives before
// the Reaper is allowed to release it.
func New(s store.BudgetStore, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Engine{store: s, ttl: ttl}
}

// ReserveAll reserves every scope's amount in parallel. If any scope fails
// (insufficient quota or a store error), every scope that already
// succeeded is rolled back before returning the original error.
func (e *Engine) ReserveAll(ctx context.Context, requestID string, scopes []ScopeAmount) ([]*store.Reservation, error) {
	results := make([]*store.Reservation, len(scopes))

	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range scopes {
		i, sc := i, sc
		g.Go(func() error {
			r, err := e.store.Reserve(gctx, ReservationID(requestID, sc), sc.Scope, sc.Tokens, sc.USDMicros, e.ttl)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.rollbackPartial(requestID, scopes, results)
		return nil, err
	}
	return results, nil
}

// rollbackPartial releases whichever scopes in results were successfully
// reserved. It runs against a fresh background context since the caller's
// ctx may already be the one that cancelled ReserveAll's errgroup.
func (e *Engine) rollbackPartial(requestID string, scopes []ScopeAmount, results []*store.Reservation) {
	for i, sc := range scopes {
		if results[i] == nil {
			continue
		}
		_ = e.store.Rollback(context.Background(), ReservationID(requestID, sc))
	}
}

// CommitAll settles every scope's reservation with the same actual
// token/cost usage, in parallel. A scope whose reservation is already gone
// (ErrReservationNotFound) is treated as already-settled rather than an
// error, so a retried settle call stays idempotent.
func (e *Engine) CommitAll(ctx context.Context, requestID string, scopes []ScopeAmount, actualTokens, actualUSDMicros int64) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range scopes {
		sc := sc
		g.Go(func() error {
			err := e.store.Commit(gctx, ReservationID(requestID, sc), actualTokens, actualUSDMicros)
			if err != nil && err != store.ErrReservationNotFound {
				return fmt.Errorf("budget: commit %s: %w", sc.Scope, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RollbackAll releases every scope's reservation without recording usage.
func (e *Engine) RollbackAll(ctx context.Context, requestID string, scopes []ScopeAmount) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range scopes {
		sc := sc
		g.Go(func() error {
			err := e.store.Rollback(gctx, ReservationID(requestID, sc))
			if err != nil && err != store.ErrReservationNotFound {
				return fmt.Errorf("budget: rollback %s: %w", sc.Scope, err)
			}
			return nil
		})
	}
	return g.Wait()
}
