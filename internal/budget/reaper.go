package budget

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dittosh/gateway/internal/store"
)

// DefaultReapInterval is how often the Reaper sweeps for expired
// reservations when the caller doesn't override it.
const DefaultReapInterval = 60 * time.Second

// Reaper periodically releases reservations whose hold expired without a
// commit or rollback — the crash/timeout case a well-behaved client never
// triggers but a dead one always will.
type Reaper struct {
	store    store.BudgetStore
	interval time.Duration
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewReaper builds a Reaper. It does nothing until Start is called.
func NewReaper(s store.BudgetStore, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		store:    s,
		interval: interval,
		logger:   logger.With(zap.String("component", "budget.reaper")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop in its own goroutine until ctx is cancelled or
// Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			n, err := r.store.ReapExpired(ctx, time.Now())
			if err != nil {
				r.logger.Warn("reap sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("reaped expired reservations", zap.Int("count", n))
			}
		}
	}
}

// Stop ends the sweep loop and waits for the goroutine to exit.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

// ReapSummary is the result of an operator-triggered sweep (§4.4's
// Admin-triggered reap): how many reservations were released, and whether
// the call was a dry run. There is no per-call limit on the count released.
type ReapSummary struct {
	Reaped int
	DryRun bool
}

// ReapNow runs an immediate, operator-triggered sweep outside the regular
// interval, releasing every reservation already past its hold. With dryRun
// set it releases nothing and returns DryRun=true with Reaped=0 without
// consulting the store, so it says nothing about what is currently
// reapable: store.BudgetStore only exposes ReapExpired, with no way to list
// reservations.
func (r *Reaper) ReapNow(ctx context.Context, dryRun bool) (*ReapSummary, error) {
	if dryRun {
		return &ReapSummary{DryRun: true}, nil
	}
	n, err := r.store.ReapExpired(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	return &ReapSummary{Reaped: n}, nil
}
