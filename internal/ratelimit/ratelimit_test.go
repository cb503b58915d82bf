package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dittosh/gateway/internal/store/memory"
	"github.com/dittosh/gateway/types"
)

func TestLimiter_FixedWindowRPM(t *testing.T) {
	l := New(memory.New(), false, time.Minute)
	ctx := context.Background()
	scopes := []Scope{{Key: "vk:1", RPMLimit: 2}}

	require.NoError(t, l.Check(ctx, scopes, 0))
	require.NoError(t, l.Check(ctx, scopes, 0))

	err := l.Check(ctx, scopes, 0)
	require.Error(t, err)
	require.Equal(t, types.ErrRateLimitExceeded, types.GetErrorCode(err))
}

func TestLimiter_TPMExceeded(t *testing.T) {
	l := New(memory.New(), false, time.Minute)
	ctx := context.Background()
	scopes := []Scope{{Key: "vk:1", TPMLimit: 1000}}

	require.NoError(t, l.Check(ctx, scopes, 600))
	err := l.Check(ctx, scopes, 600)
	require.Error(t, err)
	require.Equal(t, types.ErrRateLimitExceeded, types.GetErrorCode(err))
}

func TestLimiter_MultiScopeRollsBackOnLaterFailure(t *testing.T) {
	s := memory.New()
	l := New(s, false, time.Minute)
	ctx := context.Background()

	// vk scope has plenty of room; tenant scope is already exhausted.
	tenantScope := Scope{Key: "tenant:acme", RPMLimit: 1}
	require.NoError(t, l.Check(ctx, []Scope{tenantScope}, 0))

	scopes := []Scope{{Key: "vk:1", RPMLimit: 100}, tenantScope}
	err := l.Check(ctx, scopes, 0)
	require.Error(t, err)

	// vk:1's acquisition must have been rolled back, so it can still take 100 more.
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Check(ctx, []Scope{{Key: "vk:1", RPMLimit: 100}}, 0))
	}
}

func TestLimiter_FastPathReservationCancels(t *testing.T) {
	l := New(memory.New(), true, time.Minute)
	ctx := context.Background()
	scopes := []Scope{{Key: "vk:1", RPMLimit: 1}}

	require.NoError(t, l.Check(ctx, scopes, 0))
	err := l.Check(ctx, scopes, 0)
	require.Error(t, err)
	require.Equal(t, types.ErrRateLimitExceeded, types.GetErrorCode(err))
}

func TestLimiter_RouteScopeSlidingWindow(t *testing.T) {
	l := New(memory.New(), false, time.Minute)
	ctx := context.Background()
	scope := Scope{Key: "route:/v1/chat/completions", Route: true, RPMLimit: 5}

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(ctx, []Scope{scope}, 0))
	}
	err := l.Check(ctx, []Scope{scope}, 0)
	require.Error(t, err)
	require.Equal(t, types.ErrRateLimitExceeded, types.GetErrorCode(err))
}

func TestLimiter_UnlimitedScopeNeverBlocks(t *testing.T) {
	l := New(memory.New(), false, time.Minute)
	ctx := context.Background()
	scope := Scope{Key: "vk:unbounded"}

	for i := 0; i < 50; i++ {
		require.NoError(t, l.Check(ctx, []Scope{scope}, 1_000_000))
	}
}
