package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dittosh/gateway/internal/store"
	"github.com/dittosh/gateway/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := New(context.Background(), Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_KeyLookup(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.LookupByToken(ctx, "sk-missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutKey(ctx, &store.VirtualKeyRecord{ID: "vk1", Token: "sk-1", Enabled: true}))
	rec, err := s.LookupByToken(ctx, "sk-1")
	require.NoError(t, err)
	require.Equal(t, "vk1", rec.ID)
}

func TestStore_IncrCounter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	n, err := s.IncrCounter(ctx, "vk1", "rpm", 1000, 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.IncrCounter(ctx, "vk1", "rpm", 1000, 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestStore_BudgetReserveCommit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	total := int64(1000)
	require.NoError(t, s.SetLimit(ctx, "vk1", &total, nil))

	r, err := s.Reserve(ctx, "req-1", "vk1", 400, 0, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(400), r.Tokens)

	// idempotent re-reserve
	r2, err := s.Reserve(ctx, "req-1", "vk1", 400, 0, time.Minute)
	require.NoError(t, err)
	require.Equal(t, r.ID, r2.ID)

	tokens, _, err := s.Remaining(ctx, "vk1")
	require.NoError(t, err)
	require.Equal(t, int64(600), *tokens)

	require.NoError(t, s.Commit(ctx, "req-1", 350, 0))
	tokens, _, _ = s.Remaining(ctx, "vk1")
	require.Equal(t, int64(650), *tokens)

	_, err = s.Reserve(ctx, "req-2", "vk1", 700, 0, time.Minute)
	require.Error(t, err)
	require.Equal(t, types.ErrInsufficientQuota, types.GetErrorCode(err))
}

func TestStore_BudgetRollback(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	total := int64(100)
	require.NoError(t, s.SetLimit(ctx, "vk1", &total, nil))

	_, err := s.Reserve(ctx, "req-1", "vk1", 100, 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Rollback(ctx, "req-1"))

	tokens, _, _ := s.Remaining(ctx, "vk1")
	require.Equal(t, int64(100), *tokens)

	err = s.Rollback(ctx, "req-1")
	require.ErrorIs(t, err, store.ErrReservationNotFound)
}

func TestStore_ReapExpired(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	total := int64(100)
	require.NoError(t, s.SetLimit(ctx, "vk1", &total, nil))

	_, err := s.Reserve(ctx, "req-1", "vk1", 100, 0, -time.Second)
	require.NoError(t, err)

	n, err := s.ReapExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tokens, _, _ := s.Remaining(ctx, "vk1")
	require.Equal(t, int64(100), *tokens)
}

func TestStore_AuditChain(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, `{"event":"a"}`)
	require.NoError(t, err)
	rec, err := s.Append(ctx, `{"event":"b"}`)
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.Seq)

	idx, err := s.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(-1), idx)
}

func TestStore_Cache(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", &store.CacheEntry{Value: []byte("v1"), ExpiresAt: time.Now().Add(time.Minute)}))
	e, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), e.Value)

	require.NoError(t, s.Delete(ctx, "k1"))
	_, err = s.Get(ctx, "k1")
	require.ErrorIs(t, err, store.ErrNotFound)
}
