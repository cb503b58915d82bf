package relational

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dittosh/gateway/internal/database"
	"github.com/dittosh/gateway/internal/store"
	"github.com/dittosh/gateway/types"
)

// setupTestStore uses a single pooled connection against an in-memory
// sqlite database: a second connection to ":memory:" would see an empty
// database of its own, since sqlite's in-memory mode is per-connection.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{
		DSN:  ":memory:",
		Pool: database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxLifetime: time.Hour, ConnMaxIdleTime: time.Hour},
	}
	s, err := Open(context.Background(), cfg, zap.NewNop())
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

	require.NoError(t, s.PutKey(ctx, &store.VirtualKeyRecord{ID: "vk1", Token: "sk-1", Enabled: false}))
	_, err = s.LookupByToken(ctx, "sk-1")
	require.ErrorIs(t, err, store.ErrNotFound)
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

	n, err = s.IncrCounter(ctx, "vk1", "rpm", 2000, 1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestStore_BudgetReserveCommitRollback(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	total := int64(1000)
	require.NoError(t, s.SetLimit(ctx, "vk1", &total, nil))

	r, err := s.Reserve(ctx, "req-1", "vk1", 400, 0, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(400), r.Tokens)

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

	require.ErrorIs(t, s.Rollback(ctx, "req-nonexistent-noop"), store.ErrReservationNotFound)
}

func TestStore_RollbackReleasesHold(t *testing.T) {
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

func TestStore_UnboundedScopeHasNoLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tokens, usdMicros, err := s.Remaining(ctx, "unknown-scope")
	require.NoError(t, err)
	require.Nil(t, tokens)
	require.Nil(t, usdMicros)

	r, err := s.Reserve(ctx, "req-1", "unknown-scope", 1_000_000, 0, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), r.Tokens)
}

func TestStore_AuditChain(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, `{"event":"a"}`)
	require.NoError(t, err)
	rec, err := s.Append(ctx, `{"event":"b"}`)
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.Seq)

	tail, err := s.Tail(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.Hash, tail.Hash)

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

	require.NoError(t, s.Set(ctx, "k2", &store.CacheEntry{Value: []byte("v2"), ExpiresAt: time.Now().Add(-time.Second)}))
	_, err = s.Get(ctx, "k2")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "k1"))
	_, err = s.Get(ctx, "k1")
	require.ErrorIs(t, err, store.ErrNotFound)
}
