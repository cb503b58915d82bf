// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

// Package relational implements store.Store against an embedded sqlite
// database via GORM, for single-node deployments that want durability
// without standing up redis. Schema versioning is handled by
// internal/migration before the store accepts any calls.
package relational

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dittosh/gateway/internal/database"
	"github.com/dittosh/gateway/internal/migration"
	"github.com/dittosh/gateway/internal/store"
	"github.com/dittosh/gateway/types"
)

// Config configures the sqlite connection and its pool.
type Config struct {
	// DSN is a glebarez/sqlite data source, e.g. "file:gateway.db?cache=shared"
	// or ":memory:" for tests.
	DSN  string
	Pool database.PoolConfig
}

// Store is the sqlite-backed implementation of store.Store.
type Store struct {
	db     *gorm.DB
	pool   *database.PoolManager
	logger *zap.Logger
}

// Open connects to the configured sqlite database, applies any pending
// migrations, and wraps the connection in a pool manager.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	gormDB, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("relational: open sqlite: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("relational: sql db handle: %w", err)
	}

	migrator, err := migration.Open(sqlDB, "")
	if err != nil {
		return nil, fmt.Errorf("relational: open migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		migrator.Close()
		return nil, fmt.Errorf("relational: apply migrations: %w", err)
	}
	if err := migrator.Close(); err != nil {
		return nil, fmt.Errorf("relational: close migrator: %w", err)
	}

	poolCfg := cfg.Pool
	if poolCfg == (database.PoolConfig{}) {
		poolCfg = database.DefaultPoolConfig()
	}
	pool, err := database.NewPoolManager(gormDB, poolCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("relational: pool manager: %w", err)
	}

	return &Store{
		db:     gormDB,
		pool:   pool,
		logger: logger.With(zap.String("component", "store.relational")),
	}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Store) Close() error                   { return s.pool.Close() }

func (s *Store) LookupByToken(ctx context.Context, token string) (*store.VirtualKeyRecord, error) {
	var m virtualKeyModel
	err := s.db.WithContext(ctx).Where("token = ? AND enabled = ?", token, true).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relational: lookup key: %w", err)
	}
	return &store.VirtualKeyRecord{
		ID: m.ID, Token: m.Token, Enabled: m.Enabled,
		TenantID: m.TenantID, ProjectID: m.ProjectID, UserID: m.UserID,
		ConfigJSON: m.ConfigJSON,
	}, nil
}

func (s *Store) PutKey(ctx context.Context, rec *store.VirtualKeyRecord) error {
	m := virtualKeyModel{
		ID: rec.ID, Token: rec.Token, Enabled: rec.Enabled,
		TenantID: rec.TenantID, ProjectID: rec.ProjectID, UserID: rec.UserID,
		ConfigJSON: rec.ConfigJSON, CreatedAt: time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "enabled", "tenant_id", "project_id", "user_id", "config_json"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("relational: put key: %w", err)
	}
	return nil
}

// IncrCounter upserts the window's row and returns its post-increment
// count. windowTTL isn't enforced here: each window gets its own row, keyed
// by window_start, and nothing in this store deletes old rows.
func (s *Store) IncrCounter(ctx context.Context, scopeKey, kind string, windowStart int64, delta int64, windowTTL time.Duration) (int64, error) {
	m := rateCounterModel{ScopeKey: scopeKey, WindowStart: windowStart, Kind: kind, Count: delta}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope_key"}, {Name: "window_start"}, {Name: "kind"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"count": gorm.Expr("count + ?", delta)}),
	}).Create(&m).Error
	if err != nil {
		return 0, fmt.Errorf("relational: incr counter: %w", err)
	}

	var current rateCounterModel
	if err := s.db.WithContext(ctx).Where("scope_key = ? AND window_start = ? AND kind = ?", scopeKey, windowStart, kind).First(&current).Error; err != nil {
		return 0, fmt.Errorf("relational: read counter: %w", err)
	}
	return current.Count, nil
}

func (s *Store) loadOrCreateLedger(tx *gorm.DB, scopeKey string) (*budgetLedgerModel, error) {
	var l budgetLedgerModel
	err := tx.Where("scope_key = ?", scopeKey).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		l = budgetLedgerModel{ScopeKey: scopeKey, UpdatedAt: time.Now()}
		if err := tx.Create(&l).Error; err != nil {
			return nil, err
		}
		return &l, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) Reserve(ctx context.Context, id, scopeKey string, tokens, usdMicros int64, ttl time.Duration) (*store.Reservation, error) {
	var result *store.Reservation

	err := s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		var existing budgetReservationModel
		err := tx.Where("id = ?", id).First(&existing).Error
		if err == nil {
			result = &store.Reservation{
				ID: existing.ID, ScopeKey: existing.ScopeKey,
				Tokens: existing.Tokens, USDMicros: existing.USDMicros,
				ExpiresAt: existing.ExpiresAt,
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		ledger, err := s.loadOrCreateLedger(tx, scopeKey)
		if err != nil {
			return err
		}
		if ledger.TotalTokens != nil && ledger.UsedTokens+ledger.ReservedTokens+tokens > *ledger.TotalTokens {
			return types.NewError(types.ErrInsufficientQuota, "token budget exhausted for scope "+scopeKey)
		}
		if ledger.TotalUSDMicros != nil && ledger.UsedUSDMicros+ledger.ReservedUSDMicros+usdMicros > *ledger.TotalUSDMicros {
			return types.NewError(types.ErrInsufficientQuota, "cost budget exhausted for scope "+scopeKey)
		}

		if err := tx.Model(&budgetLedgerModel{}).Where("scope_key = ?", scopeKey).UpdateColumns(map[string]interface{}{
			"reserved_tokens":     gorm.Expr("reserved_tokens + ?", tokens),
			"reserved_usd_micros": gorm.Expr("reserved_usd_micros + ?", usdMicros),
			"updated_at":          time.Now(),
		}).Error; err != nil {
			return err
		}

		expiresAt := time.Now().Add(ttl)
		res := budgetReservationModel{
			ID: id, ScopeKey: scopeKey, Tokens: tokens, USDMicros: usdMicros,
			Status: reservationPending, CreatedAt: time.Now(), ExpiresAt: expiresAt,
		}
		if err := tx.Create(&res).Error; err != nil {
			return err
		}

		result = &store.Reservation{ID: id, ScopeKey: scopeKey, Tokens: tokens, USDMicros: usdMicros, ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		if terr, ok := err.(*types.Error); ok {
			return nil, terr
		}
		return nil, fmt.Errorf("relational: reserve: %w", err)
	}
	return result, nil
}

func (s *Store) settle(ctx context.Context, id string, commit bool, actualTokens, actualUSDMicros int64) error {
	err := s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		var res budgetReservationModel
		err := tx.Where("id = ? AND status = ?", id, reservationPending).First(&res).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrReservationNotFound
		}
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"reserved_tokens":     gorm.Expr("MAX(reserved_tokens - ?, 0)", res.Tokens),
			"reserved_usd_micros": gorm.Expr("MAX(reserved_usd_micros - ?, 0)", res.USDMicros),
			"updated_at":          time.Now(),
		}
		if commit {
			updates["used_tokens"] = gorm.Expr("used_tokens + ?", actualTokens)
			updates["used_usd_micros"] = gorm.Expr("used_usd_micros + ?", actualUSDMicros)
		}
		if err := tx.Model(&budgetLedgerModel{}).Where("scope_key = ?", res.ScopeKey).UpdateColumns(updates).Error; err != nil {
			return err
		}

		return tx.Delete(&budgetReservationModel{}, "id = ?", id).Error
	})
	if errors.Is(err, store.ErrReservationNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("relational: settle: %w", err)
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
	n := 0
	err := s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		var expired []budgetReservationModel
		if err := tx.Where("status = ? AND expires_at <= ?", reservationPending, now).Find(&expired).Error; err != nil {
			return err
		}
		for _, res := range expired {
			if err := tx.Model(&budgetLedgerModel{}).Where("scope_key = ?", res.ScopeKey).UpdateColumns(map[string]interface{}{
				"reserved_tokens":     gorm.Expr("MAX(reserved_tokens - ?, 0)", res.Tokens),
				"reserved_usd_micros": gorm.Expr("MAX(reserved_usd_micros - ?, 0)", res.USDMicros),
				"updated_at":          time.Now(),
			}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&budgetReservationModel{}, "id = ?", res.ID).Error; err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("relational: reap expired: %w", err)
	}
	return n, nil
}

func (s *Store) Remaining(ctx context.Context, scopeKey string) (*int64, *int64, error) {
	var l budgetLedgerModel
	err := s.db.WithContext(ctx).Where("scope_key = ?", scopeKey).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("relational: remaining: %w", err)
	}
	var tokens, usdMicros *int64
	if l.TotalTokens != nil {
		v := *l.TotalTokens - l.UsedTokens - l.ReservedTokens
		tokens = &v
	}
	if l.TotalUSDMicros != nil {
		v := *l.TotalUSDMicros - l.UsedUSDMicros - l.ReservedUSDMicros
		usdMicros = &v
	}
	return tokens, usdMicros, nil
}

func (s *Store) SetLimit(ctx context.Context, scopeKey string, totalTokens, totalUSDMicros *int64) error {
	m := budgetLedgerModel{ScopeKey: scopeKey, TotalTokens: totalTokens, TotalUSDMicros: totalUSDMicros, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_tokens", "total_usd_micros", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("relational: set limit: %w", err)
	}
	return nil
}

func chainHash(prevHash, payload string) string {
	h := sha256.Sum256([]byte(prevHash + payload))
	return hex.EncodeToString(h[:])
}

func (s *Store) Append(ctx context.Context, payload string) (*store.AuditRecord, error) {
	var result *store.AuditRecord
	err := s.pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		var tail auditLogModel
		err := tx.Order("seq DESC").First(&tail).Error
		prevHash := ""
		if err == nil {
			prevHash = tail.Hash
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		hash := chainHash(prevHash, payload)
		rec := auditLogModel{PrevHash: prevHash, Hash: hash, Payload: payload, CreatedAt: time.Now()}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		result = &store.AuditRecord{Seq: rec.Seq, PrevHash: prevHash, Hash: hash, Payload: payload, CreatedAt: rec.CreatedAt}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relational: append audit: %w", err)
	}
	return result, nil
}

func (s *Store) Tail(ctx context.Context) (*store.AuditRecord, error) {
	var rec auditLogModel
	err := s.db.WithContext(ctx).Order("seq DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relational: tail: %w", err)
	}
	return &store.AuditRecord{Seq: rec.Seq, PrevHash: rec.PrevHash, Hash: rec.Hash, Payload: rec.Payload, CreatedAt: rec.CreatedAt}, nil
}

func (s *Store) Verify(ctx context.Context) (int64, error) {
	var rows []auditLogModel
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return -1, fmt.Errorf("relational: verify: %w", err)
	}
	prevHash := ""
	for i, rec := range rows {
		if chainHash(prevHash, rec.Payload) != rec.Hash {
			return int64(i), nil
		}
		prevHash = rec.Hash
	}
	return -1, nil
}

func (s *Store) Get(ctx context.Context, key string) (*store.CacheEntry, error) {
	var m cacheEntryModel
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("relational: cache get: %w", err)
	}
	if time.Now().After(m.ExpiresAt) {
		s.db.WithContext(ctx).Delete(&cacheEntryModel{}, "cache_key = ?", key)
		return nil, store.ErrNotFound
	}
	return &store.CacheEntry{Value: m.Value, ExpiresAt: m.ExpiresAt}, nil
}

func (s *Store) Set(ctx context.Context, key string, entry *store.CacheEntry) error {
	m := cacheEntryModel{CacheKey: key, Value: entry.Value, SizeBytes: int64(len(entry.Value)), ExpiresAt: entry.ExpiresAt}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "size_bytes", "expires_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("relational: cache set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Delete(&cacheEntryModel{}, "cache_key = ?", key).Error; err != nil {
		return fmt.Errorf("relational: cache delete: %w", err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&cacheEntryModel{}).Pluck("cache_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("relational: cache keys: %w", err)
	}
	return keys, nil
}

var _ store.Store = (*Store)(nil)
var _ store.CacheScanner = (*Store)(nil)
