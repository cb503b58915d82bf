// Copyright (c) Ditto Gateway Authors.
// Licensed under the MIT License.

package relational

import "time"

type virtualKeyModel struct {
	ID         string `gorm:"column:id;primaryKey"`
	Token      string `gorm:"column:token;uniqueIndex"`
	TenantID   string `gorm:"column:tenant_id"`
	ProjectID  string `gorm:"column:project_id"`
	UserID     string `gorm:"column:user_id"`
	Enabled    bool   `gorm:"column:enabled"`
	ConfigJSON string `gorm:"column:config_json"`
	CreatedAt  time.Time
}

func (virtualKeyModel) TableName() string { return "virtual_keys" }

type rateCounterModel struct {
	ScopeKey    string `gorm:"column:scope_key;primaryKey"`
	WindowStart int64  `gorm:"column:window_start;primaryKey"`
	Kind        string `gorm:"column:kind;primaryKey"`
	Count       int64  `gorm:"column:count"`
}

func (rateCounterModel) TableName() string { return "rate_counters" }

// budgetLedgerModel mirrors memory.ledger's fields, but a nil Total* column
// means unbounded instead of a separate has-total flag: sqlite lets the
// budget_ledgers columns be NULL directly.
type budgetLedgerModel struct {
	ScopeKey          string `gorm:"column:scope_key;primaryKey"`
	TotalTokens       *int64 `gorm:"column:total_tokens"`
	UsedTokens        int64  `gorm:"column:used_tokens"`
	ReservedTokens    int64  `gorm:"column:reserved_tokens"`
	TotalUSDMicros    *int64 `gorm:"column:total_usd_micros"`
	UsedUSDMicros     int64  `gorm:"column:used_usd_micros"`
	ReservedUSDMicros int64  `gorm:"column:reserved_usd_micros"`
	UpdatedAt         time.Time
}

func (budgetLedgerModel) TableName() string { return "budget_ledgers" }

const (
	reservationPending = "pending"
	reservationSettled = "settled"
)

type budgetReservationModel struct {
	ID        string `gorm:"column:id;primaryKey"`
	ScopeKey  string `gorm:"column:scope_key"`
	Tokens    int64  `gorm:"column:tokens"`
	USDMicros int64  `gorm:"column:usd_micros"`
	Status    string `gorm:"column:status"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"column:expires_at"`
}

func (budgetReservationModel) TableName() string { return "budget_reservations" }

type auditLogModel struct {
	Seq       int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	PrevHash  string `gorm:"column:prev_hash"`
	Hash      string `gorm:"column:hash"`
	Payload   string `gorm:"column:payload"`
	CreatedAt time.Time
}

func (auditLogModel) TableName() string { return "audit_log" }

type cacheEntryModel struct {
	CacheKey  string `gorm:"column:cache_key;primaryKey"`
	Value     []byte `gorm:"column:value"`
	SizeBytes int64  `gorm:"column:size_bytes"`
	ExpiresAt time.Time
}

func (cacheEntryModel) TableName() string { return "cache_entries" }
