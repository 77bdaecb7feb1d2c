package models

import (
	"time"
)

// LedgerEntryType classifies a credit ledger entry.
type LedgerEntryType string

// Ledger entry types.
const (
	LedgerGrant      LedgerEntryType = "grant"
	LedgerPurchase   LedgerEntryType = "purchase"
	LedgerUsage      LedgerEntryType = "usage"
	LedgerRefund     LedgerEntryType = "refund"
	LedgerExpiry     LedgerEntryType = "expiry"
	LedgerAdjustment LedgerEntryType = "adjustment"
)

// CreditAccount is a user's credit balance split across priority pools.
// Invariant: Balance == DailyPool + ExpiringPool + NonExpiringPool.
type CreditAccount struct {
	AccountID        string     `json:"account_id"`
	Balance          float64    `json:"balance"`
	DailyPool        float64    `json:"daily_pool"`
	ExpiringPool     float64    `json:"expiring_pool"`
	NonExpiringPool  float64    `json:"non_expiring_pool"`
	Tier             string     `json:"tier,omitempty"`
	PaymentStatus    string     `json:"payment_status,omitempty"`
	CycleAnchor      *time.Time `json:"cycle_anchor,omitempty"`
	NextGrantAt      *time.Time `json:"next_grant_at,omitempty"`
	CreditExpiryDate *time.Time `json:"credit_expiry_date,omitempty"`
}

// LedgerEntry is an append-only record of a credit mutation.
// ExternalEventID is unique when present and acts as an idempotency key.
type LedgerEntry struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Amount          float64         `json:"amount"` // signed
	BalanceAfter    float64         `json:"balance_after"`
	Type            LedgerEntryType `json:"type"`
	Description     string          `json:"description"`
	IsExpiring      bool            `json:"is_expiring"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	ExternalEventID string          `json:"external_event_id,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// PoolBreakdown reports how much of a deduction each pool absorbed.
type PoolBreakdown struct {
	Daily       float64 `json:"daily"`
	Expiring    float64 `json:"expiring"`
	NonExpiring float64 `json:"non_expiring"`
}

// Total sums the breakdown.
func (b PoolBreakdown) Total() float64 {
	return b.Daily + b.Expiring + b.NonExpiring
}

// Balance is the result of a balance query.
type Balance struct {
	Total       float64 `json:"total"`
	Daily       float64 `json:"daily"`
	Expiring    float64 `json:"expiring"`
	NonExpiring float64 `json:"non_expiring"`
}
