// Package credits implements the credit ledger: atomic, idempotent grants
// and priority-ordered deductions over PostgreSQL, a short-TTL balance
// cache, idempotent webhook handling, and a periodic reconciler.
package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowmesh/flowmesh/pkg/database"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// ErrAccountNotFound is returned for operations on unknown accounts.
var ErrAccountNotFound = errors.New("credit account not found")

// InsufficientCreditsError reports a deduction that exceeds the balance.
type InsufficientCreditsError struct {
	Required  float64
	Available float64
	Breakdown models.PoolBreakdown
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %.4f, available %.4f", e.Required, e.Available)
}

// AddResult is the outcome of a grant. Duplicate means the external event
// was already applied and no second credit occurred.
type AddResult struct {
	Duplicate bool
	Balance   models.Balance
}

// DeductResult reports how much each pool absorbed.
type DeductResult struct {
	Breakdown models.PoolBreakdown
	Balance   models.Balance
}

// AddParams describes a grant.
type AddParams struct {
	AccountID       string
	Amount          float64
	Type            models.LedgerEntryType
	Description     string
	IsExpiring      bool
	ExpiresAt       *time.Time
	ExternalEventID string
}

// Ledger mutates credit accounts. Every operation is one serializable
// transaction: lock the account row, read pools, mutate, append a ledger
// entry, commit. Cache invalidation follows commit, never precedes it.
type Ledger struct {
	db     *database.Client
	cache  *BalanceCache
	logger *slog.Logger
}

// NewLedger builds a ledger. cache may be nil to disable caching.
func NewLedger(db *database.Client, cache *BalanceCache) *Ledger {
	return &Ledger{db: db, cache: cache, logger: slog.Default().With("component", "credits")}
}

func (l *Ledger) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := l.db.Pool().BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// lockAccount row-locks an account and returns its pools.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID string) (*models.CreditAccount, error) {
	var acct models.CreditAccount
	err := tx.QueryRow(ctx, `
		SELECT account_id, balance, daily_pool, expiring_pool, non_expiring_pool,
			tier, payment_status, cycle_anchor, next_grant_at, credit_expiry_date
		FROM credit_accounts WHERE account_id = $1 FOR UPDATE`, accountID).
		Scan(&acct.AccountID, &acct.Balance, &acct.DailyPool, &acct.ExpiringPool,
			&acct.NonExpiringPool, &acct.Tier, &acct.PaymentStatus,
			&acct.CycleAnchor, &acct.NextGrantAt, &acct.CreditExpiryDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %s: %w", accountID, err)
	}
	return &acct, nil
}

func writeAccount(ctx context.Context, tx pgx.Tx, acct *models.CreditAccount) error {
	acct.Balance = acct.DailyPool + acct.ExpiringPool + acct.NonExpiringPool
	_, err := tx.Exec(ctx, `
		UPDATE credit_accounts
		SET balance = $2, daily_pool = $3, expiring_pool = $4, non_expiring_pool = $5,
			credit_expiry_date = $6, updated_at = now()
		WHERE account_id = $1`,
		acct.AccountID, acct.Balance, acct.DailyPool, acct.ExpiringPool,
		acct.NonExpiringPool, acct.CreditExpiryDate)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", acct.AccountID, err)
	}
	return nil
}

func appendEntry(ctx context.Context, tx pgx.Tx, entry *models.LedgerEntry) error {
	var externalID any
	if entry.ExternalEventID != "" {
		externalID = entry.ExternalEventID
	}
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_ledger (id, account_id, amount, balance_after, type,
			description, is_expiring, expires_at, external_event_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.NewString(), entry.AccountID, entry.Amount, entry.BalanceAfter,
		entry.Type, entry.Description, entry.IsExpiring, entry.ExpiresAt,
		externalID, raw)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// Add grants credits. A repeated ExternalEventID returns Duplicate=true
// with the current balance and applies nothing.
func (l *Ledger) Add(ctx context.Context, p AddParams) (*AddResult, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive, got %.4f", p.Amount)
	}

	tx, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if p.ExternalEventID != "" {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE external_event_id = $1)`,
			p.ExternalEventID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if exists {
			acct, err := lockAccount(ctx, tx, p.AccountID)
			if err != nil {
				return nil, err
			}
			return &AddResult{Duplicate: true, Balance: balanceOf(acct)}, tx.Commit(ctx)
		}
	}

	acct, err := lockAccount(ctx, tx, p.AccountID)
	if err != nil {
		return nil, err
	}

	if p.IsExpiring {
		acct.ExpiringPool += p.Amount
		if p.ExpiresAt != nil {
			acct.CreditExpiryDate = p.ExpiresAt
		}
	} else {
		acct.NonExpiringPool += p.Amount
	}
	if err := writeAccount(ctx, tx, acct); err != nil {
		return nil, err
	}

	if err := appendEntry(ctx, tx, &models.LedgerEntry{
		AccountID:       p.AccountID,
		Amount:          p.Amount,
		BalanceAfter:    acct.Balance,
		Type:            p.Type,
		Description:     p.Description,
		IsExpiring:      p.IsExpiring,
		ExpiresAt:       p.ExpiresAt,
		ExternalEventID: p.ExternalEventID,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit grant: %w", err)
	}
	l.invalidate(p.AccountID)
	return &AddResult{Balance: balanceOf(acct)}, nil
}

// Deduct takes amount from the pools in priority order daily → expiring →
// non_expiring. With allowNegative=false a shortfall fails without any
// mutation; with allowNegative=true the remainder goes negative on the
// non-expiring pool.
func (l *Ledger) Deduct(ctx context.Context, accountID string, amount float64,
	description string, metadata map[string]any, allowNegative bool) (*DeductResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deduction amount must be positive, got %.4f", amount)
	}

	tx, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acct, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	available := acct.DailyPool + acct.ExpiringPool + acct.NonExpiringPool
	if available < amount && !allowNegative {
		return nil, &InsufficientCreditsError{
			Required:  amount,
			Available: available,
			Breakdown: models.PoolBreakdown{
				Daily:       acct.DailyPool,
				Expiring:    acct.ExpiringPool,
				NonExpiring: acct.NonExpiringPool,
			},
		}
	}

	var breakdown models.PoolBreakdown
	remaining := amount

	breakdown.Daily = min(remaining, max(acct.DailyPool, 0))
	acct.DailyPool -= breakdown.Daily
	remaining -= breakdown.Daily

	breakdown.Expiring = min(remaining, max(acct.ExpiringPool, 0))
	acct.ExpiringPool -= breakdown.Expiring
	remaining -= breakdown.Expiring

	// Whatever is left comes from (or drives negative) the non-expiring pool.
	breakdown.NonExpiring = remaining
	acct.NonExpiringPool -= remaining

	if err := writeAccount(ctx, tx, acct); err != nil {
		return nil, err
	}

	if err := appendEntry(ctx, tx, &models.LedgerEntry{
		AccountID:    accountID,
		Amount:       -amount,
		BalanceAfter: acct.Balance,
		Type:         models.LedgerUsage,
		Description:  description,
		Metadata:     metadata,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit deduction: %w", err)
	}
	l.invalidate(accountID)
	return &DeductResult{Breakdown: breakdown, Balance: balanceOf(acct)}, nil
}

// ResetExpiring replaces the expiring pool for a renewal cycle. Daily and
// non-expiring pools are untouched. Idempotent by ExternalEventID.
func (l *Ledger) ResetExpiring(ctx context.Context, accountID string,
	newExpiring float64, expiresAt *time.Time, externalEventID string) (*AddResult, error) {
	if newExpiring < 0 {
		return nil, fmt.Errorf("expiring pool must be non-negative, got %.4f", newExpiring)
	}

	tx, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if externalEventID != "" {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE external_event_id = $1)`,
			externalEventID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if exists {
			acct, err := lockAccount(ctx, tx, accountID)
			if err != nil {
				return nil, err
			}
			return &AddResult{Duplicate: true, Balance: balanceOf(acct)}, tx.Commit(ctx)
		}
	}

	acct, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	delta := newExpiring - acct.ExpiringPool
	acct.ExpiringPool = newExpiring
	acct.CreditExpiryDate = expiresAt
	if err := writeAccount(ctx, tx, acct); err != nil {
		return nil, err
	}

	if err := appendEntry(ctx, tx, &models.LedgerEntry{
		AccountID:       accountID,
		Amount:          delta,
		BalanceAfter:    acct.Balance,
		Type:            models.LedgerGrant,
		Description:     "expiring pool reset",
		IsExpiring:      true,
		ExpiresAt:       expiresAt,
		ExternalEventID: externalEventID,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reset: %w", err)
	}
	l.invalidate(accountID)
	return &AddResult{Balance: balanceOf(acct)}, nil
}

// Balance returns the account's pool breakdown, served from cache when
// fresh enough.
func (l *Ledger) Balance(ctx context.Context, accountID string) (models.Balance, error) {
	if l.cache != nil {
		if b, ok := l.cache.Get(accountID); ok {
			return b, nil
		}
	}

	var b models.Balance
	err := l.db.Pool().QueryRow(ctx, `
		SELECT balance, daily_pool, expiring_pool, non_expiring_pool
		FROM credit_accounts WHERE account_id = $1`, accountID).
		Scan(&b.Total, &b.Daily, &b.Expiring, &b.NonExpiring)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, ErrAccountNotFound
	}
	if err != nil {
		return b, fmt.Errorf("failed to read balance for %s: %w", accountID, err)
	}
	if l.cache != nil {
		l.cache.Set(accountID, b)
	}
	return b, nil
}

// EnsureAccount creates an account row if absent.
func (l *Ledger) EnsureAccount(ctx context.Context, accountID, tier string) error {
	_, err := l.db.Pool().Exec(ctx, `
		INSERT INTO credit_accounts (account_id, tier)
		VALUES ($1, $2) ON CONFLICT (account_id) DO NOTHING`, accountID, tier)
	if err != nil {
		return fmt.Errorf("failed to ensure account %s: %w", accountID, err)
	}
	return nil
}

func (l *Ledger) invalidate(accountID string) {
	if l.cache != nil {
		l.cache.Invalidate(accountID)
	}
}

func balanceOf(acct *models.CreditAccount) models.Balance {
	return models.Balance{
		Total:       acct.Balance,
		Daily:       acct.DailyPool,
		Expiring:    acct.ExpiringPool,
		NonExpiring: acct.NonExpiringPool,
	}
}
