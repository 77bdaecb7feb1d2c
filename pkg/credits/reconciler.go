package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/database"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// driftTolerance is the largest pool-sum drift left unrepaired. NUMERIC
// rounding can produce dust below this.
const driftTolerance = 0.01

// duplicateWindow is how close two identical entries must be to be flagged.
const duplicateWindow = 60 * time.Second

// PurchaseVerification is an external provider's answer about a purchase.
type PurchaseVerification struct {
	AccountID string
	Amount    float64
	Completed bool
}

// PurchaseVerifier asks the payment provider whether a purchase went
// through. Implementations wrap the provider's API.
type PurchaseVerifier interface {
	Verify(ctx context.Context, externalEventID string) (*PurchaseVerification, error)
}

// Reconciler runs the periodic consistency passes: orphaned purchase
// recovery, balance repair, duplicate detection, and the expiry sweep.
type Reconciler struct {
	db       *database.Client
	ledger   *Ledger
	verifier PurchaseVerifier
	cfg      config.CreditsConfig

	cron   *cron.Cron
	logger *slog.Logger
}

// NewReconciler builds a reconciler. verifier may be nil, which skips
// orphan recovery.
func NewReconciler(db *database.Client, ledger *Ledger, verifier PurchaseVerifier,
	cfg config.CreditsConfig) *Reconciler {
	return &Reconciler{
		db:       db,
		ledger:   ledger,
		verifier: verifier,
		cfg:      cfg,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "reconciler"),
	}
}

// Start schedules the reconciler on its cron expression.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.cfg.ReconcileSchedule, func() {
		if err := r.RunOnce(ctx); err != nil {
			r.logger.Error("reconcile pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.cfg.ReconcileSchedule, err)
	}
	r.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce executes one full reconcile pass. Each phase is independent; a
// failing phase is logged and the rest still run.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	var errs []error
	if err := r.recoverOrphans(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orphan recovery: %w", err))
	}
	if err := r.repairBalances(ctx); err != nil {
		errs = append(errs, fmt.Errorf("balance repair: %w", err))
	}
	if _, err := r.detectDuplicates(ctx); err != nil {
		errs = append(errs, fmt.Errorf("duplicate detection: %w", err))
	}
	if err := r.sweepExpired(ctx); err != nil {
		errs = append(errs, fmt.Errorf("expiry sweep: %w", err))
	}
	return errors.Join(errs...)
}

// recoverOrphans finds purchase events older than the orphan window that
// never produced a ledger entry, asks the provider, and applies missing
// grants. Fresher events are left alone; their webhook may still be in
// flight.
func (r *Reconciler) recoverOrphans(ctx context.Context) error {
	if r.verifier == nil {
		return nil
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT w.id FROM webhook_events w
		WHERE w.event_type = 'purchase'
		  AND w.status <> 'completed'
		  AND w.created_at < now() - $1::interval
		  AND NOT EXISTS (SELECT 1 FROM credit_ledger l WHERE l.external_event_id = w.id)`,
		r.cfg.OrphanWindow.String())
	if err != nil {
		return fmt.Errorf("failed to query pending purchases: %w", err)
	}
	defer rows.Close()

	var pending []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan pending purchase: %w", err)
		}
		pending = append(pending, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, eventID := range pending {
		v, err := r.verifier.Verify(ctx, eventID)
		if err != nil {
			r.logger.Warn("purchase verification failed", "event_id", eventID, "error", err)
			continue
		}
		if !v.Completed {
			continue
		}
		res, err := r.ledger.Add(ctx, AddParams{
			AccountID:       v.AccountID,
			Amount:          v.Amount,
			Type:            models.LedgerPurchase,
			Description:     "reconciler: recovered orphaned purchase",
			ExternalEventID: eventID,
		})
		if err != nil {
			r.logger.Error("failed to apply recovered purchase",
				"event_id", eventID, "account_id", v.AccountID, "error", err)
			continue
		}
		if !res.Duplicate {
			r.logger.Info("recovered orphaned purchase",
				"event_id", eventID, "account_id", v.AccountID, "amount", v.Amount)
		}
	}
	return nil
}

// repairBalances asserts balance == pool sum for every account and repairs
// drift beyond tolerance, leaving an adjustment entry for the audit trail.
func (r *Reconciler) repairBalances(ctx context.Context) error {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT account_id, balance, daily_pool + expiring_pool + non_expiring_pool
		FROM credit_accounts
		WHERE abs(balance - (daily_pool + expiring_pool + non_expiring_pool)) > $1`,
		driftTolerance)
	if err != nil {
		return fmt.Errorf("failed to query drifted accounts: %w", err)
	}
	defer rows.Close()

	type drifted struct {
		accountID        string
		balance, poolSum float64
	}
	var accounts []drifted
	for rows.Next() {
		var d drifted
		if err := rows.Scan(&d.accountID, &d.balance, &d.poolSum); err != nil {
			return fmt.Errorf("failed to scan drifted account: %w", err)
		}
		accounts = append(accounts, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range accounts {
		tx, err := r.ledger.begin(ctx)
		if err != nil {
			return err
		}
		acct, err := lockAccount(ctx, tx, d.accountID)
		if err != nil {
			tx.Rollback(ctx)
			return err
		}
		poolSum := acct.DailyPool + acct.ExpiringPool + acct.NonExpiringPool
		drift := acct.Balance - poolSum
		if drift < driftTolerance && drift > -driftTolerance {
			tx.Rollback(ctx)
			continue
		}
		if err := writeAccount(ctx, tx, acct); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := appendEntry(ctx, tx, &models.LedgerEntry{
			AccountID:    d.accountID,
			Amount:       0,
			BalanceAfter: poolSum,
			Type:         models.LedgerAdjustment,
			Description:  fmt.Sprintf("reconciler: balance repaired, drift %.4f", drift),
		}); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit balance repair: %w", err)
		}
		r.ledger.invalidate(d.accountID)
		r.logger.Warn("repaired drifted balance",
			"account_id", d.accountID, "drift", drift, "balance", poolSum)
	}
	return nil
}

// detectDuplicates flags entries where (account, amount, description)
// repeats within the window, returning the number of pairs flagged.
// Pairs are ordered by created_at with the id as a tiebreaker for entries
// written in the same instant; ids are random and carry no time ordering.
// Flagging is log-only; a human decides whether the repeat was legitimate.
func (r *Reconciler) detectDuplicates(ctx context.Context) (int, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT a.account_id, a.amount, a.description, a.created_at, b.created_at
		FROM credit_ledger a
		JOIN credit_ledger b ON a.account_id = b.account_id
			AND a.amount = b.amount
			AND a.description = b.description
			AND (a.created_at < b.created_at
				OR (a.created_at = b.created_at AND a.id < b.id))
			AND b.created_at - a.created_at <= $1::interval
		WHERE a.created_at > now() - interval '25 hours'`,
		duplicateWindow.String())
	if err != nil {
		return 0, fmt.Errorf("failed to query duplicate entries: %w", err)
	}
	defer rows.Close()

	var flagged int
	for rows.Next() {
		var accountID, description string
		var amount float64
		var first, second time.Time
		if err := rows.Scan(&accountID, &amount, &description, &first, &second); err != nil {
			return flagged, fmt.Errorf("failed to scan duplicate entry: %w", err)
		}
		flagged++
		r.logger.Warn("possible duplicate ledger entries",
			"account_id", accountID, "amount", amount, "description", description,
			"gap", second.Sub(first).Round(time.Millisecond))
	}
	return flagged, rows.Err()
}

// sweepExpired zeroes expiring pools past their expiry date, writing an
// expiry entry per account.
func (r *Reconciler) sweepExpired(ctx context.Context) error {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT account_id FROM credit_accounts
		WHERE expiring_pool > 0 AND credit_expiry_date IS NOT NULL AND credit_expiry_date < now()`)
	if err != nil {
		return fmt.Errorf("failed to query expired accounts: %w", err)
	}
	defer rows.Close()

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan expired account: %w", err)
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, accountID := range expired {
		tx, err := r.ledger.begin(ctx)
		if err != nil {
			return err
		}
		acct, err := lockAccount(ctx, tx, accountID)
		if err != nil {
			tx.Rollback(ctx)
			return err
		}
		// Re-check under the lock; a renewal may have raced the sweep.
		if acct.ExpiringPool <= 0 || acct.CreditExpiryDate == nil || acct.CreditExpiryDate.After(time.Now()) {
			tx.Rollback(ctx)
			continue
		}
		expiredAmount := acct.ExpiringPool
		acct.ExpiringPool = 0
		acct.CreditExpiryDate = nil
		if err := writeAccount(ctx, tx, acct); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := appendEntry(ctx, tx, &models.LedgerEntry{
			AccountID:    accountID,
			Amount:       -expiredAmount,
			BalanceAfter: acct.Balance,
			Type:         models.LedgerExpiry,
			Description:  "expiring credits lapsed",
			IsExpiring:   true,
		}); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit expiry sweep: %w", err)
		}
		r.ledger.invalidate(accountID)
		r.logger.Info("swept expired credits", "account_id", accountID, "amount", expiredAmount)
	}
	return nil
}
