package ledger

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gigflow/apperr"
	"gigflow/db"
	"gigflow/logging"
)

// Totals are the per-user sums the profile cache mirrors.
type Totals struct {
	Spent  decimal.Decimal
	Earned decimal.Decimal
}

// Sum folds entries into Totals: released client debits count as spent and
// released freelancer credits as earned.
func Sum(entries []Entry) Totals {
	t := Totals{Spent: decimal.Zero, Earned: decimal.Zero}
	for _, e := range entries {
		if e.Type != TypeEscrowRelease {
			continue
		}
		switch e.Direction {
		case Debit:
			t.Spent = t.Spent.Add(e.Amount)
		case Credit:
			t.Earned = t.Earned.Add(e.Amount)
		}
	}
	return t
}

// UserTotals computes Totals for one user from the ledger.
func UserTotals(ctx context.Context, q db.Querier, userID string) (Totals, error) {
	const query = `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type = 'escrow_release' AND direction = 'debit'), 0),
			COALESCE(SUM(amount) FILTER (WHERE type = 'escrow_release' AND direction = 'credit'), 0)
		FROM transactions
		WHERE user_id = $1
	`
	var t Totals
	if err := q.QueryRow(ctx, query, userID).Scan(&t.Spent, &t.Earned); err != nil {
		return Totals{}, apperr.FromDB("ledger: totals", err)
	}
	return t, nil
}

// Reconciler rewrites cached profile totals from the ledger.
type Reconciler struct {
	db     db.Querier
	logger *zap.Logger
}

func NewReconciler(q db.Querier, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: q, logger: logging.OrNop(logger)}
}

// Run fixes every drifted profile and returns how many rows changed.
func (r *Reconciler) Run(ctx context.Context) (int64, error) {
	const updateSQL = `
		WITH sums AS (
			SELECT p.user_id,
			       COALESCE(SUM(t.amount) FILTER (WHERE t.type = 'escrow_release' AND t.direction = 'debit'), 0) AS spent,
			       COALESCE(SUM(t.amount) FILTER (WHERE t.type = 'escrow_release' AND t.direction = 'credit'), 0) AS earned
			FROM profiles p
			LEFT JOIN transactions t ON t.user_id = p.user_id
			GROUP BY p.user_id
		)
		UPDATE profiles p
		SET total_spent = s.spent, total_earnings = s.earned, updated_at = now()
		FROM sums s
		WHERE p.user_id = s.user_id
		  AND (p.total_spent <> s.spent OR p.total_earnings <> s.earned)
	`
	tag, err := r.db.Exec(ctx, updateSQL)
	if err != nil {
		return 0, apperr.FromDB("ledger: reconcile", err)
	}
	fixed := tag.RowsAffected()
	if fixed > 0 {
		r.logger.Warn("reconciled drifted profile totals", zap.Int64("profiles", fixed))
	} else {
		r.logger.Info("profile totals consistent with ledger")
	}
	return fixed, nil
}
