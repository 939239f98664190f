// Package rating recomputes a user's cached average rating from their public
// reviews.
package rating

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"gigflow/apperr"
)

// Summary is the cached aggregate for one reviewee.
type Summary struct {
	Average decimal.Decimal
	Count   int
}

// Summarize computes the mean rating rounded to two places.
func Summarize(ratings []int) Summary {
	if len(ratings) == 0 {
		return Summary{Average: decimal.Zero}
	}
	total := decimal.Zero
	for _, r := range ratings {
		total = total.Add(decimal.NewFromInt(int64(r)))
	}
	return Summary{
		Average: total.DivRound(decimal.NewFromInt(int64(len(ratings))), 2),
		Count:   len(ratings),
	}
}

// Aggregator writes Summary values to the profile cache.
type Aggregator struct{}

func NewAggregator() *Aggregator { return &Aggregator{} }

// Recompute locks the reviewee's profile row, recomputes the aggregate over
// public reviews and stores it. It must run inside the review transaction so
// the new review is counted exactly once.
func (a *Aggregator) Recompute(ctx context.Context, tx pgx.Tx, revieweeID string) (Summary, error) {
	const op = "rating: recompute"

	var locked string
	err := tx.QueryRow(ctx, `SELECT user_id FROM profiles WHERE user_id = $1 FOR UPDATE`, revieweeID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Summary{}, apperr.NotFound(op, "reviewee profile not found")
		}
		return Summary{}, apperr.FromDB(op, err)
	}

	const aggregateSQL = `
		SELECT COALESCE(ROUND(AVG(rating)::numeric, 2), 0), COUNT(*)
		FROM reviews
		WHERE reviewee_id = $1 AND public
	`
	var s Summary
	if err := tx.QueryRow(ctx, aggregateSQL, revieweeID).Scan(&s.Average, &s.Count); err != nil {
		return Summary{}, apperr.FromDB(op, err)
	}

	const updateSQL = `
		UPDATE profiles SET average_rating = $2, review_count = $3, updated_at = now()
		WHERE user_id = $1
	`
	if _, err := tx.Exec(ctx, updateSQL, revieweeID, s.Average, s.Count); err != nil {
		return Summary{}, apperr.FromDB(op, err)
	}
	return s, nil
}
