package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"gigflow/db"
)

// ErrNotFound signals the requested profile does not exist.
var ErrNotFound = errors.New("profile: not found")

// Repository provides access to cached profile aggregates.
type Repository struct {
	db db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

const profileColumns = `user_id, role, total_spent, total_earnings, average_rating, review_count, updated_at`

// GetByID fetches a profile by user id.
func (r *Repository) GetByID(ctx context.Context, userID string) (Profile, error) {
	p, err := scanProfile(r.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("profile: query by id: %w", err)
	}
	return p, nil
}

// TopRated fetches up to limit profiles of role ordered by average rating.
func (r *Repository) TopRated(ctx context.Context, role string, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT ` + profileColumns + `
		FROM profiles
		WHERE role = $1 AND review_count > 0
		ORDER BY average_rating DESC, review_count DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, role, limit)
	if err != nil {
		return nil, fmt.Errorf("profile: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("profile: scan: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: iterate: %w", err)
	}
	return profiles, nil
}

// AddSpent increments the client's cached spend.
func (r *Repository) AddSpent(ctx context.Context, userID string, amount decimal.Decimal) error {
	return r.add(ctx, "total_spent", userID, amount)
}

// AddEarnings increments the freelancer's cached earnings.
func (r *Repository) AddEarnings(ctx context.Context, userID string, amount decimal.Decimal) error {
	return r.add(ctx, "total_earnings", userID, amount)
}

func (r *Repository) add(ctx context.Context, column, userID string, amount decimal.Decimal) error {
	// column is one of two constants above, never caller input.
	sql := `UPDATE profiles SET ` + column + ` = ` + column + ` + $2, updated_at = now() WHERE user_id = $1`
	tag, err := r.db.Exec(ctx, sql, userID, amount)
	if err != nil {
		return fmt.Errorf("profile: update %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(&p.UserID, &p.Role, &p.TotalSpent, &p.TotalEarnings, &p.AverageRating, &p.ReviewCount, &p.UpdatedAt)
	return p, err
}
