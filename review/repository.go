package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gigflow/apperr"
	"gigflow/db"
)

// ErrDuplicate signals the reviewer already reviewed this contract.
var ErrDuplicate = errors.New("review: already submitted for this contract")

const UniqueConstraint = "reviews_contract_reviewer_key"

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, r Review) (Review, error)
	Exists(ctx context.Context, tx pgx.Tx, contractID, reviewerID string) (bool, error)
	ListForReviewee(ctx context.Context, q db.Querier, revieweeID string, publicOnly bool) ([]Review, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository { return &PGRepository{} }

const reviewColumns = `id, contract_id, reviewer_id, reviewee_id, rating,
	communication, quality, expertise, deadline, value, clarity, payment,
	comment, public, created_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rv Review) (Review, error) {
	const query = `
		INSERT INTO reviews (id, contract_id, reviewer_id, reviewee_id, rating,
			communication, quality, expertise, deadline, value, clarity, payment, comment, public)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING ` + reviewColumns

	s := rv.SubRatings
	out, err := scanReview(tx.QueryRow(ctx, query,
		rv.ID, rv.ContractID, rv.ReviewerID, rv.RevieweeID, rv.Rating,
		s.Communication, s.Quality, s.Expertise, s.Deadline, s.Value, s.Clarity, s.Payment,
		rv.Comment, rv.Public,
	))
	if err != nil {
		if apperr.IsUniqueViolation(err, UniqueConstraint) {
			return Review{}, fmt.Errorf("%w: %w", ErrDuplicate, err)
		}
		return Review{}, fmt.Errorf("review: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Exists(ctx context.Context, tx pgx.Tx, contractID, reviewerID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reviews WHERE contract_id = $1 AND reviewer_id = $2)`,
		contractID, reviewerID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("review: check existing: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) ListForReviewee(ctx context.Context, q db.Querier, revieweeID string, publicOnly bool) ([]Review, error) {
	rows, err := q.Query(ctx, `
		SELECT `+reviewColumns+`
		FROM reviews
		WHERE reviewee_id = $1 AND (public OR NOT $2)
		ORDER BY created_at DESC, id
	`, revieweeID, publicOnly)
	if err != nil {
		return nil, fmt.Errorf("review: list: %w", err)
	}
	defer rows.Close()

	out := []Review{}
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("review: scan: %w", err)
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func scanReview(row pgx.Row) (Review, error) {
	var rv Review
	s := &rv.SubRatings
	err := row.Scan(
		&rv.ID, &rv.ContractID, &rv.ReviewerID, &rv.RevieweeID, &rv.Rating,
		&s.Communication, &s.Quality, &s.Expertise, &s.Deadline, &s.Value, &s.Clarity, &s.Payment,
		&rv.Comment, &rv.Public, &rv.CreatedAt,
	)
	return rv, err
}
