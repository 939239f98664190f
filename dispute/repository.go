package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gigflow/apperr"
	"gigflow/db"
)

var (
	ErrNotFound    = errors.New("dispute: not found")
	ErrAlreadyOpen = errors.New("dispute: contract already has an open dispute")
)

// OpenConstraint is the partial unique index allowing one open dispute per
// contract.
const OpenConstraint = "disputes_one_open_per_contract"

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	Get(ctx context.Context, q db.Querier, id string) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	Resolve(ctx context.Context, tx pgx.Tx, id string, outcome Outcome, resolution, resolvedBy string) (Dispute, error)
	ListForContract(ctx context.Context, q db.Querier, contractID string) ([]Dispute, error)
	ListOpen(ctx context.Context, q db.Querier, limit int) ([]Dispute, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository { return &PGRepository{} }

const disputeColumns = `id, contract_id, opened_by, reason, status, outcome, COALESCE(resolution, ''), resolved_by, created_at, resolved_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	const insertSQL = `
		INSERT INTO disputes (id, contract_id, opened_by, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + disputeColumns

	out, err := scanDispute(tx.QueryRow(ctx, insertSQL, d.ID, d.ContractID, d.OpenedBy, d.Reason))
	if err != nil {
		if apperr.IsUniqueViolation(err, OpenConstraint) {
			return Dispute{}, fmt.Errorf("%w: %w", ErrAlreadyOpen, err)
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Dispute, error) {
	return getOne(ctx, q, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	return getOne(ctx, tx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
}

// Resolve closes an open dispute. A dispute that is already resolved is
// reported as ErrNotFound.
func (r *PGRepository) Resolve(ctx context.Context, tx pgx.Tx, id string, outcome Outcome, resolution, resolvedBy string) (Dispute, error) {
	const updateSQL = `
		UPDATE disputes
		SET status = 'resolved', outcome = $2, resolution = $3, resolved_by = $4, resolved_at = now()
		WHERE id = $1 AND status = 'under_review'
		RETURNING ` + disputeColumns
	return getOne(ctx, tx, updateSQL, id, outcome, resolution, resolvedBy)
}

func (r *PGRepository) ListForContract(ctx context.Context, q db.Querier, contractID string) ([]Dispute, error) {
	return list(ctx, q, `SELECT `+disputeColumns+` FROM disputes WHERE contract_id = $1 ORDER BY created_at DESC`, contractID)
}

func (r *PGRepository) ListOpen(ctx context.Context, q db.Querier, limit int) ([]Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return list(ctx, q, `SELECT `+disputeColumns+` FROM disputes WHERE status = 'under_review' ORDER BY created_at LIMIT $1`, limit)
}

func getOne(ctx context.Context, q db.Querier, sql string, args ...any) (Dispute, error) {
	d, err := scanDispute(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func list(ctx context.Context, q db.Querier, sql string, args ...any) ([]Dispute, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(&d.ID, &d.ContractID, &d.OpenedBy, &d.Reason, &d.Status, &d.Outcome,
		&d.Resolution, &d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt)
	return d, err
}
