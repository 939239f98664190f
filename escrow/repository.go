package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"gigflow/db"
)

// ErrNotFound signals that the milestone or contract row does not exist.
var ErrNotFound = errors.New("escrow: not found")

// ErrStale signals that a compare-and-set update matched no row.
var ErrStale = errors.New("escrow: status changed concurrently")

// Repository is the data access used by Service. Every method taking a
// pgx.Tx runs inside the caller's transaction.
type Repository interface {
	LockMilestone(ctx context.Context, tx pgx.Tx, milestoneID string) (Locked, error)
	LockByContract(ctx context.Context, tx pgx.Tx, contractID string) ([]Locked, error)
	LockContract(ctx context.Context, tx pgx.Tx, contractID string) (ContractRef, error)
	GetContract(ctx context.Context, q db.Querier, contractID string) (ContractRef, error)
	SetPaymentStatus(ctx context.Context, tx pgx.Tx, milestoneID string, from, to PaymentStatus) error
	SetWorkStatus(ctx context.Context, tx pgx.Tx, milestoneID string, to WorkStatus) error
	SumMilestones(ctx context.Context, tx pgx.Tx, contractID string) (decimal.Decimal, error)
	InsertMilestone(ctx context.Context, tx pgx.Tx, m Milestone) (Milestone, error)
	ListByContract(ctx context.Context, q db.Querier, contractID string) ([]Milestone, error)
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct{}

func NewRepository() *PGRepository { return &PGRepository{} }

const lockedColumns = `
	m.id, m.contract_id, m.title, m.amount, m.work_status, m.payment_status, m.created_at, m.updated_at,
	c.id, c.project_id, c.client_id, c.freelancer_id, c.status, c.total_amount`

// LockMilestone locks the contract row and then the milestone row, the same
// order revoke and complete take them in.
func (r *PGRepository) LockMilestone(ctx context.Context, tx pgx.Tx, milestoneID string) (Locked, error) {
	var contractID string
	err := tx.QueryRow(ctx, `SELECT contract_id FROM milestones WHERE id = $1`, milestoneID).Scan(&contractID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Locked{}, ErrNotFound
		}
		return Locked{}, fmt.Errorf("escrow: find milestone: %w", err)
	}
	if _, err := r.LockContract(ctx, tx, contractID); err != nil {
		return Locked{}, err
	}

	const q = `
		SELECT` + lockedColumns + `
		FROM milestones m
		JOIN contracts c ON c.id = m.contract_id
		WHERE m.id = $1
		FOR UPDATE OF m
	`
	l, err := scanLocked(tx.QueryRow(ctx, q, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Locked{}, ErrNotFound
		}
		return Locked{}, fmt.Errorf("escrow: lock milestone: %w", err)
	}
	return l, nil
}

// LockByContract locks every milestone of a contract in id order. Callers
// hold the contract row lock already.
func (r *PGRepository) LockByContract(ctx context.Context, tx pgx.Tx, contractID string) ([]Locked, error) {
	const q = `
		SELECT` + lockedColumns + `
		FROM milestones m
		JOIN contracts c ON c.id = m.contract_id
		WHERE m.contract_id = $1
		ORDER BY m.id
		FOR UPDATE OF m
	`
	rows, err := tx.Query(ctx, q, contractID)
	if err != nil {
		return nil, fmt.Errorf("escrow: lock contract milestones: %w", err)
	}
	defer rows.Close()

	var out []Locked
	for rows.Next() {
		l, err := scanLocked(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const contractSQL = `
	SELECT id, project_id, client_id, freelancer_id, status, total_amount
	FROM contracts
	WHERE id = $1`

func (r *PGRepository) LockContract(ctx context.Context, tx pgx.Tx, contractID string) (ContractRef, error) {
	return getContract(ctx, tx, contractSQL+` FOR UPDATE`, contractID)
}

func (r *PGRepository) GetContract(ctx context.Context, q db.Querier, contractID string) (ContractRef, error) {
	return getContract(ctx, q, contractSQL, contractID)
}

func getContract(ctx context.Context, q db.Querier, sql, contractID string) (ContractRef, error) {
	var c ContractRef
	err := q.QueryRow(ctx, sql, contractID).Scan(&c.ID, &c.ProjectID, &c.ClientID, &c.FreelancerID, &c.Status, &c.TotalAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ContractRef{}, ErrNotFound
		}
		return ContractRef{}, fmt.Errorf("escrow: get contract: %w", err)
	}
	return c, nil
}

// SetPaymentStatus moves the milestone from one payment status to the next.
// It returns ErrStale when the row is no longer in from.
func (r *PGRepository) SetPaymentStatus(ctx context.Context, tx pgx.Tx, milestoneID string, from, to PaymentStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE milestones
		SET payment_status = $3, updated_at = now()
		WHERE id = $1 AND payment_status = $2
	`, milestoneID, from, to)
	if err != nil {
		return fmt.Errorf("escrow: set payment status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrStale
	}
	return nil
}

func (r *PGRepository) SetWorkStatus(ctx context.Context, tx pgx.Tx, milestoneID string, to WorkStatus) error {
	tag, err := tx.Exec(ctx, `UPDATE milestones SET work_status = $2, updated_at = now() WHERE id = $1`, milestoneID, to)
	if err != nil {
		return fmt.Errorf("escrow: set work status: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) SumMilestones(ctx context.Context, tx pgx.Tx, contractID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM milestones WHERE contract_id = $1`, contractID).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("escrow: sum milestones: %w", err)
	}
	return total, nil
}

func (r *PGRepository) InsertMilestone(ctx context.Context, tx pgx.Tx, m Milestone) (Milestone, error) {
	const q = `
		INSERT INTO milestones (id, contract_id, title, amount, work_status, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, contract_id, title, amount, work_status, payment_status, created_at, updated_at
	`
	out, err := scanMilestone(tx.QueryRow(ctx, q, m.ID, m.ContractID, m.Title, m.Amount, m.WorkStatus, m.PaymentStatus))
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: insert milestone: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ListByContract(ctx context.Context, q db.Querier, contractID string) ([]Milestone, error) {
	rows, err := q.Query(ctx, `
		SELECT id, contract_id, title, amount, work_status, payment_status, created_at, updated_at
		FROM milestones
		WHERE contract_id = $1
		ORDER BY created_at, id
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list milestones: %w", err)
	}
	defer rows.Close()

	out := []Milestone{}
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(&m.ID, &m.ContractID, &m.Title, &m.Amount, &m.WorkStatus, &m.PaymentStatus, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func scanLocked(row pgx.Row) (Locked, error) {
	var l Locked
	err := row.Scan(
		&l.ID, &l.ContractID, &l.Title, &l.Amount, &l.WorkStatus, &l.PaymentStatus, &l.CreatedAt, &l.UpdatedAt,
		&l.Contract.ID, &l.Contract.ProjectID, &l.Contract.ClientID, &l.Contract.FreelancerID,
		&l.Contract.Status, &l.Contract.TotalAmount,
	)
	return l, err
}
