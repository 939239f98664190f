package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gigflow/apperr"
	"gigflow/db"
)

var (
	ErrNotFound = errors.New("contract: not found")
	// ErrAlreadyAwarded signals the one-contract-per-project constraint fired.
	ErrAlreadyAwarded = errors.New("contract: project already has a contract")
)

// ProjectConstraint enforces at most one contract per project.
const ProjectConstraint = "contracts_project_id_key"

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error)
	Get(ctx context.Context, q db.Querier, id string) (Contract, error)
	GetByProject(ctx context.Context, q db.Querier, projectID string) (Contract, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error)
	GetByProjectForUpdate(ctx context.Context, tx pgx.Tx, projectID string) (Contract, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Contract, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
	ListForUser(ctx context.Context, q db.Querier, userID string) ([]Contract, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository { return &PGRepository{} }

const contractColumns = `id, project_id, proposal_id, client_id, freelancer_id, status, total_amount, terms, created_at, updated_at, completed_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error) {
	const query = `
		INSERT INTO contracts (id, project_id, proposal_id, client_id, freelancer_id, status, total_amount, terms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + contractColumns

	out, err := scanContract(tx.QueryRow(ctx, query,
		c.ID, c.ProjectID, c.ProposalID, c.ClientID, c.FreelancerID, c.Status, c.TotalAmount, c.Terms,
	))
	if err != nil {
		if apperr.IsUniqueViolation(err, ProjectConstraint) {
			return Contract{}, fmt.Errorf("%w: %w", ErrAlreadyAwarded, err)
		}
		return Contract{}, fmt.Errorf("contract: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Contract, error) {
	return getOne(ctx, q, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
}

func (r *PGRepository) GetByProject(ctx context.Context, q db.Querier, projectID string) (Contract, error) {
	return getOne(ctx, q, `SELECT `+contractColumns+` FROM contracts WHERE project_id = $1`, projectID)
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	return getOne(ctx, tx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1 FOR UPDATE`, id)
}

func (r *PGRepository) GetByProjectForUpdate(ctx context.Context, tx pgx.Tx, projectID string) (Contract, error) {
	return getOne(ctx, tx, `SELECT `+contractColumns+` FROM contracts WHERE project_id = $1 FOR UPDATE`, projectID)
}

// UpdateStatus stamps completed_at when the contract completes.
func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Contract, error) {
	const query = `
		UPDATE contracts
		SET status = $2,
		    updated_at = now(),
		    completed_at = CASE WHEN $2 = 'completed' THEN now() ELSE completed_at END
		WHERE id = $1
		RETURNING ` + contractColumns
	return getOne(ctx, tx, query, id, status)
}

// Delete removes the contract; milestones and disputes cascade.
func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM contracts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("contract: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ListForUser(ctx context.Context, q db.Querier, userID string) ([]Contract, error) {
	rows, err := q.Query(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE client_id = $1 OR freelancer_id = $1
		ORDER BY created_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("contract: list: %w", err)
	}
	defer rows.Close()

	out := []Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func getOne(ctx context.Context, q db.Querier, sql string, args ...any) (Contract, error) {
	c, err := scanContract(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: query: %w", err)
	}
	return c, nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	err := row.Scan(
		&c.ID,
		&c.ProjectID,
		&c.ProposalID,
		&c.ClientID,
		&c.FreelancerID,
		&c.Status,
		&c.TotalAmount,
		&c.Terms,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.CompletedAt,
	)
	return c, err
}
