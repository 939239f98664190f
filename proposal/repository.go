package proposal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gigflow/apperr"
	"gigflow/db"
)

var (
	ErrNotFound = errors.New("proposal: not found")
	// ErrDuplicate signals the (project, freelancer) pair already holds a proposal.
	ErrDuplicate = errors.New("proposal: already submitted for this project")
)

// UniqueConstraint backs the one-proposal-per-freelancer-per-project rule.
const UniqueConstraint = "proposals_project_freelancer_key"

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error)
	Exists(ctx context.Context, tx pgx.Tx, projectID, freelancerID string) (bool, error)
	Get(ctx context.Context, q db.Querier, id string) (Proposal, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Proposal, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Proposal, error)
	DeleteForProject(ctx context.Context, tx pgx.Tx, projectID string) (int64, error)
	ListForProject(ctx context.Context, q db.Querier, projectID string) ([]Proposal, error)
	ListForFreelancer(ctx context.Context, q db.Querier, freelancerID string) ([]Proposal, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository { return &PGRepository{} }

const proposalColumns = `id, project_id, freelancer_id, cover_letter, price, estimated_days, status, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error) {
	const query = `
		INSERT INTO proposals (id, project_id, freelancer_id, cover_letter, price, estimated_days, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + proposalColumns

	created, err := scanProposal(tx.QueryRow(ctx, query,
		p.ID, p.ProjectID, p.FreelancerID, p.CoverLetter, p.Price, p.EstimatedDays, p.Status,
	))
	if err != nil {
		if apperr.IsUniqueViolation(err, UniqueConstraint) {
			return Proposal{}, fmt.Errorf("%w: %w", ErrDuplicate, err)
		}
		return Proposal{}, fmt.Errorf("proposal: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Exists(ctx context.Context, tx pgx.Tx, projectID, freelancerID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM proposals WHERE project_id = $1 AND freelancer_id = $2)`,
		projectID, freelancerID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("proposal: check existing: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Proposal, error) {
	p, err := scanProposal(q.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("proposal: get: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Proposal, error) {
	p, err := scanProposal(tx.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("proposal: get for update: %w", err)
	}
	return p, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Proposal, error) {
	p, err := scanProposal(tx.QueryRow(ctx, `
		UPDATE proposals SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+proposalColumns, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("proposal: update status: %w", err)
	}
	return p, nil
}

func (r *PGRepository) DeleteForProject(ctx context.Context, tx pgx.Tx, projectID string) (int64, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM proposals WHERE project_id = $1`, projectID)
	if err != nil {
		return 0, fmt.Errorf("proposal: delete for project: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PGRepository) ListForProject(ctx context.Context, q db.Querier, projectID string) ([]Proposal, error) {
	return list(ctx, q, `SELECT `+proposalColumns+` FROM proposals WHERE project_id = $1 ORDER BY created_at, id`, projectID)
}

func (r *PGRepository) ListForFreelancer(ctx context.Context, q db.Querier, freelancerID string) ([]Proposal, error) {
	return list(ctx, q, `SELECT `+proposalColumns+` FROM proposals WHERE freelancer_id = $1 ORDER BY created_at DESC, id`, freelancerID)
}

func list(ctx context.Context, q db.Querier, sql string, args ...any) ([]Proposal, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("proposal: list: %w", err)
	}
	defer rows.Close()

	out := []Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("proposal: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var p Proposal
	err := row.Scan(
		&p.ID,
		&p.ProjectID,
		&p.FreelancerID,
		&p.CoverLetter,
		&p.Price,
		&p.EstimatedDays,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
