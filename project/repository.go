package project

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"gigflow/db"
)

var ErrNotFound = errors.New("project: not found")

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, p Project) (Project, error)
	Get(ctx context.Context, id string) (Project, error)
	List(ctx context.Context, filters Filters) ([]Project, int, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Project, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Project, error)
	HasContract(ctx context.Context, tx pgx.Tx, id string) (bool, error)
	HasOpenContract(ctx context.Context, tx pgx.Tx, id string) (bool, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
}

type PGRepository struct {
	db db.Querier
}

func NewRepository(q db.Querier) *PGRepository {
	return &PGRepository{db: q}
}

const projectColumns = `id, client_id, title, description, COALESCE(category_id, ''), budget_min, budget_max, status, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, p Project) (Project, error) {
	const query = `
		INSERT INTO projects (id, client_id, title, description, category_id, budget_min, budget_max, status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		RETURNING ` + projectColumns

	created, err := scanProject(tx.QueryRow(ctx, query,
		p.ID, p.ClientID, p.Title, p.Description, p.CategoryID, p.BudgetMin, p.BudgetMax, p.Status,
	))
	if err != nil {
		return Project{}, fmt.Errorf("project: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Project, error) {
	p, err := scanProject(r.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("project: get: %w", err)
	}
	return p, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Project, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.ClientID != "" {
		where = append(where, fmt.Sprintf("client_id=$%d", len(args)+1))
		args = append(args, filters.ClientID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.CategoryID != "" {
		where = append(where, fmt.Sprintf("category_id=$%d", len(args)+1))
		args = append(args, filters.CategoryID)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM projects%s ORDER BY %s %s, id LIMIT %d OFFSET %d`,
		projectColumns, whereClause, mapSortKey(filters.SortKey), sortOrder,
		filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("project: query list: %w", err)
	}
	defer rows.Close()

	list := []Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("project: scan: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("project: iterate: %w", err)
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM projects`+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("project: count list: %w", err)
	}
	return list, total, nil
}

// GetForUpdate locks the project row. Award, Revoke and proposal submission
// serialize on this lock.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Project, error) {
	p, err := scanProject(tx.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("project: get for update: %w", err)
	}
	return p, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Project, error) {
	const query = `
		UPDATE projects
		SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + projectColumns

	p, err := scanProject(tx.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("project: update status: %w", err)
	}
	return p, nil
}

func (r *PGRepository) HasContract(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM contracts WHERE project_id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("project: check contract: %w", err)
	}
	return exists, nil
}

// HasOpenContract reports whether the project has an active or disputed
// contract.
func (r *PGRepository) HasOpenContract(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM contracts
			WHERE project_id = $1 AND status IN ('active', 'disputed')
		)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("project: check open contract: %w", err)
	}
	return exists, nil
}

// Delete removes the project. Proposals go with it through ON DELETE CASCADE.
func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("project: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProject(row pgx.Row) (Project, error) {
	var p Project
	err := row.Scan(
		&p.ID,
		&p.ClientID,
		&p.Title,
		&p.Description,
		&p.CategoryID,
		&p.BudgetMin,
		&p.BudgetMax,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

func mapSortKey(key string) string {
	switch key {
	case "budgetMin":
		return "budget_min"
	case "budgetMax":
		return "budget_max"
	case "status":
		return "status"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
