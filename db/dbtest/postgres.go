package dbtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"gigflow/db"
)

// Connect opens a pool against DATABASE_URL and applies migrations. The test
// is skipped when DATABASE_URL is empty.
func Connect(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

// SeedUser inserts a user and its profile row and returns the id.
func SeedUser(t *testing.T, pool *pgxpool.Pool, role string) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	email := fmt.Sprintf("%s+%s@example.com", role, id)
	if _, err := pool.Exec(ctx, `INSERT INTO users (id, email, full_name, password_hash, role) VALUES ($1, $2, $3, 'x', $4)`,
		id, email, "Seed "+role, role); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO profiles (user_id, role) VALUES ($1, $2)`, id, role); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	return id
}

// SeedProject inserts an open project owned by clientID.
func SeedProject(t *testing.T, pool *pgxpool.Pool, clientID string) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := pool.Exec(context.Background(),
		`INSERT INTO projects (id, client_id, title, description, budget_min, budget_max) VALUES ($1, $2, 'Seed project', 'Build a thing', 100, 500)`,
		id, clientID); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return id
}

// SeedProposal inserts a submitted proposal.
func SeedProposal(t *testing.T, pool *pgxpool.Pool, projectID, freelancerID, price string) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := pool.Exec(context.Background(),
		`INSERT INTO proposals (id, project_id, freelancer_id, cover_letter, price, estimated_days) VALUES ($1, $2, $3, 'I can do it', $4, 7)`,
		id, projectID, freelancerID, price); err != nil {
		t.Fatalf("seed proposal: %v", err)
	}
	return id
}

// SeedContract inserts an active contract and moves the project to in_progress.
func SeedContract(t *testing.T, pool *pgxpool.Pool, projectID, proposalID, clientID, freelancerID, total string) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	if _, err := pool.Exec(ctx,
		`INSERT INTO contracts (id, project_id, proposal_id, client_id, freelancer_id, total_amount) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, projectID, proposalID, clientID, freelancerID, total); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	if _, err := pool.Exec(ctx, `UPDATE projects SET status = 'in_progress' WHERE id = $1`, projectID); err != nil {
		t.Fatalf("seed contract: project status: %v", err)
	}
	return id
}

// SeedMilestone inserts an unpaid milestone.
func SeedMilestone(t *testing.T, pool *pgxpool.Pool, contractID, amount string) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := pool.Exec(context.Background(),
		`INSERT INTO milestones (id, contract_id, title, amount) VALUES ($1, $2, 'Seed milestone', $3)`,
		id, contractID, amount); err != nil {
		t.Fatalf("seed milestone: %v", err)
	}
	return id
}
