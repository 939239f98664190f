package contract

import (
	"context"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/db/dbtest"
	"gigflow/escrow"
	"gigflow/ledger"
	"gigflow/notify"
	"gigflow/project"
	"gigflow/proposal"
)

func newIntegrationServices(pool *pgxpool.Pool) (*Service, *escrow.Service) {
	esc := escrow.NewService(pool, escrow.NewRepository(), ledger.NewRecorder(), notify.Discard{}, nil, nil)
	svc := NewService(pool, NewRepository(), project.NewRepository(pool), proposal.NewRepository(), esc, notify.Discard{}, nil)
	return svc, esc
}

func TestConcurrentAward_Integration(t *testing.T) {
	pool := dbtest.Connect(t)
	ctx := context.Background()

	clientID := dbtest.SeedUser(t, pool, "client")
	projectID := dbtest.SeedProject(t, pool, clientID)

	const n = 6
	proposalIDs := make([]string, n)
	for i := range proposalIDs {
		f := dbtest.SeedUser(t, pool, "freelancer")
		proposalIDs[i] = dbtest.SeedProposal(t, pool, projectID, f, "250")
	}

	svc, _ := newIntegrationServices(pool)
	actor := auth.Identity{UserID: clientID, Role: auth.RoleClient}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, id := range proposalIDs {
		wg.Add(1)
		go func(proposalID string) {
			defer wg.Done()
			_, err := svc.Award(ctx, actor, proposalID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperr.Is(err, apperr.KindConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected exactly one winner, got %d wins and %d conflicts", wins, conflicts)
	}
	var contracts int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM contracts WHERE project_id = $1`, projectID).Scan(&contracts); err != nil {
		t.Fatalf("count contracts: %v", err)
	}
	if contracts != 1 {
		t.Fatalf("expected one contract, found %d", contracts)
	}
}

func TestAwardRevoke_Integration(t *testing.T) {
	pool := dbtest.Connect(t)
	ctx := context.Background()

	clientID := dbtest.SeedUser(t, pool, "client")
	freelancerID := dbtest.SeedUser(t, pool, "freelancer")
	projectID := dbtest.SeedProject(t, pool, clientID)
	proposalID := dbtest.SeedProposal(t, pool, projectID, freelancerID, "500")

	svc, esc := newIntegrationServices(pool)
	actor := auth.Identity{UserID: clientID, Role: auth.RoleClient}

	res, err := svc.Award(ctx, actor, proposalID)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if res.Project.Status != project.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", res.Project.Status)
	}

	m, err := esc.AddMilestone(ctx, actor, res.Contract.ID, "First half", decimal.NewFromInt(250))
	if err != nil {
		t.Fatalf("add milestone: %v", err)
	}
	if _, err := esc.Fund(ctx, actor, m.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}

	rev, err := svc.Revoke(ctx, actor, projectID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if len(rev.RefundedMilestones) != 1 {
		t.Fatalf("expected the funded milestone to be refunded, got %v", rev.RefundedMilestones)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM projects WHERE id = $1`, projectID).Scan(&status); err != nil {
		t.Fatalf("project: %v", err)
	}
	if status != string(project.StatusOpen) {
		t.Fatalf("expected project open, got %s", status)
	}
	var proposals, contracts int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM proposals WHERE project_id = $1`, projectID).Scan(&proposals); err != nil {
		t.Fatalf("proposals: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM contracts WHERE project_id = $1`, projectID).Scan(&contracts); err != nil {
		t.Fatalf("contracts: %v", err)
	}
	if proposals != 0 || contracts != 0 {
		t.Fatalf("expected proposals and contract gone, got %d/%d", proposals, contracts)
	}

	entries, err := ledger.ForMilestone(ctx, pool, m.ID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	var funding, refunds int
	for _, e := range entries {
		switch e.Type {
		case ledger.TypeEscrowFunding:
			funding++
		case ledger.TypeRefund:
			refunds++
		}
	}
	if funding != 1 || refunds != 2 {
		t.Fatalf("expected 1 funding and 2 refund entries to survive revoke, got %d/%d", funding, refunds)
	}
}
