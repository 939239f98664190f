package dispute

import (
	"context"
	"testing"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/contract"
	"gigflow/db/dbtest"
	"gigflow/escrow"
	"gigflow/ledger"
	"gigflow/notify"
	"gigflow/project"
)

func TestDisputeRefund_Integration(t *testing.T) {
	pool := dbtest.Connect(t)
	ctx := context.Background()

	clientID := dbtest.SeedUser(t, pool, "client")
	freelancerID := dbtest.SeedUser(t, pool, "freelancer")
	adminID := dbtest.SeedUser(t, pool, "admin")
	projectID := dbtest.SeedProject(t, pool, clientID)
	proposalID := dbtest.SeedProposal(t, pool, projectID, freelancerID, "400")
	contractID := dbtest.SeedContract(t, pool, projectID, proposalID, clientID, freelancerID, "400")
	milestoneID := dbtest.SeedMilestone(t, pool, contractID, "150")

	esc := escrow.NewService(pool, escrow.NewRepository(), ledger.NewRecorder(), notify.Discard{}, nil, nil)
	svc := NewService(pool, NewRepository(), contract.NewRepository(), project.NewRepository(pool), esc, notify.Discard{}, nil)

	clientIdentity := auth.Identity{UserID: clientID, Role: auth.RoleClient}
	if _, err := esc.Fund(ctx, clientIdentity, milestoneID); err != nil {
		t.Fatalf("fund: %v", err)
	}

	d, err := svc.Open(ctx, auth.Identity{UserID: freelancerID, Role: auth.RoleFreelancer}, contractID, "scope changed")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	other := dbtest.SeedMilestone(t, pool, contractID, "50")
	if _, err := esc.Fund(ctx, clientIdentity, other); !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Fatalf("fund while disputed: expected precondition failure, got %v", err)
	}

	res, err := svc.Resolve(ctx, auth.Identity{UserID: adminID, Role: auth.RoleAdmin}, d.ID, OutcomeRefund, "work not delivered")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Refunded) != 1 || res.Refunded[0] != milestoneID {
		t.Fatalf("expected milestone refunded, got %v", res.Refunded)
	}
	if res.Contract.Status != contract.StatusCancelled {
		t.Fatalf("contract should be cancelled, got %s", res.Contract.Status)
	}

	var projectStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM projects WHERE id = $1`, projectID).Scan(&projectStatus); err != nil {
		t.Fatalf("project status: %v", err)
	}
	if projectStatus != string(project.StatusCancelled) {
		t.Fatalf("project should be cancelled, got %s", projectStatus)
	}

	entries, err := ledger.ForMilestone(ctx, pool, milestoneID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	refunds := 0
	for _, e := range entries {
		if e.Type == ledger.TypeRefund {
			refunds++
		}
	}
	if len(entries) != 3 || refunds != 2 {
		t.Fatalf("expected funding plus two refund entries, got %+v", entries)
	}
}
