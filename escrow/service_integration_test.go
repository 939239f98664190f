package escrow

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/db/dbtest"
	"gigflow/ledger"
	"gigflow/notify"
	"gigflow/outbox"
	"gigflow/profile"
)

func TestFundRelease_Integration(t *testing.T) {
	pool := dbtest.Connect(t)
	ctx := context.Background()

	clientID := dbtest.SeedUser(t, pool, "client")
	freelancerID := dbtest.SeedUser(t, pool, "freelancer")
	projectID := dbtest.SeedProject(t, pool, clientID)
	proposalID := dbtest.SeedProposal(t, pool, projectID, freelancerID, "500")
	contractID := dbtest.SeedContract(t, pool, projectID, proposalID, clientID, freelancerID, "500")
	milestoneID := dbtest.SeedMilestone(t, pool, contractID, "200")

	profiles := profile.NewRepository(pool)
	queue := outbox.NewQueue(outbox.NewRepository(pool), notify.Discard{}, nil)
	svc := NewService(pool, NewRepository(), ledger.NewRecorder(), queue, profile.NewTotals(profiles, nil), nil)

	clientIdentity := auth.Identity{UserID: clientID, Role: auth.RoleClient}

	if _, err := svc.Fund(ctx, clientIdentity, milestoneID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	entries, err := ledger.ForMilestone(ctx, pool, milestoneID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != ledger.TypeEscrowFunding {
		t.Fatalf("expected one funding entry, got %+v", entries)
	}

	if _, err := svc.Release(ctx, clientIdentity, milestoneID); err != nil {
		t.Fatalf("release: %v", err)
	}
	entries, err = ledger.ForMilestone(ctx, pool, milestoneID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	releases := 0
	for _, e := range entries {
		if e.Type == ledger.TypeEscrowRelease {
			releases++
			if !e.Amount.Equal(decimal.NewFromInt(200)) {
				t.Fatalf("release amount %s", e.Amount)
			}
		}
	}
	if releases != 2 {
		t.Fatalf("expected 2 release entries, got %d", releases)
	}

	c, err := profiles.GetByID(ctx, clientID)
	if err != nil {
		t.Fatalf("client profile: %v", err)
	}
	f, err := profiles.GetByID(ctx, freelancerID)
	if err != nil {
		t.Fatalf("freelancer profile: %v", err)
	}
	if !c.TotalSpent.Equal(decimal.NewFromInt(200)) || !f.TotalEarnings.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("cached totals not updated: spent=%s earned=%s", c.TotalSpent, f.TotalEarnings)
	}

	if _, err := svc.Release(ctx, clientIdentity, milestoneID); !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Fatalf("second release: expected precondition failure, got %v", err)
	}

	var pending int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&pending); err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected flushed notifications to be marked sent, %d pending", pending)
	}
}

func TestConcurrentFund_Integration(t *testing.T) {
	pool := dbtest.Connect(t)
	ctx := context.Background()

	clientID := dbtest.SeedUser(t, pool, "client")
	freelancerID := dbtest.SeedUser(t, pool, "freelancer")
	projectID := dbtest.SeedProject(t, pool, clientID)
	proposalID := dbtest.SeedProposal(t, pool, projectID, freelancerID, "300")
	contractID := dbtest.SeedContract(t, pool, projectID, proposalID, clientID, freelancerID, "300")
	milestoneID := dbtest.SeedMilestone(t, pool, contractID, "300")

	svc := NewService(pool, NewRepository(), ledger.NewRecorder(), notify.Discard{}, nil, nil)
	actor := auth.Identity{UserID: clientID, Role: auth.RoleClient}

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Fund(ctx, actor, milestoneID)
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
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("expected 1 win and %d conflicts, got %d/%d", racers-1, wins, conflicts)
	}
	entries, err := ledger.ForMilestone(ctx, pool, milestoneID)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("double funding: %d entries", len(entries))
	}
}
