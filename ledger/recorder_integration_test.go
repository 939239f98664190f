package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gigflow/apperr"
	"gigflow/db/dbtest"
)

func TestRecord_Integration(t *testing.T) {
	pool := dbtest.Connect(t)
	ctx := context.Background()

	client := dbtest.SeedUser(t, pool, "client")
	milestoneID := uuid.NewString()
	entry := Entry{
		UserID:         client,
		Type:           TypeEscrowFunding,
		Direction:      Debit,
		Amount:         decimal.RequireFromString("75.50"),
		MilestoneID:    milestoneID,
		IdempotencyKey: Key(milestoneID, TypeEscrowFunding, SideClient),
	}

	record := func() string {
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback(ctx)
		id, err := NewRecorder().Record(ctx, tx, entry)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
		return id
	}

	first := record()
	second := record()
	if first != second {
		t.Fatalf("replay returned %s, want %s", second, first)
	}

	entries, err := ForMilestone(ctx, pool, milestoneID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
	if !entries[0].Amount.Equal(decimal.RequireFromString("75.50")) {
		t.Fatalf("amount drifted: %s", entries[0].Amount)
	}

	_, err = pool.Exec(ctx, `UPDATE transactions SET amount = 1 WHERE id = $1`, first)
	if err == nil {
		t.Fatalf("expected append-only trigger to reject update")
	}
	if !apperr.Is(apperr.FromDB("update", err), apperr.KindPreconditionFailed) {
		t.Fatalf("expected check violation mapping, got %v", err)
	}
}
