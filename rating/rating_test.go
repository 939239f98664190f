package rating

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"gigflow/apperr"
	"gigflow/db/dbtest"
)

func TestSummarize(t *testing.T) {
	cases := []struct {
		in    []int
		avg   string
		count int
	}{
		{nil, "0", 0},
		{[]int{5}, "5", 1},
		{[]int{4, 5}, "4.5", 2},
		{[]int{5, 4, 4}, "4.33", 3},
		{[]int{1, 2, 2}, "1.67", 3},
	}
	for _, tc := range cases {
		got := Summarize(tc.in)
		if !got.Average.Equal(decimal.RequireFromString(tc.avg)) || got.Count != tc.count {
			t.Errorf("Summarize(%v) = %s/%d, want %s/%d", tc.in, got.Average, got.Count, tc.avg, tc.count)
		}
	}
}

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

type aggregateTx struct {
	dbtest.Tx
	lockErr  error
	average  decimal.Decimal
	count    int
	queries  []string
	execArgs []any
}

func (a *aggregateTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	a.queries = append(a.queries, sql)
	if strings.Contains(sql, "FOR UPDATE") {
		return rowFunc(func(dest ...any) error {
			if a.lockErr != nil {
				return a.lockErr
			}
			*(dest[0].(*string)) = "u-1"
			return nil
		})
	}
	return rowFunc(func(dest ...any) error {
		*(dest[0].(*decimal.Decimal)) = a.average
		*(dest[1].(*int)) = a.count
		return nil
	})
}

func (a *aggregateTx) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	a.execArgs = args
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func TestRecomputeLocksThenWrites(t *testing.T) {
	tx := &aggregateTx{average: decimal.RequireFromString("4.50"), count: 2}
	s, err := NewAggregator().Recompute(context.Background(), tx, "u-1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if s.Count != 2 || !s.Average.Equal(decimal.RequireFromString("4.5")) {
		t.Fatalf("unexpected summary %+v", s)
	}
	if len(tx.queries) != 2 || !strings.Contains(tx.queries[0], "FOR UPDATE") {
		t.Fatalf("expected lock before aggregate, got %v", tx.queries)
	}
	if tx.execArgs[0] != "u-1" || tx.execArgs[2] != 2 {
		t.Fatalf("unexpected update args %v", tx.execArgs)
	}
}

func TestRecomputeMissingProfile(t *testing.T) {
	tx := &aggregateTx{lockErr: pgx.ErrNoRows}
	_, err := NewAggregator().Recompute(context.Background(), tx, "ghost")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if tx.execArgs != nil {
		t.Fatalf("no update expected")
	}
}

func TestRecomputeStorageError(t *testing.T) {
	tx := &aggregateTx{lockErr: errors.New("conn reset")}
	_, err := NewAggregator().Recompute(context.Background(), tx, "u-1")
	if !apperr.Is(err, apperr.KindStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}
