package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"gigflow/apperr"
)

type stubReader struct {
	profile Profile
	err     error
}

func (s *stubReader) GetByID(context.Context, string) (Profile, error) { return s.profile, s.err }

func (s *stubReader) TopRated(context.Context, string, int) ([]Profile, error) {
	return []Profile{s.profile}, s.err
}

func TestServiceGetMapsNotFound(t *testing.T) {
	svc := NewService(&stubReader{err: ErrNotFound})
	_, err := svc.Get(context.Background(), "missing")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

type recordingCache struct {
	spent    map[string]decimal.Decimal
	earned   map[string]decimal.Decimal
	spentErr error
}

func (r *recordingCache) AddSpent(_ context.Context, id string, amt decimal.Decimal) error {
	if r.spentErr != nil {
		return r.spentErr
	}
	r.spent[id] = r.spent[id].Add(amt)
	return nil
}

func (r *recordingCache) AddEarnings(_ context.Context, id string, amt decimal.Decimal) error {
	r.earned[id] = r.earned[id].Add(amt)
	return nil
}

func TestTotalsSettle(t *testing.T) {
	cache := &recordingCache{spent: map[string]decimal.Decimal{}, earned: map[string]decimal.Decimal{}}
	totals := NewTotals(cache, nil)

	totals.Settle(context.Background(), "client", "freelancer", decimal.RequireFromString("200.00"))

	if !cache.spent["client"].Equal(decimal.RequireFromString("200")) {
		t.Errorf("expected client spent 200, got %s", cache.spent["client"])
	}
	if !cache.earned["freelancer"].Equal(decimal.RequireFromString("200")) {
		t.Errorf("expected freelancer earnings 200, got %s", cache.earned["freelancer"])
	}
}

func TestTotalsSettleSwallowsFailures(t *testing.T) {
	cache := &recordingCache{
		spent:    map[string]decimal.Decimal{},
		earned:   map[string]decimal.Decimal{},
		spentErr: errors.New("connection reset"),
	}
	NewTotals(cache, nil).Settle(context.Background(), "client", "freelancer", decimal.NewFromInt(50))

	if !cache.earned["freelancer"].Equal(decimal.NewFromInt(50)) {
		t.Fatalf("earnings update must still run after spent failure")
	}

	var nilTotals *Totals
	nilTotals.Settle(context.Background(), "a", "b", decimal.NewFromInt(1))
}
