package profile

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gigflow/apperr"
	"gigflow/logging"
	"gigflow/metrics"
)

// Reader abstracts repository reads for the service.
type Reader interface {
	GetByID(ctx context.Context, userID string) (Profile, error)
	TopRated(ctx context.Context, role string, limit int) ([]Profile, error)
}

// CacheWriter applies post-commit increments to cached totals.
type CacheWriter interface {
	AddSpent(ctx context.Context, userID string, amount decimal.Decimal) error
	AddEarnings(ctx context.Context, userID string, amount decimal.Decimal) error
}

// Service exposes profile reads.
type Service struct {
	repo Reader
}

func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, userID string) (Profile, error) {
	p, err := s.repo.GetByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Profile{}, apperr.NotFound("profile: get", "profile not found")
	}
	return p, err
}

func (s *Service) TopRated(ctx context.Context, role string, limit int) ([]Profile, error) {
	return s.repo.TopRated(ctx, role, limit)
}

// Totals applies the cached spend/earnings increments for a settled payment.
// Failures are logged and counted, never returned: the ledger stays the
// source of truth and the reconciler repairs drift.
type Totals struct {
	cache  CacheWriter
	logger *zap.Logger
}

func NewTotals(cache CacheWriter, logger *zap.Logger) *Totals {
	return &Totals{cache: cache, logger: logging.OrNop(logger)}
}

func (t *Totals) Settle(ctx context.Context, clientID, freelancerID string, amount decimal.Decimal) {
	if t == nil || t.cache == nil {
		return
	}
	if err := t.cache.AddSpent(ctx, clientID, amount); err != nil {
		metrics.CacheUpdateFailures.WithLabelValues("total_spent").Inc()
		t.logger.Warn("update client total_spent failed",
			zap.String("user_id", clientID),
			zap.String("amount", amount.StringFixed(2)),
			zap.Error(err),
		)
	}
	if err := t.cache.AddEarnings(ctx, freelancerID, amount); err != nil {
		metrics.CacheUpdateFailures.WithLabelValues("total_earnings").Inc()
		t.logger.Warn("update freelancer total_earnings failed",
			zap.String("user_id", freelancerID),
			zap.String("amount", amount.StringFixed(2)),
			zap.Error(err),
		)
	}
}
