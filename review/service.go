// Package review accepts reviews on completed contracts and keeps the
// reviewee's cached rating in step within the same transaction.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/contract"
	"gigflow/db"
	"gigflow/notify"
	"gigflow/rating"
	"gigflow/telemetry"
)

type ContractReader interface {
	Get(ctx context.Context, q db.Querier, id string) (contract.Contract, error)
}

type RatingAggregator interface {
	Recompute(ctx context.Context, tx pgx.Tx, revieweeID string) (rating.Summary, error)
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	contracts   ContractReader
	ratings     RatingAggregator
	queue       notify.Queue
	notes       notify.Builder
	idGenerator func() string
}

func NewService(pool db.TxBeginner, repo Repository, contracts ContractReader, ratings RatingAggregator, queue notify.Queue) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if ratings == nil {
		ratings = rating.NewAggregator()
	}
	if queue == nil {
		queue = notify.Discard{}
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		contracts:   contracts,
		ratings:     ratings,
		queue:       queue,
		notes:       notify.NewBuilder(),
		idGenerator: uuid.NewString,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	s.notes.NewID = gen
	return s
}

// Result carries the stored review and the reviewee's refreshed aggregate.
type Result struct {
	Review  Review
	Summary rating.Summary
}

func (s *Service) Submit(ctx context.Context, actor auth.Identity, params SubmitParams) (res Result, err error) {
	const op = "review: submit"
	ctx, done := telemetry.Track(ctx, op, attribute.String("contract_id", params.ContractID))
	defer func() { done(err) }()

	if err := validate(params); err != nil {
		return Result{}, apperr.Validation(op, err.Error())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.Get(ctx, tx, params.ContractID)
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			return Result{}, apperr.NotFound(op, "contract not found")
		}
		return Result{}, apperr.FromDB(op, err)
	}
	if !c.Party(actor) {
		return Result{}, apperr.Forbidden(op, "only the contract's parties can review it")
	}
	if c.Status != contract.StatusCompleted {
		return Result{}, apperr.PreconditionFailed(op, fmt.Sprintf("contract is %s, reviews open once it is completed", c.Status))
	}

	reviewee := params.RevieweeID
	if reviewee == "" {
		reviewee = c.Counterparty(actor.UserID)
	}
	switch {
	case reviewee == actor.UserID:
		return Result{}, apperr.Validation(op, "you cannot review yourself")
	case reviewee != c.Counterparty(actor.UserID):
		return Result{}, apperr.Validation(op, "reviewee must be the other party to the contract")
	}

	exists, err := s.repo.Exists(ctx, tx, c.ID, actor.UserID)
	if err != nil {
		return Result{}, apperr.FromDB(op, err)
	}
	if exists {
		return Result{}, apperr.Conflict(op, "you have already reviewed this contract")
	}

	public := true
	if params.Public != nil {
		public = *params.Public
	}
	rv, err := s.repo.Insert(ctx, tx, Review{
		ID:         s.idGenerator(),
		ContractID: c.ID,
		ReviewerID: actor.UserID,
		RevieweeID: reviewee,
		Rating:     params.Rating,
		SubRatings: params.SubRatings,
		Comment:    strings.TrimSpace(params.Comment),
		Public:     public,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Result{}, apperr.Wrap(apperr.KindConflict, op, err)
		}
		return Result{}, apperr.FromDB(op, err)
	}

	summary, err := s.ratings.Recompute(ctx, tx, reviewee)
	if err != nil {
		return Result{}, err
	}

	batch := []notify.Notification{
		s.notes.New(reviewee, notify.TypeReview, notify.PriorityMedium, c.ID,
			fmt.Sprintf("You received a new %d-star review.", params.Rating)),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return Result{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, apperr.FromDB(op, err)
	}
	s.queue.Flush(ctx, batch)
	return Result{Review: rv, Summary: summary}, nil
}

// ForUser lists reviews a user received. Private reviews are shown to the
// reviewee and admins only.
func (s *Service) ForUser(ctx context.Context, actor auth.Identity, revieweeID string) ([]Review, error) {
	const op = "review: list"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	publicOnly := !actor.IsAdmin() && actor.UserID != revieweeID
	out, err := s.repo.ListForReviewee(ctx, tx, revieweeID, publicOnly)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return out, nil
}

func validate(p SubmitParams) error {
	if p.ContractID == "" {
		return errors.New("contract id required")
	}
	if p.Rating < 1 || p.Rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5, got %d", p.Rating)
	}
	if len(p.Comment) > 5000 {
		return errors.New("comment too long")
	}
	var bad []string
	p.SubRatings.each(func(name string, v *int) {
		if v != nil && (*v < 1 || *v > 5) {
			bad = append(bad, name)
		}
	})
	if len(bad) > 0 {
		return fmt.Errorf("sub-ratings must be between 1 and 5: %s", strings.Join(bad, ", "))
	}
	return nil
}
