// Package dispute freezes a contract while a disagreement is reviewed and
// lets an administrator settle its escrow one way or the other.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/contract"
	"gigflow/db"
	"gigflow/escrow"
	"gigflow/logging"
	"gigflow/notify"
	"gigflow/project"
	"gigflow/telemetry"
)

type ContractStore interface {
	Get(ctx context.Context, q db.Querier, id string) (contract.Contract, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (contract.Contract, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status contract.Status) (contract.Contract, error)
}

type ProjectStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (project.Project, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status project.Status) (project.Project, error)
}

type Escrow interface {
	LockForContract(ctx context.Context, tx pgx.Tx, contractID string) ([]escrow.Locked, error)
	ReleaseLocked(ctx context.Context, tx pgx.Tx, l escrow.Locked) (escrow.Effects, error)
	RefundLocked(ctx context.Context, tx pgx.Tx, l escrow.Locked, reason string) (escrow.Effects, error)
	Apply(ctx context.Context, eff escrow.Effects)
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	contracts   ContractStore
	projects    ProjectStore
	escrow      Escrow
	queue       notify.Queue
	logger      *zap.Logger
	notes       notify.Builder
	idGenerator func() string
}

func NewService(pool db.TxBeginner, repo Repository, contracts ContractStore, projects ProjectStore, esc Escrow, queue notify.Queue, logger *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if queue == nil {
		queue = notify.Discard{}
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		contracts:   contracts,
		projects:    projects,
		escrow:      esc,
		queue:       queue,
		logger:      logging.OrNop(logger),
		notes:       notify.NewBuilder(),
		idGenerator: uuid.NewString,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	s.notes.NewID = gen
	return s
}

// Open moves an active contract to disputed. While disputed no milestone can
// be funded or added and the contract cannot be revoked or completed.
func (s *Service) Open(ctx context.Context, actor auth.Identity, contractID, reason string) (d Dispute, err error) {
	const op = "dispute: open"
	ctx, done := telemetry.Track(ctx, op, attribute.String("contract_id", contractID))
	defer func() { done(err) }()

	reason = strings.TrimSpace(reason)
	switch {
	case contractID == "":
		return Dispute{}, apperr.Validation(op, "contract id required")
	case reason == "":
		return Dispute{}, apperr.Validation(op, "a reason is required")
	case len(reason) > 2000:
		return Dispute{}, apperr.Validation(op, "reason too long")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.GetForUpdate(ctx, tx, contractID)
	if err != nil {
		return Dispute{}, notFound(op, "contract", err)
	}
	if !c.Party(actor) {
		return Dispute{}, apperr.Forbidden(op, "only the contract's parties can open a dispute")
	}
	switch c.Status {
	case contract.StatusActive:
	case contract.StatusDisputed:
		return Dispute{}, apperr.Conflict(op, "contract is already under dispute")
	default:
		return Dispute{}, apperr.PreconditionFailed(op, fmt.Sprintf("contract is %s", c.Status))
	}

	d, err = s.repo.Insert(ctx, tx, Dispute{
		ID:         s.idGenerator(),
		ContractID: c.ID,
		OpenedBy:   actor.UserID,
		Reason:     reason,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyOpen) {
			return Dispute{}, apperr.Wrap(apperr.KindConflict, op, err)
		}
		return Dispute{}, apperr.FromDB(op, err)
	}
	if _, err := s.contracts.UpdateStatus(ctx, tx, c.ID, contract.StatusDisputed); err != nil {
		return Dispute{}, apperr.FromDB(op, err)
	}

	batch := []notify.Notification{
		s.notes.New(c.Counterparty(actor.UserID), notify.TypeDispute, notify.PriorityHigh, c.ID,
			"A dispute has been opened on your contract. Funding is paused until an administrator reviews it."),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return Dispute{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, apperr.FromDB(op, err)
	}
	s.queue.Flush(ctx, batch)
	s.logger.Info("dispute opened", zap.String("dispute_id", d.ID), zap.String("contract_id", c.ID))
	return d, nil
}

// Resolve closes a dispute with the administrator's outcome. Locks are taken
// project, contract, milestones, dispute, the same order Revoke and Complete
// use.
func (s *Service) Resolve(ctx context.Context, actor auth.Identity, disputeID string, outcome Outcome, note string) (res ResolveResult, err error) {
	const op = "dispute: resolve"
	ctx, done := telemetry.Track(ctx, op,
		attribute.String("dispute_id", disputeID),
		attribute.String("outcome", string(outcome)),
	)
	defer func() { done(err) }()

	if !actor.IsAdmin() {
		return ResolveResult{}, apperr.Forbidden(op, "only administrators can resolve disputes")
	}
	if !outcome.Valid() {
		return ResolveResult{}, apperr.Validation(op, fmt.Sprintf("unknown outcome %q", outcome))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ResolveResult{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.Get(ctx, tx, disputeID)
	if err != nil {
		return ResolveResult{}, notFound(op, "dispute", err)
	}
	c, err := s.contracts.Get(ctx, tx, d.ContractID)
	if err != nil {
		return ResolveResult{}, notFound(op, "contract", err)
	}
	proj, err := s.projects.GetForUpdate(ctx, tx, c.ProjectID)
	if err != nil {
		return ResolveResult{}, notFound(op, "project", err)
	}
	if c, err = s.contracts.GetForUpdate(ctx, tx, c.ID); err != nil {
		return ResolveResult{}, notFound(op, "contract", err)
	}
	milestones, err := s.escrow.LockForContract(ctx, tx, c.ID)
	if err != nil {
		return ResolveResult{}, err
	}
	if d, err = s.repo.GetForUpdate(ctx, tx, disputeID); err != nil {
		return ResolveResult{}, notFound(op, "dispute", err)
	}
	if d.Status != StatusUnderReview {
		return ResolveResult{}, apperr.Conflict(op, "dispute is already resolved")
	}
	if c.Status != contract.StatusDisputed {
		return ResolveResult{}, apperr.PreconditionFailed(op, fmt.Sprintf("contract is %s", c.Status))
	}

	var eff escrow.Effects
	next := contract.StatusActive
	for _, m := range milestones {
		if m.PaymentStatus != escrow.PaymentInEscrow {
			continue
		}
		switch outcome {
		case OutcomeRelease:
			e, err := s.escrow.ReleaseLocked(ctx, tx, m)
			if err != nil {
				return ResolveResult{}, err
			}
			eff.Merge(e)
			res.Released = append(res.Released, m.ID)
		case OutcomeRefund:
			e, err := s.escrow.RefundLocked(ctx, tx, m, "dispute resolved")
			if err != nil {
				return ResolveResult{}, err
			}
			eff.Merge(e)
			res.Refunded = append(res.Refunded, m.ID)
		}
	}
	if outcome == OutcomeRefund {
		next = contract.StatusCancelled
		if !proj.Status.CanTransitionTo(project.StatusCancelled) {
			return ResolveResult{}, apperr.PreconditionFailed(op, fmt.Sprintf("project is %s", proj.Status))
		}
		if _, err := s.projects.UpdateStatus(ctx, tx, proj.ID, project.StatusCancelled); err != nil {
			return ResolveResult{}, apperr.FromDB(op, err)
		}
	}
	if res.Contract, err = s.contracts.UpdateStatus(ctx, tx, c.ID, next); err != nil {
		return ResolveResult{}, apperr.FromDB(op, err)
	}
	if res.Dispute, err = s.repo.Resolve(ctx, tx, d.ID, outcome, strings.TrimSpace(note), actor.UserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ResolveResult{}, apperr.Conflict(op, "dispute is already resolved")
		}
		return ResolveResult{}, apperr.FromDB(op, err)
	}

	content := fmt.Sprintf("The dispute on %q was resolved: %s.", proj.Title, describe(outcome))
	batch := []notify.Notification{
		s.notes.New(c.ClientID, notify.TypeDispute, notify.PriorityHigh, c.ID, content),
		s.notes.New(c.FreelancerID, notify.TypeDispute, notify.PriorityHigh, c.ID, content),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return ResolveResult{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return ResolveResult{}, apperr.FromDB(op, err)
	}

	s.escrow.Apply(ctx, eff)
	s.queue.Flush(ctx, batch)
	s.logger.Info("dispute resolved",
		zap.String("dispute_id", d.ID),
		zap.String("contract_id", c.ID),
		zap.String("outcome", string(outcome)),
		zap.Int("released", len(res.Released)),
		zap.Int("refunded", len(res.Refunded)),
	)
	return res, nil
}

// ForContract lists a contract's disputes to its parties or an admin.
func (s *Service) ForContract(ctx context.Context, actor auth.Identity, contractID string) ([]Dispute, error) {
	const op = "dispute: list"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	c, err := s.contracts.Get(ctx, tx, contractID)
	if err != nil {
		return nil, notFound(op, "contract", err)
	}
	if !actor.IsAdmin() && !c.Party(actor) {
		return nil, apperr.Forbidden(op, "not a party to this contract")
	}
	out, err := s.repo.ListForContract(ctx, tx, contractID)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return out, nil
}

// Queue lists open disputes, oldest first, for administrators.
func (s *Service) Queue(ctx context.Context, actor auth.Identity, limit int) ([]Dispute, error) {
	const op = "dispute: queue"
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden(op, "administrators only")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	out, err := s.repo.ListOpen(ctx, tx, limit)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return out, nil
}

func describe(o Outcome) string {
	switch o {
	case OutcomeRelease:
		return "escrowed funds were released to the freelancer"
	case OutcomeRefund:
		return "escrowed funds were refunded and the contract was cancelled"
	}
	return "work resumes under the existing contract"
}

func notFound(op, what string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, contract.ErrNotFound) || errors.Is(err, project.ErrNotFound) {
		return apperr.NotFound(op, what+" not found")
	}
	return apperr.FromDB(op, err)
}
