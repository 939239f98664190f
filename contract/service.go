// Package contract runs the award / revoke / complete state machine that ties
// a project to the freelancer whose proposal won it.
package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/db"
	"gigflow/escrow"
	"gigflow/logging"
	"gigflow/notify"
	"gigflow/project"
	"gigflow/proposal"
	"gigflow/telemetry"
)

type ProjectStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (project.Project, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status project.Status) (project.Project, error)
}

type ProposalStore interface {
	Get(ctx context.Context, q db.Querier, id string) (proposal.Proposal, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (proposal.Proposal, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status proposal.Status) (proposal.Proposal, error)
	DeleteForProject(ctx context.Context, tx pgx.Tx, projectID string) (int64, error)
}

// Escrow is the part of the escrow manager that revoke and complete drive.
type Escrow interface {
	LockForContract(ctx context.Context, tx pgx.Tx, contractID string) ([]escrow.Locked, error)
	RefundLocked(ctx context.Context, tx pgx.Tx, l escrow.Locked, reason string) (escrow.Effects, error)
	Apply(ctx context.Context, eff escrow.Effects)
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	projects    ProjectStore
	proposals   ProposalStore
	escrow      Escrow
	queue       notify.Queue
	logger      *zap.Logger
	notes       notify.Builder
	idGenerator func() string
}

func NewService(pool db.TxBeginner, repo Repository, projects ProjectStore, proposals ProposalStore, esc Escrow, queue notify.Queue, logger *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if queue == nil {
		queue = notify.Discard{}
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		projects:    projects,
		proposals:   proposals,
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

// Award turns a submitted proposal into the project's single active
// contract. Concurrent awards on one project serialize on the project row
// lock; losers see Conflict.
func (s *Service) Award(ctx context.Context, actor auth.Identity, proposalID string) (res AwardResult, err error) {
	const op = "contract: award"
	ctx, done := telemetry.Track(ctx, op, attribute.String("proposal_id", proposalID))
	defer func() { done(err) }()

	if proposalID == "" {
		return AwardResult{}, apperr.Validation(op, "proposal id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AwardResult{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	// Project before proposal, the same order Submit and Revoke lock in.
	peek, err := s.proposals.Get(ctx, tx, proposalID)
	if err != nil {
		return AwardResult{}, notFound(op, "proposal", err)
	}
	proj, err := s.projects.GetForUpdate(ctx, tx, peek.ProjectID)
	if err != nil {
		return AwardResult{}, notFound(op, "project", err)
	}
	if proj.ClientID != actor.UserID {
		return AwardResult{}, apperr.Forbidden(op, "only the project's client can award it")
	}

	switch _, err := s.repo.GetByProjectForUpdate(ctx, tx, proj.ID); {
	case err == nil:
		return AwardResult{}, apperr.Conflict(op, "project already has a contract")
	case !errors.Is(err, ErrNotFound):
		return AwardResult{}, apperr.FromDB(op, err)
	}
	if proj.Status != project.StatusOpen {
		return AwardResult{}, apperr.Conflict(op, fmt.Sprintf("project is %s, not open", proj.Status))
	}

	prop, err := s.proposals.GetForUpdate(ctx, tx, proposalID)
	if err != nil {
		return AwardResult{}, notFound(op, "proposal", err)
	}
	if prop.Status != proposal.StatusSubmitted {
		return AwardResult{}, apperr.Conflict(op, fmt.Sprintf("proposal is %s", prop.Status))
	}

	c, err := s.repo.Insert(ctx, tx, Contract{
		ID:           s.idGenerator(),
		ProjectID:    proj.ID,
		ProposalID:   prop.ID,
		ClientID:     proj.ClientID,
		FreelancerID: prop.FreelancerID,
		Status:       StatusActive,
		TotalAmount:  prop.Price,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyAwarded) {
			return AwardResult{}, apperr.Wrap(apperr.KindConflict, op, err)
		}
		return AwardResult{}, apperr.FromDB(op, err)
	}
	if proj, err = s.projects.UpdateStatus(ctx, tx, proj.ID, project.StatusInProgress); err != nil {
		return AwardResult{}, apperr.FromDB(op, err)
	}
	if _, err := s.proposals.UpdateStatus(ctx, tx, prop.ID, proposal.StatusAwarded); err != nil {
		return AwardResult{}, apperr.FromDB(op, err)
	}

	batch := []notify.Notification{
		s.notes.New(c.FreelancerID, notify.TypeContract, notify.PriorityHigh, c.ID,
			fmt.Sprintf("You have been awarded a new contract for %q!", proj.Title)),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return AwardResult{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return AwardResult{}, apperr.FromDB(op, err)
	}
	s.queue.Flush(ctx, batch)

	s.logger.Info("contract awarded",
		zap.String("contract_id", c.ID),
		zap.String("project_id", proj.ID),
		zap.String("freelancer_id", c.FreelancerID),
	)
	return AwardResult{Contract: c, Project: proj}, nil
}

// Revoke undoes an award: escrowed milestones are refunded, the contract and
// every proposal on the project are deleted and the project reopens.
func (s *Service) Revoke(ctx context.Context, actor auth.Identity, projectID string) (res RevokeResult, err error) {
	const op = "contract: revoke"
	ctx, done := telemetry.Track(ctx, op, attribute.String("project_id", projectID))
	defer func() { done(err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RevokeResult{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	proj, err := s.projects.GetForUpdate(ctx, tx, projectID)
	if err != nil {
		return RevokeResult{}, notFound(op, "project", err)
	}
	if proj.ClientID != actor.UserID {
		return RevokeResult{}, apperr.Forbidden(op, "only the project's client can revoke its contract")
	}
	c, err := s.repo.GetByProjectForUpdate(ctx, tx, proj.ID)
	if err != nil {
		return RevokeResult{}, notFound(op, "contract", err)
	}
	if c.Status != StatusActive {
		return RevokeResult{}, apperr.PreconditionFailed(op, fmt.Sprintf("contract is %s", c.Status))
	}
	if !proj.Status.CanTransitionTo(project.StatusOpen) {
		return RevokeResult{}, apperr.PreconditionFailed(op, fmt.Sprintf("project is %s", proj.Status))
	}

	milestones, err := s.escrow.LockForContract(ctx, tx, c.ID)
	if err != nil {
		return RevokeResult{}, err
	}
	for _, m := range milestones {
		if m.PaymentStatus == escrow.PaymentReleased {
			return RevokeResult{}, apperr.PreconditionFailed(op,
				fmt.Sprintf("milestone %q was already paid out", m.Title))
		}
	}

	res = RevokeResult{ProjectID: proj.ID, ContractID: c.ID}
	var eff escrow.Effects
	for _, m := range milestones {
		if m.PaymentStatus != escrow.PaymentInEscrow {
			continue
		}
		refund, err := s.escrow.RefundLocked(ctx, tx, m, "contract revoked")
		if err != nil {
			return RevokeResult{}, err
		}
		eff.Merge(refund)
		res.RefundedMilestones = append(res.RefundedMilestones, m.ID)
	}

	if err := s.repo.Delete(ctx, tx, c.ID); err != nil {
		return RevokeResult{}, notFound(op, "contract", err)
	}
	if res.DeletedProposals, err = s.proposals.DeleteForProject(ctx, tx, proj.ID); err != nil {
		return RevokeResult{}, apperr.FromDB(op, err)
	}
	if _, err := s.projects.UpdateStatus(ctx, tx, proj.ID, project.StatusOpen); err != nil {
		return RevokeResult{}, apperr.FromDB(op, err)
	}

	batch := []notify.Notification{
		s.notes.New(c.FreelancerID, notify.TypeContract, notify.PriorityHigh, proj.ID,
			fmt.Sprintf("Your contract for %q has been revoked by the client.", proj.Title)),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return RevokeResult{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return RevokeResult{}, apperr.FromDB(op, err)
	}

	s.escrow.Apply(ctx, eff)
	s.queue.Flush(ctx, batch)
	s.logger.Info("contract revoked",
		zap.String("contract_id", c.ID),
		zap.String("project_id", proj.ID),
		zap.Int("refunded_milestones", len(res.RefundedMilestones)),
		zap.Int64("deleted_proposals", res.DeletedProposals),
	)
	return res, nil
}

// Complete closes an active contract whose milestones are all settled.
func (s *Service) Complete(ctx context.Context, actor auth.Identity, contractID string) (c Contract, err error) {
	const op = "contract: complete"
	ctx, done := telemetry.Track(ctx, op, attribute.String("contract_id", contractID))
	defer func() { done(err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.Get(ctx, tx, contractID)
	if err != nil {
		return Contract{}, notFound(op, "contract", err)
	}
	if !actor.IsAdmin() && actor.UserID != current.ClientID {
		return Contract{}, apperr.Forbidden(op, "only the client or an administrator can complete a contract")
	}
	proj, err := s.projects.GetForUpdate(ctx, tx, current.ProjectID)
	if err != nil {
		return Contract{}, notFound(op, "project", err)
	}
	if current, err = s.repo.GetForUpdate(ctx, tx, contractID); err != nil {
		return Contract{}, notFound(op, "contract", err)
	}
	if current.Status != StatusActive {
		return Contract{}, apperr.PreconditionFailed(op, fmt.Sprintf("contract is %s", current.Status))
	}

	milestones, err := s.escrow.LockForContract(ctx, tx, current.ID)
	if err != nil {
		return Contract{}, err
	}
	unsettled := 0
	for _, m := range milestones {
		if !m.PaymentStatus.Settled() {
			unsettled++
		}
	}
	if unsettled > 0 {
		return Contract{}, apperr.PreconditionFailed(op, fmt.Sprintf("%d milestone(s) are not yet released or refunded", unsettled))
	}
	if !proj.Status.CanTransitionTo(project.StatusCompleted) {
		return Contract{}, apperr.PreconditionFailed(op, fmt.Sprintf("project is %s", proj.Status))
	}

	if c, err = s.repo.UpdateStatus(ctx, tx, current.ID, StatusCompleted); err != nil {
		return Contract{}, apperr.FromDB(op, err)
	}
	if _, err := s.projects.UpdateStatus(ctx, tx, proj.ID, project.StatusCompleted); err != nil {
		return Contract{}, apperr.FromDB(op, err)
	}

	content := fmt.Sprintf("The contract for %q is complete. You can now leave a review.", proj.Title)
	batch := []notify.Notification{
		s.notes.New(c.ClientID, notify.TypeContract, notify.PriorityMedium, c.ID, content),
		s.notes.New(c.FreelancerID, notify.TypeContract, notify.PriorityMedium, c.ID, content),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return Contract{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Contract{}, apperr.FromDB(op, err)
	}
	s.queue.Flush(ctx, batch)
	return c, nil
}

// Get returns a contract to one of its parties or an admin.
func (s *Service) Get(ctx context.Context, actor auth.Identity, contractID string) (Contract, error) {
	return s.read(ctx, actor, "contract: get", func(q db.Querier) (Contract, error) {
		return s.repo.Get(ctx, q, contractID)
	})
}

// ForProject returns the project's current contract.
func (s *Service) ForProject(ctx context.Context, actor auth.Identity, projectID string) (Contract, error) {
	return s.read(ctx, actor, "contract: for project", func(q db.Querier) (Contract, error) {
		return s.repo.GetByProject(ctx, q, projectID)
	})
}

// Mine lists every contract the actor is a party to.
func (s *Service) Mine(ctx context.Context, actor auth.Identity) ([]Contract, error) {
	const op = "contract: mine"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	out, err := s.repo.ListForUser(ctx, tx, actor.UserID)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return out, nil
}

func (s *Service) read(ctx context.Context, actor auth.Identity, op string, load func(db.Querier) (Contract, error)) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	c, err := load(tx)
	if err != nil {
		return Contract{}, notFound(op, "contract", err)
	}
	if !actor.IsAdmin() && !c.Party(actor) {
		return Contract{}, apperr.Forbidden(op, "not a party to this contract")
	}
	return c, nil
}

func notFound(op, what string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, project.ErrNotFound) || errors.Is(err, proposal.ErrNotFound) {
		return apperr.NotFound(op, what+" not found")
	}
	return apperr.FromDB(op, err)
}
