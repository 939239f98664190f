// Package proposal guards proposal submission: one proposal per freelancer
// per project, accepted only while the project is open.
package proposal

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
	"gigflow/db"
	"gigflow/notify"
	"gigflow/project"
	"gigflow/telemetry"
)

// ProjectLocker is the slice of the project repository the guard needs.
type ProjectLocker interface {
	Get(ctx context.Context, id string) (project.Project, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (project.Project, error)
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	projects    ProjectLocker
	queue       notify.Queue
	notes       notify.Builder
	idGenerator func() string
}

func NewService(pool db.TxBeginner, repo Repository, projects ProjectLocker, queue notify.Queue) *Service {
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

// Submit records a freelancer's proposal on an open project.
func (s *Service) Submit(ctx context.Context, actor auth.Identity, params SubmitParams) (p Proposal, err error) {
	const op = "proposal: submit"
	ctx, done := telemetry.Track(ctx, op, attribute.String("project_id", params.ProjectID))
	defer func() { done(err) }()

	if actor.Role != auth.RoleFreelancer {
		return Proposal{}, apperr.Forbidden(op, "only freelancers can submit proposals")
	}
	params.CoverLetter = strings.TrimSpace(params.CoverLetter)
	switch {
	case params.ProjectID == "":
		return Proposal{}, apperr.Validation(op, "project id required")
	case params.CoverLetter == "":
		return Proposal{}, apperr.Validation(op, "cover letter required")
	case params.Price.IsNegative():
		return Proposal{}, apperr.Validation(op, "price must not be negative")
	case params.Price.Exponent() < -2:
		return Proposal{}, apperr.Validation(op, "price has more than two decimal places")
	case params.EstimatedDays < 1:
		return Proposal{}, apperr.Validation(op, "estimated days must be at least 1")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	proj, err := s.projects.GetForUpdate(ctx, tx, params.ProjectID)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return Proposal{}, apperr.NotFound(op, "project not found")
		}
		return Proposal{}, apperr.FromDB(op, err)
	}
	if proj.ClientID == actor.UserID {
		return Proposal{}, apperr.Forbidden(op, "cannot bid on your own project")
	}
	if proj.Status != project.StatusOpen {
		return Proposal{}, apperr.Conflict(op, fmt.Sprintf("project is %s, not open for proposals", proj.Status))
	}

	exists, err := s.repo.Exists(ctx, tx, proj.ID, actor.UserID)
	if err != nil {
		return Proposal{}, apperr.FromDB(op, err)
	}
	if exists {
		return Proposal{}, apperr.Conflict(op, "you have already submitted a proposal for this project")
	}

	p, err = s.repo.Insert(ctx, tx, Proposal{
		ID:            s.idGenerator(),
		ProjectID:     proj.ID,
		FreelancerID:  actor.UserID,
		CoverLetter:   params.CoverLetter,
		Price:         params.Price,
		EstimatedDays: params.EstimatedDays,
		Status:        StatusSubmitted,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Proposal{}, apperr.Wrap(apperr.KindConflict, op, err)
		}
		return Proposal{}, apperr.FromDB(op, err)
	}

	batch := []notify.Notification{
		s.notes.New(proj.ClientID, notify.TypeProposal, notify.PriorityMedium, proj.ID,
			fmt.Sprintf("You received a new proposal for your project %q.", proj.Title)),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return Proposal{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, apperr.FromDB(op, err)
	}
	s.queue.Flush(ctx, batch)
	return p, nil
}

// Withdraw lets a freelancer pull a submitted proposal. Awarded proposals
// can only be unwound by revoking the contract.
func (s *Service) Withdraw(ctx context.Context, actor auth.Identity, proposalID string) (p Proposal, err error) {
	const op = "proposal: withdraw"
	ctx, done := telemetry.Track(ctx, op, attribute.String("proposal_id", proposalID))
	defer func() { done(err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proposal{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, proposalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Proposal{}, apperr.NotFound(op, "proposal not found")
		}
		return Proposal{}, apperr.FromDB(op, err)
	}
	if current.FreelancerID != actor.UserID {
		return Proposal{}, apperr.Forbidden(op, "not your proposal")
	}
	if current.Status != StatusSubmitted {
		return Proposal{}, apperr.PreconditionFailed(op, fmt.Sprintf("proposal is %s", current.Status))
	}
	p, err = s.repo.UpdateStatus(ctx, tx, proposalID, StatusWithdrawn)
	if err != nil {
		return Proposal{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Proposal{}, apperr.FromDB(op, err)
	}
	return p, nil
}

// ListForProject shows a project's proposals to its client or an admin.
func (s *Service) ListForProject(ctx context.Context, actor auth.Identity, projectID string) ([]Proposal, error) {
	const op = "proposal: list"
	proj, err := s.projects.Get(ctx, projectID)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return nil, apperr.NotFound(op, "project not found")
		}
		return nil, apperr.FromDB(op, err)
	}
	if !actor.IsAdmin() && proj.ClientID != actor.UserID {
		return nil, apperr.Forbidden(op, "only the project's client can view its proposals")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	out, err := s.repo.ListForProject(ctx, tx, projectID)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return out, nil
}

// Mine lists the acting freelancer's proposals.
func (s *Service) Mine(ctx context.Context, actor auth.Identity) ([]Proposal, error) {
	const op = "proposal: mine"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	out, err := s.repo.ListForFreelancer(ctx, tx, actor.UserID)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return out, nil
}
