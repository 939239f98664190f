// Package project owns project creation and administrative closure. Award,
// revoke and completion move project status from the contract package.
package project

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/db"
	"gigflow/notify"
	"gigflow/telemetry"
)

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	queue       notify.Queue
	notes       notify.Builder
	idGenerator func() string
}

func NewService(pool db.TxBeginner, repo Repository, queue notify.Queue) *Service {
	if queue == nil {
		queue = notify.Discard{}
	}
	return &Service{
		pool:        pool,
		repo:        repo,
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

func (s *Service) Create(ctx context.Context, actor auth.Identity, params CreateParams) (p Project, err error) {
	const op = "project: create"
	ctx, done := telemetry.Track(ctx, op)
	defer func() { done(err) }()

	if actor.Role != auth.RoleClient {
		return Project{}, apperr.Forbidden(op, "only clients can post projects")
	}
	params.Title = strings.TrimSpace(params.Title)
	params.Description = strings.TrimSpace(params.Description)
	switch {
	case params.Title == "":
		return Project{}, apperr.Validation(op, "title required")
	case len(params.Title) > 200:
		return Project{}, apperr.Validation(op, "title too long")
	case params.Description == "":
		return Project{}, apperr.Validation(op, "description required")
	case params.BudgetMin.IsNegative() || params.BudgetMax.IsNegative():
		return Project{}, apperr.Validation(op, "budget must not be negative")
	case params.BudgetMin.GreaterThan(params.BudgetMax):
		return Project{}, apperr.Validation(op, "budget minimum exceeds maximum")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Project{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	p, err = s.repo.Create(ctx, tx, Project{
		ID:          s.idGenerator(),
		ClientID:    actor.UserID,
		Title:       params.Title,
		Description: params.Description,
		CategoryID:  strings.TrimSpace(params.CategoryID),
		BudgetMin:   params.BudgetMin.Round(2),
		BudgetMax:   params.BudgetMax.Round(2),
		Status:      StatusOpen,
	})
	if err != nil {
		return Project{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Project{}, apperr.FromDB(op, err)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (Project, error) {
	p, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Project{}, apperr.NotFound("project: get", "project not found")
	}
	if err != nil {
		return Project{}, apperr.FromDB("project: get", err)
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, apperr.FromDB("project: list", err)
	}
	return ListResult{Items: items, Total: total}, nil
}

// Close moves an open or in-progress project to closed or cancelled. It is
// refused while an active or disputed contract holds the project.
func (s *Service) Close(ctx context.Context, actor auth.Identity, projectID string, status Status) (p Project, err error) {
	const op = "project: close"
	ctx, done := telemetry.Track(ctx, op, attribute.String("project_id", projectID))
	defer func() { done(err) }()

	if !actor.IsAdmin() {
		return Project{}, apperr.Forbidden(op, "only administrators can close projects")
	}
	if status != StatusClosed && status != StatusCancelled {
		return Project{}, apperr.Validation(op, fmt.Sprintf("cannot close a project as %q", status))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Project{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, projectID)
	if err != nil {
		return Project{}, notFound(op, err)
	}
	if !current.Status.CanTransitionTo(status) {
		return Project{}, apperr.PreconditionFailed(op, fmt.Sprintf("project is %s", current.Status))
	}
	unsettled, err := s.repo.HasOpenContract(ctx, tx, projectID)
	if err != nil {
		return Project{}, apperr.FromDB(op, err)
	}
	if unsettled {
		return Project{}, apperr.PreconditionFailed(op, "project has an unsettled contract; revoke or resolve it before closing")
	}
	p, err = s.repo.UpdateStatus(ctx, tx, projectID, status)
	if err != nil {
		return Project{}, notFound(op, err)
	}

	batch := []notify.Notification{
		s.notes.New(p.ClientID, notify.TypeProject, notify.PriorityMedium, p.ID,
			fmt.Sprintf("Your project %q was %s by an administrator.", p.Title, status)),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return Project{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Project{}, apperr.FromDB(op, err)
	}
	s.queue.Flush(ctx, batch)
	return p, nil
}

// Delete removes a project and its proposals. A project that still has a
// contract must be revoked first so escrowed funds are refunded.
func (s *Service) Delete(ctx context.Context, actor auth.Identity, projectID string) (err error) {
	const op = "project: delete"
	ctx, done := telemetry.Track(ctx, op, attribute.String("project_id", projectID))
	defer func() { done(err) }()

	if !actor.IsAdmin() {
		return apperr.Forbidden(op, "only administrators can delete projects")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.GetForUpdate(ctx, tx, projectID)
	if err != nil {
		return notFound(op, err)
	}
	hasContract, err := s.repo.HasContract(ctx, tx, projectID)
	if err != nil {
		return apperr.FromDB(op, err)
	}
	if hasContract {
		return apperr.PreconditionFailed(op, "project has a contract; revoke it before deleting")
	}
	if err := s.repo.Delete(ctx, tx, projectID); err != nil {
		return notFound(op, err)
	}

	batch := []notify.Notification{
		s.notes.New(p.ClientID, notify.TypeProject, notify.PriorityMedium, "",
			fmt.Sprintf("Your project %q was removed by an administrator.", p.Title)),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.FromDB(op, err)
	}
	s.queue.Flush(ctx, batch)
	return nil
}

func notFound(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound(op, "project not found")
	}
	return apperr.FromDB(op, err)
}
