package project

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/db/dbtest"
	"gigflow/notify"
)

var (
	clientA = auth.Identity{UserID: "client-a", Role: auth.RoleClient}
	admin   = auth.Identity{UserID: "admin", Role: auth.RoleAdmin}
	worker  = auth.Identity{UserID: "freelancer-a", Role: auth.RoleFreelancer}
)

func TestCreate(t *testing.T) {
	repo := newFakeRepo()
	pool := &dbtest.Pool{}
	svc := NewService(pool, repo, nil).WithIDGenerator(func() string { return "p-1" })

	p, err := svc.Create(context.Background(), clientA, CreateParams{
		Title:       "  Landing page ",
		Description: "Need a landing page",
		BudgetMin:   decimal.RequireFromString("100"),
		BudgetMax:   decimal.RequireFromString("250.50"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID != "p-1" || p.Status != StatusOpen || p.ClientID != clientA.UserID || p.Title != "Landing page" {
		t.Fatalf("unexpected project %+v", p)
	}
	if !pool.Last().Committed {
		t.Fatalf("expected commit")
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(&dbtest.Pool{}, newFakeRepo(), nil)
	cases := []struct {
		name   string
		actor  auth.Identity
		params CreateParams
		want   apperr.Kind
	}{
		{"freelancer", worker, CreateParams{Title: "x", Description: "y"}, apperr.KindForbidden},
		{"no title", clientA, CreateParams{Description: "y"}, apperr.KindValidation},
		{"no description", clientA, CreateParams{Title: "x"}, apperr.KindValidation},
		{"inverted budget", clientA, CreateParams{
			Title: "x", Description: "y",
			BudgetMin: decimal.NewFromInt(500), BudgetMax: decimal.NewFromInt(100),
		}, apperr.KindValidation},
		{"negative budget", clientA, CreateParams{
			Title: "x", Description: "y", BudgetMin: decimal.NewFromInt(-1),
		}, apperr.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(context.Background(), tc.actor, tc.params); !apperr.Is(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}
}

func TestClose(t *testing.T) {
	repo := newFakeRepo()
	repo.put(Project{ID: "p1", ClientID: clientA.UserID, Title: "Site", Status: StatusInProgress})
	queue := &recordingQueue{}
	svc := NewService(&dbtest.Pool{}, repo, queue)

	if _, err := svc.Close(context.Background(), clientA, "p1", StatusClosed); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden for client, got %v", err)
	}
	if _, err := svc.Close(context.Background(), admin, "p1", StatusOpen); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation for open target, got %v", err)
	}
	p, err := svc.Close(context.Background(), admin, "p1", StatusCancelled)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", p.Status)
	}
	if len(queue.flushed) != 1 || queue.flushed[0].UserID != clientA.UserID {
		t.Fatalf("expected client notification, got %+v", queue.flushed)
	}
	if _, err := svc.Close(context.Background(), admin, "p1", StatusClosed); !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Fatalf("expected precondition failure from cancelled, got %v", err)
	}
	if _, err := svc.Close(context.Background(), admin, "nope", StatusClosed); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClose_RefusedWhileContractOpen(t *testing.T) {
	repo := newFakeRepo()
	repo.put(Project{ID: "p1", ClientID: clientA.UserID, Title: "Site", Status: StatusInProgress})
	repo.contracts["p1"] = true
	repo.openContracts["p1"] = true
	pool := &dbtest.Pool{}
	queue := &recordingQueue{}
	svc := NewService(pool, repo, queue)

	for _, status := range []Status{StatusClosed, StatusCancelled} {
		if _, err := svc.Close(context.Background(), admin, "p1", status); !apperr.Is(err, apperr.KindPreconditionFailed) {
			t.Fatalf("close as %s: expected precondition failure, got %v", status, err)
		}
	}
	if got := repo.projects["p1"].Status; got != StatusInProgress {
		t.Fatalf("project status changed to %s", got)
	}
	if pool.Last().Committed || len(queue.flushed) != 0 {
		t.Fatalf("refused close must not commit or notify")
	}

	repo.openContracts["p1"] = false
	p, err := svc.Close(context.Background(), admin, "p1", StatusClosed)
	if err != nil {
		t.Fatalf("close after settlement: %v", err)
	}
	if p.Status != StatusClosed {
		t.Fatalf("expected closed, got %s", p.Status)
	}
}

func TestDelete(t *testing.T) {
	repo := newFakeRepo()
	repo.put(Project{ID: "p1", ClientID: clientA.UserID, Title: "Site", Status: StatusOpen})
	repo.put(Project{ID: "p2", ClientID: clientA.UserID, Title: "App", Status: StatusInProgress})
	repo.contracts["p2"] = true
	svc := NewService(&dbtest.Pool{}, repo, nil)

	if err := svc.Delete(context.Background(), clientA, "p1"); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := svc.Delete(context.Background(), admin, "p2"); !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Fatalf("expected precondition failure with contract, got %v", err)
	}
	if err := svc.Delete(context.Background(), admin, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(context.Background(), "p1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected deleted project to be gone, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusOpen, StatusInProgress, true},
		{StatusInProgress, StatusOpen, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusOpen, StatusCompleted, false},
		{StatusCompleted, StatusOpen, false},
		{StatusClosed, StatusOpen, false},
		{StatusOpen, StatusCancelled, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

type fakeRepo struct {
	projects      map[string]Project
	contracts     map[string]bool
	openContracts map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{projects: map[string]Project{}, contracts: map[string]bool{}, openContracts: map[string]bool{}}
}

func (f *fakeRepo) put(p Project) { f.projects[p.ID] = p }

func (f *fakeRepo) Create(_ context.Context, _ pgx.Tx, p Project) (Project, error) {
	if _, ok := f.projects[p.ID]; ok {
		return Project{}, fmt.Errorf("duplicate id %s", p.ID)
	}
	f.projects[p.ID] = p
	return p, nil
}

func (f *fakeRepo) Get(_ context.Context, id string) (Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (f *fakeRepo) List(_ context.Context, filters Filters) ([]Project, int, error) {
	var out []Project
	for _, p := range f.projects {
		if filters.ClientID == "" || p.ClientID == filters.ClientID {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (Project, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepo) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status Status) (Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	p.Status = status
	f.projects[id] = p
	return p, nil
}

func (f *fakeRepo) HasContract(_ context.Context, _ pgx.Tx, id string) (bool, error) {
	return f.contracts[id], nil
}

func (f *fakeRepo) HasOpenContract(_ context.Context, _ pgx.Tx, id string) (bool, error) {
	return f.openContracts[id], nil
}

func (f *fakeRepo) Delete(_ context.Context, _ pgx.Tx, id string) error {
	if _, ok := f.projects[id]; !ok {
		return ErrNotFound
	}
	delete(f.projects, id)
	return nil
}

type recordingQueue struct {
	flushed []notify.Notification
}

func (q *recordingQueue) Stage(context.Context, pgx.Tx, notify.Notification) error { return nil }

func (q *recordingQueue) Flush(_ context.Context, batch []notify.Notification) {
	q.flushed = append(q.flushed, batch...)
}
