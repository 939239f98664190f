package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/contract"
	"gigflow/dispute"
	"gigflow/escrow"
	"gigflow/ledger"
	"gigflow/notify"
	"gigflow/outbox"
	"gigflow/profile"
	"gigflow/project"
	"gigflow/proposal"
	"gigflow/rating"
	"gigflow/review"
)

// Marketplace bundles the services the actors drive, wired the same way the
// API server wires them.
type Marketplace struct {
	Accounts  *auth.Service
	Projects  *project.Service
	Proposals *proposal.Service
	Contracts *contract.Service
	Escrow    *escrow.Service
	Reviews   *review.Service
	Disputes  *dispute.Service
	Relay     *outbox.Relay

	pool *pgxpool.Pool
}

// NewMarketplace wires every lifecycle service against pool. Notifications go
// through the outbox to a sink that fails at the given rate.
func NewMarketplace(pool *pgxpool.Pool, failRate float64, logger *zap.Logger) *Marketplace {
	store := outbox.NewRepository(pool)
	sink := &FlakyNotifier{FailRate: failRate}
	queue := outbox.NewQueue(store, sink, logger)

	projectRepo := project.NewRepository(pool)
	proposalRepo := proposal.NewRepository()
	contractRepo := contract.NewRepository()
	profileRepo := profile.NewRepository(pool)

	esc := escrow.NewService(pool, escrow.NewRepository(), ledger.NewRecorder(), queue,
		profile.NewTotals(profileRepo, logger), logger)

	return &Marketplace{
		Accounts:  auth.NewService(auth.NewRepository(pool), "stress-secret"),
		Projects:  project.NewService(pool, projectRepo, queue),
		Proposals: proposal.NewService(pool, proposalRepo, projectRepo, queue),
		Contracts: contract.NewService(pool, contractRepo, projectRepo, proposalRepo, esc, queue, logger),
		Escrow:    esc,
		Reviews:   review.NewService(pool, review.NewRepository(), contractRepo, rating.NewAggregator(), queue),
		Disputes:  dispute.NewService(pool, dispute.NewRepository(), contractRepo, projectRepo, esc, queue, logger),
		Relay:     outbox.NewRelay(store, sink, logger).WithBatchSize(25).WithMaxRetries(50),
		pool:      pool,
	}
}

// Cast is the set of users one lifecycle actor plays.
type Cast struct {
	Client      auth.Identity
	Freelancers []auth.Identity
	Admin       auth.Identity
}

// NewCast registers a client and n freelancers through the account service and
// inserts an administrator directly, since admins cannot self-register.
func (m *Marketplace) NewCast(ctx context.Context, n int) (Cast, error) {
	register := func(role auth.Role) (auth.Identity, error) {
		u, err := m.Accounts.Register(ctx, auth.RegisterRequest{
			Email:    fmt.Sprintf("%s-%s@stress.test", role, uuid.NewString()),
			Password: "stress-password",
			FullName: "Stress " + string(role),
			Role:     role,
		})
		if err != nil {
			return auth.Identity{}, fmt.Errorf("register %s: %w", role, err)
		}
		return u.Identity(), nil
	}

	var c Cast
	var err error
	if c.Client, err = register(auth.RoleClient); err != nil {
		return Cast{}, err
	}
	for i := 0; i < n; i++ {
		f, err := register(auth.RoleFreelancer)
		if err != nil {
			return Cast{}, err
		}
		c.Freelancers = append(c.Freelancers, f)
	}

	adminID := uuid.NewString()
	if _, err := m.pool.Exec(ctx, `INSERT INTO users (id, email, full_name, password_hash, role) VALUES ($1, $2, 'Stress admin', 'x', 'admin')`,
		adminID, "admin-"+adminID+"@stress.test"); err != nil {
		return Cast{}, fmt.Errorf("seed admin: %w", err)
	}
	if _, err := m.pool.Exec(ctx, `INSERT INTO profiles (user_id, role) VALUES ($1, 'admin')`, adminID); err != nil {
		return Cast{}, fmt.Errorf("seed admin profile: %w", err)
	}
	c.Admin = auth.Identity{UserID: adminID, Role: auth.RoleAdmin}
	return c, nil
}

// Lifecycle plays full project lifecycles back to back. Every step that has a
// single winner is raced by several goroutines.
func Lifecycle(ctx context.Context, m *Marketplace, cast Cast, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := playRound(ctx, m, cast, rng); err != nil {
			return err
		}
		time.Sleep(time.Duration(10+rng.Intn(20)) * time.Millisecond)
	}
}

// FlakyNotifier drops a share of deliveries with an error so the relay has
// something to retry.
type FlakyNotifier struct {
	FailRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func (f *FlakyNotifier) Enqueue(context.Context, notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rng == nil {
		f.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if f.rng.Float64() < f.FailRate {
		return errors.New("sink unavailable")
	}
	return nil
}

// RelayWorker sweeps the outbox until stopped.
func RelayWorker(ctx context.Context, m *Marketplace, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		// Failed sweeps leave rows claimed until the lease expires.
		_, _ = m.Relay.RunOnce(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

var errRoundAborted = errors.New("round aborted")

func playRound(ctx context.Context, m *Marketplace, cast Cast, rng *rand.Rand) error {
	err := round(ctx, m, cast, rng)
	if errors.Is(err, errRoundAborted) {
		return nil
	}
	return err
}

func round(ctx context.Context, m *Marketplace, cast Cast, rng *rand.Rand) error {
	client := cast.Client
	proj, err := m.Projects.Create(ctx, client, project.CreateParams{
		Title:       fmt.Sprintf("stress project %d", rng.Int63()),
		Description: "exercise the contract lifecycle",
		BudgetMin:   decimal.NewFromInt(100),
		BudgetMax:   decimal.NewFromInt(1000),
	})
	if err := settle("create project", err); err != nil {
		return err
	}

	// Each freelancer bids twice at once; only one bid per freelancer may land.
	var (
		mu        sync.Mutex
		proposals []proposal.Proposal
	)
	if err := race(ctx, len(cast.Freelancers)*2, func(ctx context.Context, i int) error {
		p, err := m.Proposals.Submit(ctx, cast.Freelancers[i/2], proposal.SubmitParams{
			ProjectID:     proj.ID,
			CoverLetter:   "I can do this",
			Price:         decimal.NewFromInt(200),
			EstimatedDays: 5,
		})
		if err == nil {
			mu.Lock()
			proposals = append(proposals, p)
			mu.Unlock()
		}
		return expect("submit proposal", err, apperr.KindConflict)
	}); err != nil {
		return err
	}
	if len(proposals) == 0 {
		return errRoundAborted
	}

	// Award every proposal concurrently; one contract at most.
	var awarded *contract.Contract
	if err := race(ctx, len(proposals), func(ctx context.Context, i int) error {
		res, err := m.Contracts.Award(ctx, client, proposals[i].ID)
		if err == nil {
			mu.Lock()
			c := res.Contract
			awarded = &c
			mu.Unlock()
		}
		return expect("award", err, apperr.KindConflict, apperr.KindPreconditionFailed)
	}); err != nil {
		return err
	}
	if awarded == nil {
		return errRoundAborted
	}
	c := *awarded
	freelancer := auth.Identity{UserID: c.FreelancerID, Role: auth.RoleFreelancer}

	// Three concurrent adds of half the total; the contract total caps them at two.
	var milestones []escrow.Milestone
	half := c.TotalAmount.Div(decimal.NewFromInt(2)).Round(2)
	if err := race(ctx, 3, func(ctx context.Context, i int) error {
		ms, err := m.Escrow.AddMilestone(ctx, client, c.ID, fmt.Sprintf("part %d", i+1), half)
		if err == nil {
			mu.Lock()
			milestones = append(milestones, ms)
			mu.Unlock()
		}
		return expect("add milestone", err, apperr.KindPreconditionFailed)
	}); err != nil {
		return err
	}
	if len(milestones) == 0 {
		return errRoundAborted
	}

	if err := raceEach(ctx, milestones, 3, func(ctx context.Context, ms escrow.Milestone) error {
		_, err := m.Escrow.Fund(ctx, client, ms.ID)
		return expect("fund", err, apperr.KindConflict, apperr.KindPreconditionFailed)
	}); err != nil {
		return err
	}

	switch n := rng.Intn(10); {
	case n == 0:
		_, err := m.Contracts.Revoke(ctx, client, proj.ID)
		return expect("revoke", err, apperr.KindPreconditionFailed)
	case n <= 2:
		if err := disputeRound(ctx, m, cast, c, freelancer, rng); err != nil {
			return err
		}
	}

	if err := raceEach(ctx, milestones, 3, func(ctx context.Context, ms escrow.Milestone) error {
		_, err := m.Escrow.Release(ctx, client, ms.ID)
		return expect("release", err, apperr.KindPreconditionFailed, apperr.KindConflict)
	}); err != nil {
		return err
	}

	_, err = m.Contracts.Complete(ctx, client, c.ID)
	if err := expect("complete", err, apperr.KindPreconditionFailed); err != nil {
		return err
	}

	// Both parties review twice at once; one review each at most.
	parties := []auth.Identity{client, client, freelancer, freelancer}
	stars := make([]int, len(parties))
	for i := range stars {
		stars[i] = 1 + rng.Intn(5)
	}
	return race(ctx, len(parties), func(ctx context.Context, i int) error {
		_, err := m.Reviews.Submit(ctx, parties[i], review.SubmitParams{
			ContractID: c.ID,
			Rating:     stars[i],
			Comment:    "stress review",
		})
		return expect("review", err, apperr.KindConflict, apperr.KindPreconditionFailed)
	})
}

// disputeRound races two dispute openings by the freelancer, then two admins
// resolving it with the same random outcome.
func disputeRound(ctx context.Context, m *Marketplace, cast Cast, c contract.Contract, freelancer auth.Identity, rng *rand.Rand) error {
	var opened *dispute.Dispute
	var mu sync.Mutex
	if err := race(ctx, 2, func(ctx context.Context, _ int) error {
		d, err := m.Disputes.Open(ctx, freelancer, c.ID, "work not accepted")
		if err == nil {
			mu.Lock()
			opened = &d
			mu.Unlock()
		}
		return expect("open dispute", err, apperr.KindConflict, apperr.KindPreconditionFailed)
	}); err != nil {
		return err
	}
	if opened == nil {
		return nil
	}

	outcomes := []dispute.Outcome{dispute.OutcomeResume, dispute.OutcomeRelease, dispute.OutcomeRefund}
	outcome := outcomes[rng.Intn(len(outcomes))]
	return race(ctx, 2, func(ctx context.Context, _ int) error {
		_, err := m.Disputes.Resolve(ctx, cast.Admin, opened.ID, outcome, "settled by stress admin")
		return expect("resolve dispute", err, apperr.KindConflict, apperr.KindPreconditionFailed)
	})
}

// race runs fn n times concurrently and returns the first unexpected error.
func race(ctx context.Context, n int, fn func(context.Context, int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error { return fn(gctx, i) })
	}
	return g.Wait()
}

func raceEach(ctx context.Context, ms []escrow.Milestone, per int, fn func(context.Context, escrow.Milestone) error) error {
	return race(ctx, len(ms)*per, func(ctx context.Context, i int) error {
		return fn(ctx, ms[i/per])
	})
}

// settle aborts the round on transient failures and fails the run otherwise.
func settle(step string, err error) error {
	if err == nil {
		return nil
	}
	if tolerable(err) {
		return errRoundAborted
	}
	return fmt.Errorf("%s: %w", step, err)
}

// expect accepts nil, transient failures and the listed losing kinds.
func expect(step string, err error, kinds ...apperr.Kind) error {
	if err == nil || tolerable(err) {
		return nil
	}
	for _, k := range kinds {
		if apperr.Is(err, k) {
			return nil
		}
	}
	return fmt.Errorf("%s: unexpected %s: %w", step, apperr.KindOf(err), err)
}

// tolerable covers failures injected by chaos or the end of the run.
func tolerable(err error) bool {
	return apperr.Retryable(err) ||
		apperr.Is(err, apperr.KindNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
