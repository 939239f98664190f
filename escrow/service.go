// Package escrow moves milestone payments through
// unpaid -> in_escrow -> {released | refunded} and writes the matching
// ledger entries in the same transaction.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/db"
	"gigflow/ledger"
	"gigflow/logging"
	"gigflow/notify"
	"gigflow/telemetry"
)

// LedgerWriter appends ledger entries inside a transaction.
type LedgerWriter interface {
	Record(ctx context.Context, tx pgx.Tx, e ledger.Entry) (string, error)
}

// TotalsUpdater applies best-effort cached totals after a release commits.
type TotalsUpdater interface {
	Settle(ctx context.Context, clientID, freelancerID string, amount decimal.Decimal)
}

// Effects are the post-commit hooks produced by work done inside a
// transaction. Callers that own the transaction pass them to Apply after
// a successful commit.
type Effects struct {
	Notifications []notify.Notification
	Settlements   []Settlement
}

func (e *Effects) Merge(o Effects) {
	e.Notifications = append(e.Notifications, o.Notifications...)
	e.Settlements = append(e.Settlements, o.Settlements...)
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	ledger      LedgerWriter
	queue       notify.Queue
	totals      TotalsUpdater
	logger      *zap.Logger
	notes       notify.Builder
	idGenerator func() string
}

func NewService(pool db.TxBeginner, repo Repository, lw LedgerWriter, queue notify.Queue, totals TotalsUpdater, logger *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if queue == nil {
		queue = notify.Discard{}
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		ledger:      lw,
		queue:       queue,
		totals:      totals,
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

func (s *Service) WithClock(now func() time.Time) *Service {
	s.notes.Now = now
	return s
}

// Fund moves an unpaid milestone into escrow and debits the client.
func (s *Service) Fund(ctx context.Context, actor auth.Identity, milestoneID string) (m Milestone, err error) {
	const op = "escrow: fund"
	ctx, done := telemetry.Track(ctx, op, attribute.String("milestone_id", milestoneID))
	defer func() { done(err) }()

	if milestoneID == "" {
		return Milestone{}, apperr.Validation(op, "milestone id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	l, err := s.lock(ctx, tx, op, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if l.Contract.ClientID != actor.UserID {
		return Milestone{}, apperr.Forbidden(op, "only the contract's client can fund a milestone")
	}
	if l.PaymentStatus != PaymentUnpaid {
		return Milestone{}, apperr.Conflict(op, fmt.Sprintf("milestone is already %s", l.PaymentStatus))
	}
	if l.Contract.Status != contractActive {
		return Milestone{}, apperr.PreconditionFailed(op, fmt.Sprintf("contract is %s", l.Contract.Status))
	}

	if err := s.transition(ctx, tx, op, l, PaymentInEscrow); err != nil {
		return Milestone{}, err
	}
	if _, err := s.ledger.Record(ctx, tx, ledger.Entry{
		UserID:         l.Contract.ClientID,
		Type:           ledger.TypeEscrowFunding,
		Direction:      ledger.Debit,
		Amount:         l.Amount,
		RelatedUserID:  l.Contract.FreelancerID,
		ContractID:     l.ContractID,
		MilestoneID:    l.ID,
		Description:    fmt.Sprintf("Escrow funding for milestone %q", l.Title),
		IdempotencyKey: ledger.Key(l.ID, ledger.TypeEscrowFunding, ledger.SideClient),
	}); err != nil {
		return Milestone{}, err
	}

	batch := []notify.Notification{
		s.notes.New(l.Contract.FreelancerID, notify.TypePayment, notify.PriorityMedium, l.ContractID,
			fmt.Sprintf("Escrow funding for milestone %q: $%s is now held in escrow.", l.Title, money(l.Amount))),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}

	s.Apply(ctx, Effects{Notifications: batch})
	l.PaymentStatus = PaymentInEscrow
	return l.Milestone, nil
}

// Release pays an escrowed milestone out to the freelancer.
func (s *Service) Release(ctx context.Context, actor auth.Identity, milestoneID string) (res ReleaseResult, err error) {
	const op = "escrow: release"
	ctx, done := telemetry.Track(ctx, op, attribute.String("milestone_id", milestoneID))
	defer func() { done(err) }()

	tx, l, err := s.beginSettle(ctx, op, actor, milestoneID)
	if err != nil {
		return ReleaseResult{}, err
	}
	defer tx.Rollback(ctx)

	ids, eff, err := s.release(ctx, tx, op, l)
	if err != nil {
		return ReleaseResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ReleaseResult{}, apperr.FromDB(op, err)
	}

	s.Apply(ctx, eff)
	l.PaymentStatus = PaymentReleased
	return ReleaseResult{Milestone: l.Milestone, EntryIDs: ids}, nil
}

// Refund returns an escrowed milestone's funds to the client.
func (s *Service) Refund(ctx context.Context, actor auth.Identity, milestoneID string) (m Milestone, err error) {
	const op = "escrow: refund"
	ctx, done := telemetry.Track(ctx, op, attribute.String("milestone_id", milestoneID))
	defer func() { done(err) }()

	tx, l, err := s.beginSettle(ctx, op, actor, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	defer tx.Rollback(ctx)

	eff, err := s.RefundLocked(ctx, tx, l, "refunded by client")
	if err != nil {
		return Milestone{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}

	s.Apply(ctx, eff)
	l.PaymentStatus = PaymentRefunded
	return l.Milestone, nil
}

// beginSettle opens a transaction and checks the preconditions shared by
// Release and Refund. On error the transaction is already rolled back.
func (s *Service) beginSettle(ctx context.Context, op string, actor auth.Identity, milestoneID string) (pgx.Tx, Locked, error) {
	if milestoneID == "" {
		return nil, Locked{}, apperr.Validation(op, "milestone id required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, Locked{}, apperr.FromDB(op, err)
	}

	fail := func(err error) (pgx.Tx, Locked, error) {
		_ = tx.Rollback(ctx)
		return nil, Locked{}, err
	}
	l, err := s.lock(ctx, tx, op, milestoneID)
	if err != nil {
		return fail(err)
	}
	if l.Contract.ClientID != actor.UserID {
		return fail(apperr.Forbidden(op, "only the contract's client can settle a milestone"))
	}
	if l.PaymentStatus != PaymentInEscrow {
		return fail(apperr.PreconditionFailed(op, fmt.Sprintf("milestone is %s, not in escrow", l.PaymentStatus)))
	}
	switch l.Contract.Status {
	case contractActive:
	case contractDisputed:
		return fail(apperr.PreconditionFailed(op, "contract is disputed; escrow is settled by dispute resolution"))
	default:
		return fail(apperr.PreconditionFailed(op, fmt.Sprintf("contract is %s", l.Contract.Status)))
	}
	return tx, l, nil
}

// ReleaseLocked releases a milestone already locked by the caller's
// transaction. No ownership check is made.
func (s *Service) ReleaseLocked(ctx context.Context, tx pgx.Tx, l Locked) (Effects, error) {
	_, eff, err := s.release(ctx, tx, "escrow: release", l)
	return eff, err
}

func (s *Service) release(ctx context.Context, tx pgx.Tx, op string, l Locked) ([2]string, Effects, error) {
	var ids [2]string
	if err := s.transition(ctx, tx, op, l, PaymentReleased); err != nil {
		return ids, Effects{}, err
	}

	desc := fmt.Sprintf("Escrow release for milestone %q", l.Title)
	entries := [2]ledger.Entry{
		{
			UserID:         l.Contract.ClientID,
			Type:           ledger.TypeEscrowRelease,
			Direction:      ledger.Debit,
			Amount:         l.Amount,
			RelatedUserID:  l.Contract.FreelancerID,
			ContractID:     l.ContractID,
			MilestoneID:    l.ID,
			Description:    desc,
			IdempotencyKey: ledger.Key(l.ID, ledger.TypeEscrowRelease, ledger.SideClient),
		},
		{
			UserID:         l.Contract.FreelancerID,
			Type:           ledger.TypeEscrowRelease,
			Direction:      ledger.Credit,
			Amount:         l.Amount,
			RelatedUserID:  l.Contract.ClientID,
			ContractID:     l.ContractID,
			MilestoneID:    l.ID,
			Description:    desc,
			IdempotencyKey: ledger.Key(l.ID, ledger.TypeEscrowRelease, ledger.SideFreelancer),
		},
	}
	for i, e := range entries {
		id, err := s.ledger.Record(ctx, tx, e)
		if err != nil {
			return ids, Effects{}, err
		}
		ids[i] = id
	}

	batch := []notify.Notification{
		s.notes.New(l.Contract.FreelancerID, notify.TypePayment, notify.PriorityHigh, l.ContractID,
			fmt.Sprintf("Payment of $%s for milestone %q has been released to you.", money(l.Amount), l.Title)),
		s.notes.New(l.Contract.ClientID, notify.TypePayment, notify.PriorityMedium, l.ContractID,
			fmt.Sprintf("You released $%s for milestone %q.", money(l.Amount), l.Title)),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return ids, Effects{}, apperr.FromDB(op, err)
	}
	return ids, Effects{
		Notifications: batch,
		Settlements: []Settlement{{
			MilestoneID:  l.ID,
			ClientID:     l.Contract.ClientID,
			FreelancerID: l.Contract.FreelancerID,
			Amount:       l.Amount,
		}},
	}, nil
}

// RefundLocked refunds a milestone already locked by the caller's
// transaction. No ownership check is made.
func (s *Service) RefundLocked(ctx context.Context, tx pgx.Tx, l Locked, reason string) (Effects, error) {
	const op = "escrow: refund"
	if err := s.transition(ctx, tx, op, l, PaymentRefunded); err != nil {
		return Effects{}, err
	}

	desc := fmt.Sprintf("Refund for milestone %q", l.Title)
	if reason = strings.TrimSpace(reason); reason != "" {
		desc += " (" + reason + ")"
	}
	entries := []ledger.Entry{
		{
			UserID:         l.Contract.ClientID,
			Type:           ledger.TypeRefund,
			Direction:      ledger.Credit,
			Amount:         l.Amount,
			RelatedUserID:  l.Contract.FreelancerID,
			ContractID:     l.ContractID,
			MilestoneID:    l.ID,
			Description:    desc,
			IdempotencyKey: ledger.Key(l.ID, ledger.TypeRefund, ledger.SideClient),
		},
		{
			UserID:         l.Contract.FreelancerID,
			Type:           ledger.TypeRefund,
			Direction:      ledger.Debit,
			Amount:         l.Amount,
			RelatedUserID:  l.Contract.ClientID,
			ContractID:     l.ContractID,
			MilestoneID:    l.ID,
			Description:    desc,
			IdempotencyKey: ledger.Key(l.ID, ledger.TypeRefund, ledger.SideFreelancer),
		},
	}
	for _, e := range entries {
		if _, err := s.ledger.Record(ctx, tx, e); err != nil {
			return Effects{}, err
		}
	}

	batch := []notify.Notification{
		s.notes.New(l.Contract.ClientID, notify.TypePayment, notify.PriorityMedium, l.ContractID,
			fmt.Sprintf("$%s held in escrow for milestone %q has been refunded to you.", money(l.Amount), l.Title)),
		s.notes.New(l.Contract.FreelancerID, notify.TypePayment, notify.PriorityMedium, l.ContractID,
			fmt.Sprintf("Escrowed funds for milestone %q were refunded to the client.", l.Title)),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return Effects{}, apperr.FromDB(op, err)
	}
	return Effects{Notifications: batch}, nil
}

// LockForContract locks every milestone of a contract inside tx.
func (s *Service) LockForContract(ctx context.Context, tx pgx.Tx, contractID string) ([]Locked, error) {
	ms, err := s.repo.LockByContract(ctx, tx, contractID)
	if err != nil {
		return nil, apperr.FromDB("escrow: lock contract milestones", err)
	}
	return ms, nil
}

// Apply runs post-commit hooks. Failures are logged by the hooks themselves.
func (s *Service) Apply(ctx context.Context, eff Effects) {
	if len(eff.Notifications) > 0 {
		s.queue.Flush(ctx, eff.Notifications)
	}
	for _, st := range eff.Settlements {
		if s.totals == nil {
			s.logger.Warn("no totals updater configured, cached totals left to reconciler",
				zap.String("milestone_id", st.MilestoneID))
			continue
		}
		s.totals.Settle(ctx, st.ClientID, st.FreelancerID, st.Amount)
	}
}

// AddMilestone appends a milestone to an active contract. The sum of
// milestone amounts may not exceed the contract total.
func (s *Service) AddMilestone(ctx context.Context, actor auth.Identity, contractID, title string, amount decimal.Decimal) (m Milestone, err error) {
	const op = "escrow: add milestone"
	ctx, done := telemetry.Track(ctx, op, attribute.String("contract_id", contractID))
	defer func() { done(err) }()

	title = strings.TrimSpace(title)
	switch {
	case contractID == "":
		return Milestone{}, apperr.Validation(op, "contract id required")
	case title == "":
		return Milestone{}, apperr.Validation(op, "title required")
	case !amount.IsPositive():
		return Milestone{}, apperr.Validation(op, "amount must be positive")
	case amount.Exponent() < -2:
		return Milestone{}, apperr.Validation(op, "amount has more than two decimal places")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.LockContract(ctx, tx, contractID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Milestone{}, apperr.NotFound(op, "contract not found")
		}
		return Milestone{}, apperr.FromDB(op, err)
	}
	if c.ClientID != actor.UserID {
		return Milestone{}, apperr.Forbidden(op, "only the contract's client can add milestones")
	}
	if c.Status != contractActive {
		return Milestone{}, apperr.PreconditionFailed(op, fmt.Sprintf("contract is %s", c.Status))
	}
	sum, err := s.repo.SumMilestones(ctx, tx, contractID)
	if err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}
	if sum.Add(amount).GreaterThan(c.TotalAmount) {
		return Milestone{}, apperr.PreconditionFailed(op,
			fmt.Sprintf("milestones would total %s, above contract amount %s", money(sum.Add(amount)), money(c.TotalAmount)))
	}

	m, err = s.repo.InsertMilestone(ctx, tx, Milestone{
		ID:            s.idGenerator(),
		ContractID:    contractID,
		Title:         title,
		Amount:        amount,
		WorkStatus:    WorkPending,
		PaymentStatus: PaymentUnpaid,
	})
	if err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}

	batch := []notify.Notification{
		s.notes.New(c.FreelancerID, notify.TypeContract, notify.PriorityLow, contractID,
			fmt.Sprintf("New milestone %q ($%s) was added to your contract.", title, money(amount))),
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}
	s.Apply(ctx, Effects{Notifications: batch})
	return m, nil
}

// UpdateWork advances a milestone's work status. Only the contract's
// freelancer may report progress and the status never moves backwards.
func (s *Service) UpdateWork(ctx context.Context, actor auth.Identity, milestoneID string, next WorkStatus) (m Milestone, err error) {
	const op = "escrow: update work"
	ctx, done := telemetry.Track(ctx, op, attribute.String("milestone_id", milestoneID))
	defer func() { done(err) }()

	if milestoneID == "" {
		return Milestone{}, apperr.Validation(op, "milestone id required")
	}
	if next.rank() < 0 {
		return Milestone{}, apperr.Validation(op, fmt.Sprintf("unknown work status %q", next))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	l, err := s.lock(ctx, tx, op, milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if l.Contract.FreelancerID != actor.UserID {
		return Milestone{}, apperr.Forbidden(op, "only the contract's freelancer can update work status")
	}
	if l.Contract.Status != contractActive {
		return Milestone{}, apperr.PreconditionFailed(op, fmt.Sprintf("contract is %s", l.Contract.Status))
	}
	if !l.WorkStatus.CanAdvanceTo(next) {
		return Milestone{}, apperr.PreconditionFailed(op, fmt.Sprintf("cannot move work from %s to %s", l.WorkStatus, next))
	}
	if err := s.repo.SetWorkStatus(ctx, tx, l.ID, next); err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}

	var batch []notify.Notification
	if next == WorkCompleted {
		batch = append(batch, s.notes.New(l.Contract.ClientID, notify.TypeContract, notify.PriorityMedium, l.ContractID,
			fmt.Sprintf("Milestone %q was marked completed and is ready for payment.", l.Title)))
	}
	if err := notify.StageAll(ctx, s.queue, tx, batch); err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, apperr.FromDB(op, err)
	}
	s.Apply(ctx, Effects{Notifications: batch})
	l.WorkStatus = next
	return l.Milestone, nil
}

// List returns a contract's milestones to one of its parties or an admin.
func (s *Service) List(ctx context.Context, actor auth.Identity, contractID string) ([]Milestone, error) {
	const op = "escrow: list"
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.GetContract(ctx, tx, contractID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound(op, "contract not found")
		}
		return nil, apperr.FromDB(op, err)
	}
	if !actor.IsAdmin() && actor.UserID != c.ClientID && actor.UserID != c.FreelancerID {
		return nil, apperr.Forbidden(op, "not a party to this contract")
	}
	ms, err := s.repo.ListByContract(ctx, tx, contractID)
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return ms, nil
}

func (s *Service) lock(ctx context.Context, tx pgx.Tx, op, milestoneID string) (Locked, error) {
	l, err := s.repo.LockMilestone(ctx, tx, milestoneID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Locked{}, apperr.NotFound(op, "milestone not found")
		}
		return Locked{}, apperr.FromDB(op, err)
	}
	return l, nil
}

func (s *Service) transition(ctx context.Context, tx pgx.Tx, op string, l Locked, next PaymentStatus) error {
	if !l.PaymentStatus.CanTransitionTo(next) {
		return apperr.PreconditionFailed(op, fmt.Sprintf("cannot move payment from %s to %s", l.PaymentStatus, next))
	}
	if err := s.repo.SetPaymentStatus(ctx, tx, l.ID, l.PaymentStatus, next); err != nil {
		if errors.Is(err, ErrStale) {
			return apperr.Conflict(op, "milestone payment status changed concurrently")
		}
		return apperr.FromDB(op, err)
	}
	return nil
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }
