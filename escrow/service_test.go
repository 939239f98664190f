package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"gigflow/apperr"
	"gigflow/auth"
	"gigflow/db"
	"gigflow/db/dbtest"
	"gigflow/ledger"
	"gigflow/notify"
)

var (
	client     = auth.Identity{UserID: "client-1", Role: auth.RoleClient}
	freelancer = auth.Identity{UserID: "freelancer-1", Role: auth.RoleFreelancer}
	stranger   = auth.Identity{UserID: "client-2", Role: auth.RoleClient}
)

func TestFund_MovesToEscrowAndRecordsOneEntry(t *testing.T) {
	h := newHarness()
	h.repo.addMilestone("m1", "200", PaymentUnpaid)

	m, err := h.svc.Fund(context.Background(), client, "m1")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if m.PaymentStatus != PaymentInEscrow {
		t.Fatalf("expected in_escrow, got %s", m.PaymentStatus)
	}
	if got := h.repo.milestones["m1"].PaymentStatus; got != PaymentInEscrow {
		t.Fatalf("stored status %s", got)
	}
	if len(h.ledger.entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(h.ledger.entries))
	}
	e := h.ledger.entries[0]
	if e.Type != ledger.TypeEscrowFunding || e.Direction != ledger.Debit || e.UserID != client.UserID {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !e.Amount.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("unexpected amount %s", e.Amount)
	}
	if !h.pool.Last().Committed {
		t.Fatalf("expected commit")
	}
	if len(h.queue.staged) != 1 || len(h.queue.flushed) != 1 {
		t.Fatalf("expected one staged and flushed notification, got %d/%d", len(h.queue.staged), len(h.queue.flushed))
	}
	if h.queue.flushed[0].UserID != freelancer.UserID {
		t.Fatalf("funding notification should go to the freelancer")
	}
}

func TestFund_Errors(t *testing.T) {
	cases := []struct {
		name   string
		status PaymentStatus
		actor  auth.Identity
		id     string
		setup  func(*fakeRepo)
		want   apperr.Kind
	}{
		{name: "missing", status: PaymentUnpaid, actor: client, id: "nope", want: apperr.KindNotFound},
		{name: "not owner", status: PaymentUnpaid, actor: stranger, id: "m1", want: apperr.KindForbidden},
		{name: "freelancer", status: PaymentUnpaid, actor: freelancer, id: "m1", want: apperr.KindForbidden},
		{name: "already funded", status: PaymentInEscrow, actor: client, id: "m1", want: apperr.KindConflict},
		{name: "already released", status: PaymentReleased, actor: client, id: "m1", want: apperr.KindConflict},
		{name: "empty id", status: PaymentUnpaid, actor: client, id: "", want: apperr.KindValidation},
		{
			name: "contract disputed", status: PaymentUnpaid, actor: client, id: "m1",
			setup: func(r *fakeRepo) { r.contract.Status = contractDisputed },
			want:  apperr.KindPreconditionFailed,
		},
		{
			name: "lost race", status: PaymentUnpaid, actor: client, id: "m1",
			setup: func(r *fakeRepo) { r.staleOnce = true },
			want:  apperr.KindConflict,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			h.repo.addMilestone("m1", "200", tc.status)
			if tc.setup != nil {
				tc.setup(h.repo)
			}
			_, err := h.svc.Fund(context.Background(), tc.actor, tc.id)
			if !apperr.Is(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
			if len(h.ledger.entries) != 0 {
				t.Fatalf("no ledger entries expected on failure")
			}
			if len(h.queue.flushed) != 0 {
				t.Fatalf("no notification expected on failure")
			}
			if tx := h.pool.Last(); tx != nil && tx.Committed {
				t.Fatalf("transaction must not commit on failure")
			}
		})
	}
}

func TestRelease_WritesTwoEntriesAndSettlesTotals(t *testing.T) {
	h := newHarness()
	h.repo.addMilestone("m1", "200", PaymentInEscrow)

	res, err := h.svc.Release(context.Background(), client, "m1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Milestone.PaymentStatus != PaymentReleased {
		t.Fatalf("expected released, got %s", res.Milestone.PaymentStatus)
	}
	if res.EntryIDs[0] == "" || res.EntryIDs[1] == "" || res.EntryIDs[0] == res.EntryIDs[1] {
		t.Fatalf("expected two distinct entry ids, got %v", res.EntryIDs)
	}
	if len(h.ledger.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(h.ledger.entries))
	}
	debit, credit := h.ledger.entries[0], h.ledger.entries[1]
	if debit.Type != ledger.TypeEscrowRelease || credit.Type != ledger.TypeEscrowRelease {
		t.Fatalf("expected escrow_release entries, got %s/%s", debit.Type, credit.Type)
	}
	if debit.UserID != client.UserID || debit.Direction != ledger.Debit {
		t.Fatalf("unexpected client entry %+v", debit)
	}
	if credit.UserID != freelancer.UserID || credit.Direction != ledger.Credit {
		t.Fatalf("unexpected freelancer entry %+v", credit)
	}
	if !debit.Amount.Equal(credit.Amount) || debit.MilestoneID != credit.MilestoneID || debit.ContractID != credit.ContractID {
		t.Fatalf("entries must mirror each other: %+v vs %+v", debit, credit)
	}

	if spent := ledger.Sum(h.ledger.entries[:1]).Spent; !spent.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("client spent %s", spent)
	}
	if earned := ledger.Sum(h.ledger.entries[1:]).Earned; !earned.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("freelancer earned %s", earned)
	}

	if len(h.totals.calls) != 1 || !h.totals.calls[0].amount.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("expected one totals settlement of 200, got %+v", h.totals.calls)
	}
	if len(h.queue.flushed) != 2 {
		t.Fatalf("expected notifications to both parties, got %d", len(h.queue.flushed))
	}
	recipients := map[string]bool{}
	for _, n := range h.queue.flushed {
		recipients[n.UserID] = true
	}
	if !recipients[client.UserID] || !recipients[freelancer.UserID] {
		t.Fatalf("unexpected recipients %v", recipients)
	}
}

func TestRelease_Errors(t *testing.T) {
	cases := []struct {
		name   string
		status PaymentStatus
		actor  auth.Identity
		want   apperr.Kind
	}{
		{"unfunded", PaymentUnpaid, client, apperr.KindPreconditionFailed},
		{"released twice", PaymentReleased, client, apperr.KindPreconditionFailed},
		{"refunded", PaymentRefunded, client, apperr.KindPreconditionFailed},
		{"freelancer", PaymentInEscrow, freelancer, apperr.KindForbidden},
		{"stranger", PaymentInEscrow, stranger, apperr.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			h.repo.addMilestone("m1", "50", tc.status)
			_, err := h.svc.Release(context.Background(), tc.actor, "m1")
			if !apperr.Is(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
			if len(h.ledger.entries) != 0 || len(h.totals.calls) != 0 {
				t.Fatalf("failed release must not touch ledger or totals")
			}
			if !h.pool.Last().RolledBack {
				t.Fatalf("expected rollback")
			}
		})
	}
}

func TestRelease_LedgerFailureRollsBack(t *testing.T) {
	h := newHarness()
	h.repo.addMilestone("m1", "50", PaymentInEscrow)
	h.ledger.failAfter = 1
	h.ledger.err = apperr.Wrap(apperr.KindStorage, "ledger: record", errors.New("connection reset"))

	_, err := h.svc.Release(context.Background(), client, "m1")
	if !apperr.Retryable(err) {
		t.Fatalf("expected retryable storage error, got %v", err)
	}
	if h.pool.Last().Committed {
		t.Fatalf("must not commit after ledger failure")
	}
	if len(h.totals.calls) != 0 || len(h.queue.flushed) != 0 {
		t.Fatalf("post-commit hooks must not run")
	}
}

func TestRelease_CommitFailureIsRetryable(t *testing.T) {
	h := newHarness()
	h.pool.CommitErr = errors.New("connection reset by peer")
	h.repo.addMilestone("m1", "50", PaymentInEscrow)

	_, err := h.svc.Release(context.Background(), client, "m1")
	if !apperr.Retryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(h.totals.calls) != 0 || len(h.queue.flushed) != 0 {
		t.Fatalf("post-commit hooks must not run when commit fails")
	}
}

func TestRefund_MirrorsReleaseAndCreditsClient(t *testing.T) {
	h := newHarness()
	h.repo.addMilestone("m1", "80", PaymentInEscrow)

	m, err := h.svc.Refund(context.Background(), client, "m1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if m.PaymentStatus != PaymentRefunded {
		t.Fatalf("expected refunded, got %s", m.PaymentStatus)
	}
	if len(h.ledger.entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(h.ledger.entries))
	}
	if e := h.ledger.entries[0]; e.UserID != client.UserID || e.Direction != ledger.Credit || e.Type != ledger.TypeRefund {
		t.Fatalf("unexpected client entry %+v", e)
	}
	if len(h.totals.calls) != 0 {
		t.Fatalf("refund must not touch spend/earnings totals")
	}

	if _, err := h.svc.Release(context.Background(), client, "m1"); !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Fatalf("release after refund: expected precondition failure, got %v", err)
	}
	if _, err := h.svc.Fund(context.Background(), client, "m1"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("fund after refund: expected conflict, got %v", err)
	}
}

func TestSettle_BlockedWhileDisputed(t *testing.T) {
	settle := map[string]func(*harness) error{
		"release": func(h *harness) error {
			_, err := h.svc.Release(context.Background(), client, "m1")
			return err
		},
		"refund": func(h *harness) error {
			_, err := h.svc.Refund(context.Background(), client, "m1")
			return err
		},
	}
	for name, fn := range settle {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			h.repo.addMilestone("m1", "80", PaymentInEscrow)
			h.repo.contract.Status = contractDisputed

			if err := fn(h); !apperr.Is(err, apperr.KindPreconditionFailed) {
				t.Fatalf("expected precondition failure, got %v", err)
			}
			if len(h.ledger.entries) != 0 || len(h.queue.flushed) != 0 {
				t.Fatalf("blocked settlement wrote entries or notifications")
			}
			if !h.pool.Last().RolledBack {
				t.Fatalf("expected rollback")
			}
		})
	}
}

func TestRefundLocked_SkipsOwnershipCheck(t *testing.T) {
	h := newHarness()
	h.repo.addMilestone("m1", "80", PaymentInEscrow)
	l := h.repo.locked("m1")

	eff, err := h.svc.RefundLocked(context.Background(), &dbtest.Tx{}, l, "contract revoked")
	if err != nil {
		t.Fatalf("refund locked: %v", err)
	}
	if len(eff.Notifications) != 2 || len(eff.Settlements) != 0 {
		t.Fatalf("unexpected effects %+v", eff)
	}
	if len(h.queue.flushed) != 0 {
		t.Fatalf("RefundLocked must leave flushing to the caller")
	}
	if got := h.ledger.entries[0].Description; got != `Refund for milestone "Design" (contract revoked)` {
		t.Fatalf("unexpected description %q", got)
	}
}

func TestAddMilestone(t *testing.T) {
	h := newHarness().withIDs()
	h.repo.addMilestone("m1", "300", PaymentUnpaid)

	m, err := h.svc.AddMilestone(context.Background(), client, "k1", "  Build  ", decimal.RequireFromString("200"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if m.Title != "Build" || m.PaymentStatus != PaymentUnpaid || m.WorkStatus != WorkPending {
		t.Fatalf("unexpected milestone %+v", m)
	}

	if _, err := h.svc.AddMilestone(context.Background(), client, "k1", "Extra", decimal.RequireFromString("0.01")); !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Fatalf("expected total cap precondition, got %v", err)
	}
	if _, err := h.svc.AddMilestone(context.Background(), freelancer, "k1", "Extra", decimal.RequireFromString("1")); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.svc.AddMilestone(context.Background(), client, "k1", "Extra", decimal.RequireFromString("-1")); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation, got %v", err)
	}
	if _, err := h.svc.AddMilestone(context.Background(), client, "k1", "Extra", decimal.RequireFromString("1.005")); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation for sub-cent amount, got %v", err)
	}
	if _, err := h.svc.AddMilestone(context.Background(), client, "k9", "Extra", decimal.RequireFromString("1")); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateWork_IsMonotonic(t *testing.T) {
	h := newHarness()
	h.repo.addMilestone("m1", "100", PaymentUnpaid)

	if _, err := h.svc.UpdateWork(context.Background(), client, "m1", WorkInProgress); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("client must not update work, got %v", err)
	}
	if _, err := h.svc.UpdateWork(context.Background(), freelancer, "m1", WorkInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.svc.UpdateWork(context.Background(), freelancer, "m1", WorkPending); !apperr.Is(err, apperr.KindPreconditionFailed) {
		t.Fatalf("expected backwards move to fail, got %v", err)
	}
	m, err := h.svc.UpdateWork(context.Background(), freelancer, "m1", WorkCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if m.WorkStatus != WorkCompleted {
		t.Fatalf("expected completed, got %s", m.WorkStatus)
	}
	if n := len(h.queue.flushed); n != 1 || h.queue.flushed[0].UserID != client.UserID {
		t.Fatalf("expected client notified on completion, got %d", n)
	}
	if _, err := h.svc.UpdateWork(context.Background(), freelancer, "m1", "shipped"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation for unknown status, got %v", err)
	}
}

func TestList_RequiresParty(t *testing.T) {
	h := newHarness()
	h.repo.addMilestone("m1", "100", PaymentUnpaid)

	ms, err := h.svc.List(context.Background(), freelancer, "k1")
	if err != nil || len(ms) != 1 {
		t.Fatalf("list: %v (%d)", err, len(ms))
	}
	if _, err := h.svc.List(context.Background(), stranger, "k1"); !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := h.svc.List(context.Background(), auth.Identity{UserID: "root", Role: auth.RoleAdmin}, "k1"); err != nil {
		t.Fatalf("admin list: %v", err)
	}
}

func TestPaymentStatusTransitions(t *testing.T) {
	all := []PaymentStatus{PaymentUnpaid, PaymentInEscrow, PaymentReleased, PaymentRefunded}
	allowed := map[[2]PaymentStatus]bool{
		{PaymentUnpaid, PaymentInEscrow}:   true,
		{PaymentInEscrow, PaymentReleased}: true,
		{PaymentInEscrow, PaymentRefunded}: true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := from.CanTransitionTo(to); got != allowed[[2]PaymentStatus{from, to}] {
				t.Errorf("%s -> %s: got %v", from, to, got)
			}
		}
	}
}

type harness struct {
	pool   *dbtest.Pool
	repo   *fakeRepo
	ledger *fakeLedger
	queue  *fakeQueue
	totals *fakeTotals
	svc    *Service
}

func newHarness() *harness {
	h := &harness{
		pool:   &dbtest.Pool{},
		repo:   newFakeRepo(),
		ledger: &fakeLedger{},
		queue:  &fakeQueue{},
		totals: &fakeTotals{},
	}
	h.svc = NewService(h.pool, h.repo, h.ledger, h.queue, h.totals, nil).
		WithClock(func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) })
	return h
}

func (h *harness) withIDs() *harness {
	n := 0
	h.svc.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	})
	return h
}

type fakeRepo struct {
	mu         sync.Mutex
	contract   ContractRef
	milestones map[string]Milestone
	order      []string
	staleOnce  bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		contract: ContractRef{
			ID:           "k1",
			ProjectID:    "p1",
			ClientID:     client.UserID,
			FreelancerID: freelancer.UserID,
			Status:       contractActive,
			TotalAmount:  decimal.RequireFromString("500"),
		},
		milestones: map[string]Milestone{},
	}
}

func (f *fakeRepo) addMilestone(id, amount string, status PaymentStatus) {
	f.milestones[id] = Milestone{
		ID:            id,
		ContractID:    f.contract.ID,
		Title:         "Design",
		Amount:        decimal.RequireFromString(amount),
		WorkStatus:    WorkPending,
		PaymentStatus: status,
	}
	f.order = append(f.order, id)
}

func (f *fakeRepo) locked(id string) Locked {
	return Locked{Milestone: f.milestones[id], Contract: f.contract}
}

func (f *fakeRepo) LockMilestone(_ context.Context, _ pgx.Tx, id string) (Locked, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.milestones[id]; !ok {
		return Locked{}, ErrNotFound
	}
	return f.locked(id), nil
}

func (f *fakeRepo) LockByContract(_ context.Context, _ pgx.Tx, contractID string) ([]Locked, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Locked
	for _, id := range f.order {
		if f.milestones[id].ContractID == contractID {
			out = append(out, f.locked(id))
		}
	}
	return out, nil
}

func (f *fakeRepo) LockContract(ctx context.Context, _ pgx.Tx, contractID string) (ContractRef, error) {
	return f.GetContract(ctx, nil, contractID)
}

func (f *fakeRepo) GetContract(_ context.Context, _ db.Querier, contractID string) (ContractRef, error) {
	if contractID != f.contract.ID {
		return ContractRef{}, ErrNotFound
	}
	return f.contract, nil
}

func (f *fakeRepo) SetPaymentStatus(_ context.Context, _ pgx.Tx, id string, from, to PaymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staleOnce {
		f.staleOnce = false
		return ErrStale
	}
	m := f.milestones[id]
	if m.PaymentStatus != from {
		return ErrStale
	}
	m.PaymentStatus = to
	f.milestones[id] = m
	return nil
}

func (f *fakeRepo) SetWorkStatus(_ context.Context, _ pgx.Tx, id string, to WorkStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.milestones[id]
	if !ok {
		return ErrNotFound
	}
	m.WorkStatus = to
	f.milestones[id] = m
	return nil
}

func (f *fakeRepo) SumMilestones(_ context.Context, _ pgx.Tx, contractID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, m := range f.milestones {
		if m.ContractID == contractID {
			total = total.Add(m.Amount)
		}
	}
	return total, nil
}

func (f *fakeRepo) InsertMilestone(_ context.Context, _ pgx.Tx, m Milestone) (Milestone, error) {
	f.milestones[m.ID] = m
	f.order = append(f.order, m.ID)
	return m, nil
}

func (f *fakeRepo) ListByContract(_ context.Context, _ db.Querier, contractID string) ([]Milestone, error) {
	var out []Milestone
	for _, id := range f.order {
		if m := f.milestones[id]; m.ContractID == contractID {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeLedger struct {
	entries   []ledger.Entry
	failAfter int
	err       error
}

func (f *fakeLedger) Record(_ context.Context, _ pgx.Tx, e ledger.Entry) (string, error) {
	if f.err != nil && len(f.entries) >= f.failAfter {
		return "", f.err
	}
	e.ID = fmt.Sprintf("txn-%d", len(f.entries)+1)
	f.entries = append(f.entries, e)
	return e.ID, nil
}

type fakeQueue struct {
	staged  []notify.Notification
	flushed []notify.Notification
}

func (f *fakeQueue) Stage(_ context.Context, _ pgx.Tx, n notify.Notification) error {
	f.staged = append(f.staged, n)
	return nil
}

func (f *fakeQueue) Flush(_ context.Context, batch []notify.Notification) {
	f.flushed = append(f.flushed, batch...)
}

type settleCall struct {
	clientID, freelancerID string
	amount                 decimal.Decimal
}

type fakeTotals struct {
	calls []settleCall
}

func (f *fakeTotals) Settle(_ context.Context, clientID, freelancerID string, amount decimal.Decimal) {
	f.calls = append(f.calls, settleCall{clientID, freelancerID, amount})
}
