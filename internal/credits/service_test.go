package credits

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/markless/backend/internal/ledger"
	"github.com/markless/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks. These let us test the real Manager logic without a
// database.
// ---------------------------------------------------------------------------

type mockLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	entries  []*models.LedgerEntry
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[uuid.UUID]int64)}
}

func (m *mockLedger) AddEntryTx(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount int64, entryType, description string, jobID *uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount < 0 && m.balances[userID] < -amount {
		return 0, ledger.ErrInsufficientCredits
	}
	m.balances[userID] += amount
	m.entries = append(m.entries, &models.LedgerEntry{
		UserID:           userID,
		EntryType:        entryType,
		Amount:           amount,
		ResultingBalance: m.balances[userID],
		JobID:            jobID,
		Description:      description,
	})
	return m.balances[userID], nil
}

func (m *mockLedger) HasJobEntry(_ context.Context, _ pgx.Tx, jobID uuid.UUID, entryType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.JobID != nil && *e.JobID == jobID && e.EntryType == entryType {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockLedger) balance(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID]
}

func (m *mockLedger) byType(entryType string) []*models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.EntryType == entryType {
			out = append(out, e)
		}
	}
	return out
}

type mockJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newMockJobStore(js ...*models.Job) *mockJobStore {
	m := &mockJobStore{jobs: make(map[uuid.UUID]*models.Job)}
	for _, j := range js {
		cp := *j
		m.jobs[j.ID] = &cp
	}
	return m
}

func (m *mockJobStore) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobStore) SetCreditsRequiredTx(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].CreditsRequired = amount
	return nil
}

func (m *mockJobStore) SetCreditsChargedTx(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.CreditsCharged == nil {
		j.CreditsCharged = &amount
	}
	return nil
}

type mockOutbox struct {
	mu      sync.Mutex
	entries []*models.OutboxEntry
	seen    map[string]bool
}

func newMockOutbox() *mockOutbox {
	return &mockOutbox{seen: make(map[string]bool)}
}

// EnqueueTx mirrors ON CONFLICT (dedupe_key) DO NOTHING.
func (m *mockOutbox) EnqueueTx(_ context.Context, _ pgx.Tx, e *models.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[e.DedupeKey] {
		return nil
	}
	m.seen[e.DedupeKey] = true
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

type fakeTx struct {
	pgx.Tx
	committed bool
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }

type fakeDB struct{}

func (fakeDB) Begin(context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

func newTestManager(led *mockLedger, jobs *mockJobStore, out *mockOutbox) *Manager {
	return NewManager(fakeDB{}, led, jobs, out)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestReserve_DebitsAndRecordsOnJob(t *testing.T) {
	userID, jobID := uuid.New(), uuid.New()
	led := newMockLedger()
	led.balances[userID] = 25
	jobs := newMockJobStore(&models.Job{ID: jobID, UserID: userID})
	m := newTestManager(led, jobs, newMockOutbox())

	if err := m.Reserve(context.Background(), userID, jobID, 10); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := led.balance(userID); got != 15 {
		t.Errorf("expected balance 15, got %d", got)
	}
	if got := jobs.jobs[jobID].CreditsRequired; got != 10 {
		t.Errorf("expected credits_required 10, got %d", got)
	}
	reserves := led.byType(models.EntryJobReserve)
	if len(reserves) != 1 || reserves[0].Amount != -10 {
		t.Errorf("expected one -10 reserve entry, got %+v", reserves)
	}
}

func TestReserve_InsufficientLeavesNothing(t *testing.T) {
	userID, jobID := uuid.New(), uuid.New()
	led := newMockLedger()
	led.balances[userID] = 5
	jobs := newMockJobStore(&models.Job{ID: jobID, UserID: userID})
	m := newTestManager(led, jobs, newMockOutbox())

	err := m.Reserve(context.Background(), userID, jobID, 10)
	if !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := led.balance(userID); got != 5 {
		t.Errorf("expected balance unchanged at 5, got %d", got)
	}
	if got := jobs.jobs[jobID].CreditsRequired; got != 0 {
		t.Errorf("expected credits_required unset, got %d", got)
	}
}

// Two submissions racing for the same balance: 10 credits cannot cover two
// 7-credit reservations, so exactly one wins.
func TestReserve_ConcurrentOverdraft(t *testing.T) {
	userID := uuid.New()
	jobA, jobB := uuid.New(), uuid.New()
	led := newMockLedger()
	led.balances[userID] = 10
	jobs := newMockJobStore(
		&models.Job{ID: jobA, UserID: userID},
		&models.Job{ID: jobB, UserID: userID},
	)
	m := newTestManager(led, jobs, newMockOutbox())

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, jobID := range []uuid.UUID{jobA, jobB} {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			errs <- m.Reserve(context.Background(), userID, id, 7)
		}(jobID)
	}
	wg.Wait()
	close(errs)

	var succeeded, insufficient int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		t.Fatalf("expected one success and one ErrInsufficientCredits, got %d successes, %d insufficient", succeeded, insufficient)
	}
	if got := led.balance(userID); got != 3 {
		t.Errorf("expected balance 3 after the winning reserve, got %d", got)
	}
	if n := len(led.byType(models.EntryJobReserve)); n != 1 {
		t.Errorf("expected exactly one reserve entry, got %d", n)
	}
}

func TestReserve_RejectsNonPositiveAmount(t *testing.T) {
	m := newTestManager(newMockLedger(), newMockJobStore(), newMockOutbox())
	for _, amount := range []int64{0, -5} {
		if err := m.Reserve(context.Background(), uuid.New(), uuid.New(), amount); err == nil {
			t.Errorf("expected error for amount %d", amount)
		}
	}
}

// The canonical round trip: 10 credits, reserve 10, finish at 7, 3 come back.
func TestFinalize_RefundsUnusedReservation(t *testing.T) {
	userID, jobID := uuid.New(), uuid.New()
	led := newMockLedger()
	led.balances[userID] = 10
	jobs := newMockJobStore(&models.Job{ID: jobID, UserID: userID})
	out := newMockOutbox()
	m := newTestManager(led, jobs, out)

	if err := m.Reserve(context.Background(), userID, jobID, 10); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := led.balance(userID); got != 0 {
		t.Fatalf("expected balance 0 after reserve, got %d", got)
	}

	if err := m.Finalize(context.Background(), userID, jobID, 7); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got := led.balance(userID); got != 3 {
		t.Errorf("expected balance 3 after finalize, got %d", got)
	}
	if got := jobs.jobs[jobID].CreditsCharged; got == nil || *got != 7 {
		t.Errorf("expected credits_charged 7, got %v", got)
	}
	finalizes := led.byType(models.EntryJobFinalize)
	if len(finalizes) != 1 || finalizes[0].Amount != 3 {
		t.Errorf("expected one +3 finalize entry, got %+v", finalizes)
	}
	if len(out.entries) != 1 || out.entries[0].DedupeKey != "job_completed:"+jobID.String() {
		t.Errorf("expected one job_completed outbox entry, got %+v", out.entries)
	}
}

func TestFinalize_IsIdempotent(t *testing.T) {
	userID, jobID := uuid.New(), uuid.New()
	led := newMockLedger()
	led.balances[userID] = 10
	jobs := newMockJobStore(&models.Job{ID: jobID, UserID: userID})
	out := newMockOutbox()
	m := newTestManager(led, jobs, out)

	if err := m.Reserve(context.Background(), userID, jobID, 10); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.Finalize(context.Background(), userID, jobID, 7); err != nil {
			t.Fatalf("Finalize call %d: %v", i+1, err)
		}
	}
	if got := led.balance(userID); got != 3 {
		t.Errorf("expected balance 3 after repeated finalize, got %d", got)
	}
	if n := len(led.byType(models.EntryJobFinalize)); n != 1 {
		t.Errorf("expected exactly one finalize entry, got %d", n)
	}
	if len(out.entries) != 1 {
		t.Errorf("expected exactly one outbox entry, got %d", len(out.entries))
	}
}

func TestFinalize_FullCostWritesZeroMarker(t *testing.T) {
	userID, jobID := uuid.New(), uuid.New()
	led := newMockLedger()
	led.balances[userID] = 10
	jobs := newMockJobStore(&models.Job{ID: jobID, UserID: userID})
	m := newTestManager(led, jobs, newMockOutbox())

	if err := m.Reserve(context.Background(), userID, jobID, 10); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.Finalize(context.Background(), userID, jobID, 10); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	// The zero-refund entry is still written: it is the idempotency marker.
	finalizes := led.byType(models.EntryJobFinalize)
	if len(finalizes) != 1 || finalizes[0].Amount != 0 {
		t.Errorf("expected one zero finalize entry, got %+v", finalizes)
	}

	// A late release must now be a no-op, not a double refund.
	if err := m.Release(context.Background(), userID, jobID); err != nil {
		t.Fatalf("Release after finalize: %v", err)
	}
	if got := led.balance(userID); got != 0 {
		t.Errorf("expected balance 0, got %d", got)
	}
}

func TestFinalize_RejectsCostAboveReservation(t *testing.T) {
	userID, jobID := uuid.New(), uuid.New()
	led := newMockLedger()
	led.balances[userID] = 10
	jobs := newMockJobStore(&models.Job{ID: jobID, UserID: userID})
	m := newTestManager(led, jobs, newMockOutbox())

	if err := m.Reserve(context.Background(), userID, jobID, 10); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	err := m.Finalize(context.Background(), userID, jobID, 12)
	if !errors.Is(err, ErrFinalCostExceedsReserved) {
		t.Fatalf("expected ErrFinalCostExceedsReserved, got %v", err)
	}
}

func TestFinalize_NothingReserved(t *testing.T) {
	userID, jobID := uuid.New(), uuid.New()
	jobs := newMockJobStore(&models.Job{ID: jobID, UserID: userID})
	m := newTestManager(newMockLedger(), jobs, newMockOutbox())

	err := m.Finalize(context.Background(), userID, jobID, 5)
	if !errors.Is(err, ErrNothingReserved) {
		t.Fatalf("expected ErrNothingReserved, got %v", err)
	}
}

func TestGrant_CreditsAndQueuesNotification(t *testing.T) {
	userID := uuid.New()
	led := newMockLedger()
	out := newMockOutbox()
	m := newTestManager(led, newMockJobStore(), out)

	newBalance, err := m.Grant(context.Background(), userID, 50, models.EntryPurchase, "starter pack", "evt_9001")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if newBalance != 50 {
		t.Errorf("expected new balance 50, got %d", newBalance)
	}
	if got := led.balance(userID); got != 50 {
		t.Errorf("expected balance 50, got %d", got)
	}
	if len(out.entries) != 1 || out.entries[0].Type != models.OutboxCreditsAdded ||
		out.entries[0].DedupeKey != "credits_added:evt_9001" {
		t.Fatalf("expected one credits_added outbox entry, got %+v", out.entries)
	}

	// A replayed provider event queues no second email.
	if _, err := m.Grant(context.Background(), userID, 50, models.EntryPurchase, "starter pack", "evt_9001"); err != nil {
		t.Fatalf("Grant replay: %v", err)
	}
	if len(out.entries) != 1 {
		t.Errorf("expected the replayed event to be deduped, got %d entries", len(out.entries))
	}
}

// The full narrative in one sitting: 10 credits, a 2-credit job settles at
// full cost, a second job drains the rest, and a third reservation bounces
// at zero.
func TestManager_AccountingScenario(t *testing.T) {
	userID := uuid.New()
	jobA, jobB, jobC := uuid.New(), uuid.New(), uuid.New()
	led := newMockLedger()
	led.balances[userID] = 10
	jobs := newMockJobStore(
		&models.Job{ID: jobA, UserID: userID},
		&models.Job{ID: jobB, UserID: userID},
		&models.Job{ID: jobC, UserID: userID},
	)
	m := newTestManager(led, jobs, newMockOutbox())
	ctx := context.Background()

	if err := m.Reserve(ctx, userID, jobA, 2); err != nil {
		t.Fatalf("Reserve job A: %v", err)
	}
	if got := led.balance(userID); got != 8 {
		t.Fatalf("expected balance 8 after reserve, got %d", got)
	}
	if got := jobs.jobs[jobA].CreditsRequired; got != 2 {
		t.Fatalf("expected credits_required 2, got %d", got)
	}

	if err := m.Finalize(ctx, userID, jobA, 2); err != nil {
		t.Fatalf("Finalize job A: %v", err)
	}
	if got := led.balance(userID); got != 8 {
		t.Fatalf("expected balance to stay 8 at full cost, got %d", got)
	}
	if got := jobs.jobs[jobA].CreditsCharged; got == nil || *got != 2 {
		t.Fatalf("expected credits_charged 2, got %v", got)
	}

	if err := m.Reserve(ctx, userID, jobB, 8); err != nil {
		t.Fatalf("Reserve job B: %v", err)
	}
	if got := led.balance(userID); got != 0 {
		t.Fatalf("expected balance 0, got %d", got)
	}

	if err := m.Reserve(ctx, userID, jobC, 1); !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits at zero balance, got %v", err)
	}
	if got := led.balance(userID); got != 0 {
		t.Errorf("failed reserve must not move the balance, got %d", got)
	}

	// The balance is always the starting balance plus the entry sum.
	led.mu.Lock()
	var sum int64
	for _, e := range led.entries {
		sum += e.Amount
	}
	led.mu.Unlock()
	if got, want := led.balance(userID), int64(10)+sum; got != want {
		t.Errorf("balance %d diverged from entry sum %d", got, want)
	}
}

func TestRelease_RefundsReservedAmount(t *testing.T) {
	userID, jobID := uuid.New(), uuid.New()
	led := newMockLedger()
	led.balances[userID] = 10
	jobs := newMockJobStore(&models.Job{ID: jobID, UserID: userID})
	out := newMockOutbox()
	m := newTestManager(led, jobs, out)

	if err := m.Reserve(context.Background(), userID, jobID, 10); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := m.Release(context.Background(), userID, jobID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := led.balance(userID); got != 10 {
		t.Errorf("expected full balance back, got %d", got)
	}
	if len(out.entries) != 1 || out.entries[0].DedupeKey != "job_refunded:"+jobID.String() {
		t.Errorf("expected one job_refunded outbox entry, got %+v", out.entries)
	}
}

func TestRelease_IsIdempotent(t *testing.T) {
	userID, jobID := uuid.New(), uuid.New()
	led := newMockLedger()
	led.balances[userID] = 10
	jobs := newMockJobStore(&models.Job{ID: jobID, UserID: userID})
	m := newTestManager(led, jobs, newMockOutbox())

	if err := m.Reserve(context.Background(), userID, jobID, 10); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.Release(context.Background(), userID, jobID); err != nil {
			t.Fatalf("Release call %d: %v", i+1, err)
		}
	}
	if got := led.balance(userID); got != 10 {
		t.Errorf("expected balance 10 after repeated release, got %d", got)
	}
	if n := len(led.byType(models.EntryJobRelease)); n != 1 {
		t.Errorf("expected exactly one release entry, got %d", n)
	}
}
