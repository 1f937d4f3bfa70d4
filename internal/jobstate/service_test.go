package jobstate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/markless/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for JobStore and EventStore.
// ---------------------------------------------------------------------------

type mockJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newMockJobs(js ...*models.Job) *mockJobs {
	m := &mockJobs{jobs: make(map[uuid.UUID]*models.Job)}
	for _, j := range js {
		cp := *j
		m.jobs[j.ID] = &cp
	}
	return m
}

func (m *mockJobs) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobs) SetStatusTx(_ context.Context, _ pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	return true, nil
}

func (m *mockJobs) IncrementRetryTx(_ context.Context, _ pgx.Tx, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return pgx.ErrNoRows
	}
	j.RetryCount++
	return nil
}

func (m *mockJobs) status(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status
}

type mockEvents struct {
	mu      sync.Mutex
	inTx    []*models.JobEvent
	outside []*models.JobEvent
}

func (m *mockEvents) Insert(_ context.Context, e *models.JobEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.outside = append(m.outside, &cp)
	return nil
}

func (m *mockEvents) InsertTx(_ context.Context, _ pgx.Tx, e *models.JobEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.inTx = append(m.inTx, &cp)
	return nil
}

type fakeTx struct {
	pgx.Tx
	committed bool
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }

type fakeDB struct{ last *fakeTx }

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	d.last = &fakeTx{}
	return d.last, nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestTransition_ValidWritesStatusAndEvent(t *testing.T) {
	jobID := uuid.New()
	jobs := newMockJobs(&models.Job{ID: jobID, Status: StatusQueued})
	events := &mockEvents{}
	svc := NewService(&fakeDB{}, jobs, events, nil)

	if err := svc.Transition(context.Background(), jobID, StatusQueued, StatusClaimed, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got := jobs.status(jobID); got != StatusClaimed {
		t.Errorf("expected status claimed, got %s", got)
	}
	if len(events.inTx) != 1 {
		t.Fatalf("expected 1 in-tx event, got %d", len(events.inTx))
	}
	e := events.inTx[0]
	if e.EventType != models.EventStatusChange || e.FromState != StatusQueued || e.ToState != StatusClaimed {
		t.Errorf("unexpected event: %+v", e)
	}
}

func TestTransition_InvalidLeavesStatusAndRecordsAttempt(t *testing.T) {
	jobID := uuid.New()
	jobs := newMockJobs(&models.Job{ID: jobID, Status: StatusSucceeded})
	events := &mockEvents{}
	svc := NewService(&fakeDB{}, jobs, events, nil)

	err := svc.Transition(context.Background(), jobID, StatusSucceeded, StatusRunning, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := jobs.status(jobID); got != StatusSucceeded {
		t.Errorf("status must be unchanged, got %s", got)
	}

	// The audit row is written outside the transaction so it survives the
	// caller's rollback.
	if len(events.outside) != 1 {
		t.Fatalf("expected 1 out-of-tx event, got %d", len(events.outside))
	}
	if events.outside[0].EventType != models.EventInvalidTransitionAttempt {
		t.Errorf("unexpected event type %s", events.outside[0].EventType)
	}
	if len(events.inTx) != 0 {
		t.Errorf("no in-tx event expected for a rejected attempt")
	}
}

func TestTransition_StaleFromIsRejected(t *testing.T) {
	jobID := uuid.New()
	jobs := newMockJobs(&models.Job{ID: jobID, Status: StatusRunning})
	events := &mockEvents{}
	svc := NewService(&fakeDB{}, jobs, events, nil)

	// Caller believes the job is still queued.
	err := svc.Transition(context.Background(), jobID, StatusQueued, StatusClaimed, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := jobs.status(jobID); got != StatusRunning {
		t.Errorf("status must be unchanged, got %s", got)
	}
	if len(events.outside) != 1 {
		t.Errorf("expected rejected attempt to be recorded, got %d events", len(events.outside))
	}
}

func TestTransition_RetryGate(t *testing.T) {
	t.Run("under budget requeues and increments", func(t *testing.T) {
		jobID := uuid.New()
		jobs := newMockJobs(&models.Job{ID: jobID, Status: StatusFailedRetryable, RetryCount: 1, MaxRetries: 3})
		events := &mockEvents{}
		svc := NewService(&fakeDB{}, jobs, events, nil)

		if err := svc.Transition(context.Background(), jobID, StatusFailedRetryable, StatusQueued, nil); err != nil {
			t.Fatalf("Transition: %v", err)
		}
		jobs.mu.Lock()
		j := jobs.jobs[jobID]
		jobs.mu.Unlock()
		if j.Status != StatusQueued || j.RetryCount != 2 {
			t.Errorf("expected queued with retry_count 2, got %s/%d", j.Status, j.RetryCount)
		}
		if len(events.inTx) != 1 || events.inTx[0].EventType != models.EventRetryScheduled {
			t.Errorf("expected a retry_scheduled event, got %+v", events.inTx)
		}
	})

	t.Run("exhausted budget is rejected", func(t *testing.T) {
		jobID := uuid.New()
		jobs := newMockJobs(&models.Job{ID: jobID, Status: StatusFailedRetryable, RetryCount: 3, MaxRetries: 3})
		events := &mockEvents{}
		svc := NewService(&fakeDB{}, jobs, events, nil)

		err := svc.Transition(context.Background(), jobID, StatusFailedRetryable, StatusQueued, nil)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		if got := jobs.status(jobID); got != StatusFailedRetryable {
			t.Errorf("status must be unchanged, got %s", got)
		}
	})
}

func TestTransition_CommitsOwnTransaction(t *testing.T) {
	jobID := uuid.New()
	jobs := newMockJobs(&models.Job{ID: jobID, Status: StatusQueued})
	db := &fakeDB{}
	svc := NewService(db, jobs, &mockEvents{}, nil)

	if err := svc.Transition(context.Background(), jobID, StatusQueued, StatusClaimed, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if db.last == nil || !db.last.committed {
		t.Error("expected transaction to be committed")
	}
}
