package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/markless/backend/internal/models"
)

// ErrFinalCostExceedsReserved is returned when finalize is called with a
// cost above the amount reserved for the job. credits_charged can never
// exceed the reservation.
var ErrFinalCostExceedsReserved = errors.New("final cost exceeds reserved amount")

// ErrNothingReserved is returned when finalize or release runs against a
// job that never had a reservation.
var ErrNothingReserved = errors.New("no reservation exists for job")

// Ledger is the ledger surface the reservation manager writes through.
type Ledger interface {
	AddEntryTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, entryType, description string, jobID *uuid.UUID) (int64, error)
	HasJobEntry(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, entryType string) (bool, error)
}

// JobStore is the minimal job persistence interface for reservations.
type JobStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error)
	SetCreditsRequiredTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error
	// SetCreditsChargedTx sets credits_charged only if it is still unset.
	SetCreditsChargedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error
}

// Outbox queues notifications in the same transaction as the ledger write
// that owes them.
type Outbox interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, e *models.OutboxEntry) error
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Manager ties ledger debits and credits to a job's lifecycle: reserve at
// submission, finalize on success, release on terminal failure or cancel.
type Manager struct {
	db     TxBeginner
	ledger Ledger
	jobs   JobStore
	outbox Outbox
}

func NewManager(db TxBeginner, ledger Ledger, jobs JobStore, outbox Outbox) *Manager {
	return &Manager{db: db, ledger: ledger, jobs: jobs, outbox: outbox}
}

// ReserveTx debits the full amount up front and records it on the job, so
// the balance reflects funds at risk from submission time. Fails with
// ledger.ErrInsufficientCredits with no partial effect. Not idempotent: a
// duplicate reservation for the same job is a caller bug, not a retry.
func (m *Manager) ReserveTx(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %d", amount)
	}
	if _, err := m.ledger.AddEntryTx(ctx, tx, userID, -amount, models.EntryJobReserve, "credits reserved for job", &jobID); err != nil {
		return err
	}
	return m.jobs.SetCreditsRequiredTx(ctx, tx, jobID, amount)
}

// FinalizeTx settles a successfully finished job at its final cost. The
// unused part of the reservation is credited back in the same transaction,
// so the total debit for the job equals finalCost. Idempotent per job: a
// second call observes the existing job_finalize entry and does nothing.
func (m *Manager) FinalizeTx(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID, finalCost int64) error {
	if finalCost < 0 {
		return fmt.Errorf("final cost must be >= 0, got %d", finalCost)
	}
	done, err := m.ledger.HasJobEntry(ctx, tx, jobID, models.EntryJobFinalize)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	job, err := m.jobs.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	reserved := job.CreditsRequired
	if reserved <= 0 {
		return ErrNothingReserved
	}
	if finalCost > reserved {
		return fmt.Errorf("%w: %d > %d", ErrFinalCostExceedsReserved, finalCost, reserved)
	}

	// The refund entry doubles as the idempotency marker, so it is written
	// even when the refund is zero.
	refund := reserved - finalCost
	if _, err := m.ledger.AddEntryTx(ctx, tx, userID, refund, models.EntryJobFinalize, "unused reservation returned", &jobID); err != nil {
		return err
	}
	if err := m.jobs.SetCreditsChargedTx(ctx, tx, jobID, finalCost); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]any{"job_id": jobID, "credits_charged": finalCost})
	return m.outbox.EnqueueTx(ctx, tx, &models.OutboxEntry{
		UserID:    userID,
		Type:      models.OutboxJobCompleted,
		Payload:   payload,
		DedupeKey: "job_completed:" + jobID.String(),
	})
}

// ReleaseTx refunds the originally reserved amount when a job fails
// terminally or is canceled. The amount is read from the job's own
// credits_required, never from the caller, so a stale caller cannot
// mismatch the refund. Idempotent per job.
func (m *Manager) ReleaseTx(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID) error {
	released, err := m.ledger.HasJobEntry(ctx, tx, jobID, models.EntryJobRelease)
	if err != nil {
		return err
	}
	if released {
		return nil
	}
	finalized, err := m.ledger.HasJobEntry(ctx, tx, jobID, models.EntryJobFinalize)
	if err != nil {
		return err
	}
	if finalized {
		// Already settled as a success; releasing on top would double-refund.
		return nil
	}

	job, err := m.jobs.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.CreditsRequired <= 0 {
		return ErrNothingReserved
	}
	if _, err := m.ledger.AddEntryTx(ctx, tx, userID, job.CreditsRequired, models.EntryJobRelease, "reservation released", &jobID); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]any{"job_id": jobID, "credits_refunded": job.CreditsRequired})
	return m.outbox.EnqueueTx(ctx, tx, &models.OutboxEntry{
		UserID:    userID,
		Type:      models.OutboxJobRefunded,
		Payload:   payload,
		DedupeKey: "job_refunded:" + jobID.String(),
	})
}

// Grant credits the result of a verified payment event, or a manual support
// adjustment, and queues the confirmation email in the same transaction.
// eventID is the provider's event identifier; it keys the notification
// dedupe so a replayed webhook cannot queue a second email.
func (m *Manager) Grant(ctx context.Context, userID uuid.UUID, amount int64, entryType, description, eventID string) (int64, error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	newBalance, err := m.ledger.AddEntryTx(ctx, tx, userID, amount, entryType, description, nil)
	if err != nil {
		return 0, err
	}

	payload, _ := json.Marshal(map[string]any{"amount": amount, "entry_type": entryType, "new_balance": newBalance})
	if err := m.outbox.EnqueueTx(ctx, tx, &models.OutboxEntry{
		UserID:    userID,
		Type:      models.OutboxCreditsAdded,
		Payload:   payload,
		DedupeKey: "credits_added:" + eventID,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Reserve runs ReserveTx in its own transaction.
func (m *Manager) Reserve(ctx context.Context, userID, jobID uuid.UUID, amount int64) error {
	return m.inTx(ctx, func(tx pgx.Tx) error {
		return m.ReserveTx(ctx, tx, userID, jobID, amount)
	})
}

// Finalize runs FinalizeTx in its own transaction.
func (m *Manager) Finalize(ctx context.Context, userID, jobID uuid.UUID, finalCost int64) error {
	return m.inTx(ctx, func(tx pgx.Tx) error {
		return m.FinalizeTx(ctx, tx, userID, jobID, finalCost)
	})
}

// Release runs ReleaseTx in its own transaction.
func (m *Manager) Release(ctx context.Context, userID, jobID uuid.UUID) error {
	return m.inTx(ctx, func(tx pgx.Tx) error {
		return m.ReleaseTx(ctx, tx, userID, jobID)
	})
}

func (m *Manager) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
