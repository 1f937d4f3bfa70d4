package jobstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/markless/backend/internal/models"
)

// ErrInvalidTransition is returned when a status write falls outside the
// transition table, loses a compare-and-swap race, or fails the retry gate.
// Every rejected attempt is also recorded as an invalid_transition_attempt
// event for forensics.
var ErrInvalidTransition = errors.New("invalid job status transition")

// JobStore is the minimal job persistence interface for transitions.
type JobStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error)
	// SetStatusTx compare-and-swaps the status and reports whether a row
	// matched. Terminal statuses also set completed_at.
	SetStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error)
	IncrementRetryTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

// EventStore records transition attempts. Insert (non-tx) is used for
// rejected attempts so the audit row survives the rollback.
type EventStore interface {
	Insert(ctx context.Context, e *models.JobEvent) error
	InsertTx(ctx context.Context, tx pgx.Tx, e *models.JobEvent) error
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	db     TxBeginner
	jobs   JobStore
	events EventStore
	log    *slog.Logger
}

func NewService(db TxBeginner, jobs JobStore, events EventStore, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, jobs: jobs, events: events, log: log}
}

// Transition runs TransitionTx in its own transaction.
func (s *Service) Transition(ctx context.Context, jobID uuid.UUID, from, to string, metadata json.RawMessage) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.TransitionTx(ctx, tx, jobID, from, to, metadata); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TransitionTx applies one status change inside the caller's transaction.
// The row is locked first so the observed status is the one the CAS runs
// against; anything outside the allowed set is rejected and logged rather
// than applied.
func (s *Service) TransitionTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, from, to string, metadata json.RawMessage) error {
	job, err := s.jobs.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}

	if job.Status != from {
		return s.reject(ctx, jobID, from, to, fmt.Sprintf("job is %s, not %s", job.Status, from), metadata)
	}
	if !IsValidTransition(from, to) {
		return s.reject(ctx, jobID, from, to, "transition not in table", metadata)
	}
	if from == StatusFailedRetryable && to == StatusQueued {
		if job.RetryCount >= job.MaxRetries {
			return s.reject(ctx, jobID, from, to, fmt.Sprintf("retries exhausted (%d/%d)", job.RetryCount, job.MaxRetries), metadata)
		}
		if err := s.jobs.IncrementRetryTx(ctx, tx, jobID); err != nil {
			return err
		}
	}

	ok, err := s.jobs.SetStatusTx(ctx, tx, jobID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return s.reject(ctx, jobID, from, to, "status changed concurrently", metadata)
	}

	eventType := models.EventStatusChange
	if from == StatusFailedRetryable && to == StatusQueued {
		eventType = models.EventRetryScheduled
	}
	return s.events.InsertTx(ctx, tx, &models.JobEvent{
		JobID:     jobID,
		EventType: eventType,
		FromState: from,
		ToState:   to,
		Metadata:  metadata,
	})
}

// reject records the attempt outside the transaction and returns
// ErrInvalidTransition. The caller's rollback discards the write, not the
// audit row.
func (s *Service) reject(ctx context.Context, jobID uuid.UUID, from, to, reason string, metadata json.RawMessage) error {
	s.log.Warn("invalid job transition attempt", "job_id", jobID, "from", from, "to", to, "reason", reason)
	if err := s.events.Insert(ctx, &models.JobEvent{
		JobID:     jobID,
		EventType: models.EventInvalidTransitionAttempt,
		FromState: from,
		ToState:   to,
		Message:   reason,
		Metadata:  metadata,
	}); err != nil {
		s.log.Error("record invalid transition attempt", "job_id", jobID, "error", err)
	}
	return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, from, to, reason)
}
