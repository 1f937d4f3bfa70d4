package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/markless/backend/internal/execution"
	"github.com/markless/backend/internal/jobstate"
	"github.com/markless/backend/internal/models"
)

// ErrNotJobOwner is returned when an account acts on another account's job.
var ErrNotJobOwner = errors.New("job does not belong to user")

// CreditsManager is the reservation surface the jobs service composes into
// its transactions.
type CreditsManager interface {
	ReserveTx(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID, amount int64) error
	FinalizeTx(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID, finalCost int64) error
	ReleaseTx(ctx context.Context, tx pgx.Tx, userID, jobID uuid.UUID) error
}

// StateMachine validates and records every status write.
type StateMachine interface {
	Transition(ctx context.Context, jobID uuid.UUID, from, to string, metadata json.RawMessage) error
	TransitionTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, from, to string, metadata json.RawMessage) error
}

// JobStore is the persistence interface for the jobs service.
type JobStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Job, error)
	SetErrorTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, code, message string) error
	SetOutputURLTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, outputURL string) error
}

// InsertProcessVideoTxFunc enqueues a ProcessVideo run within the given
// transaction. Provided by main as a closure over river.Client.InsertTx.
type InsertProcessVideoTxFunc func(ctx context.Context, tx pgx.Tx, args execution.ProcessVideoArgs) error

// CostForDuration prices a job: one credit per started 30 seconds of video,
// minimum one.
func CostForDuration(durationSeconds int) int64 {
	if durationSeconds <= 0 {
		return 1
	}
	return int64((durationSeconds + 29) / 30)
}

type Service struct {
	repo               JobStore
	credits            CreditsManager
	state              StateMachine
	insertProcessVideo InsertProcessVideoTxFunc
	maxRetries         int
	log                *slog.Logger
}

func NewService(repo JobStore, credits CreditsManager, state StateMachine, insertProcessVideo InsertProcessVideoTxFunc, maxRetries int, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		repo:               repo,
		credits:            credits,
		state:              state,
		insertProcessVideo: insertProcessVideo,
		maxRetries:         maxRetries,
		log:                log,
	}
}

var _ execution.JobService = (*Service)(nil)

// Submit creates the job, reserves its credits, and enqueues the processing
// run — one transaction, so a crash leaves either everything or nothing.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, sourceURL string, durationSeconds int) (*models.Job, error) {
	cost := CostForDuration(durationSeconds)
	job := &models.Job{
		ID:              uuid.New(),
		UserID:          userID,
		SourceURL:       sourceURL,
		Status:          jobstate.StatusQueued,
		CreditsRequired: cost,
		MaxRetries:      s.maxRetries,
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := s.repo.CreateTx(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := s.credits.ReserveTx(ctx, tx, userID, job.ID, cost); err != nil {
		return nil, err
	}
	if err := s.insertProcessVideo(ctx, tx, execution.ProcessVideoArgs{
		JobID:     job.ID,
		UserID:    userID,
		SourceURL: sourceURL,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Info("job submitted", "job_id", job.ID, "user_id", userID, "credits_reserved", cost)
	return job, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Job, error) {
	return s.repo.ListByUser(ctx, userID)
}

// StartProcessing implements execution.JobService. It drives the job from
// queued into running; a re-delivered queue entry finds the job already
// running and continues, while a job that left the pipeline is dropped.
func (s *Service) StartProcessing(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case jobstate.StatusQueued:
		if err := s.state.Transition(ctx, jobID, jobstate.StatusQueued, jobstate.StatusClaimed, nil); err != nil {
			return err
		}
		return s.state.Transition(ctx, jobID, jobstate.StatusClaimed, jobstate.StatusRunning, nil)
	case jobstate.StatusClaimed:
		return s.state.Transition(ctx, jobID, jobstate.StatusClaimed, jobstate.StatusRunning, nil)
	case jobstate.StatusRunning:
		return nil
	default:
		return fmt.Errorf("%w: job is %s", execution.ErrJobNotRunnable, job.Status)
	}
}

// ReportProgress applies a worker-reported intermediate transition.
func (s *Service) ReportProgress(ctx context.Context, jobID uuid.UUID, from, to string, metadata json.RawMessage) error {
	if !jobstate.IsKnown(to) {
		return fmt.Errorf("%w: unknown status %q", jobstate.ErrInvalidTransition, to)
	}
	return s.state.Transition(ctx, jobID, from, to, metadata)
}

// Complete implements execution.JobService: transitions the job to
// succeeded and finalizes the charge in one transaction. A reported cost
// above the reservation is clamped — credits_charged never exceeds what was
// reserved.
func (s *Service) Complete(ctx context.Context, jobID uuid.UUID, outputURL string, finalCost int64) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status == jobstate.StatusSucceeded {
		return nil
	}
	if finalCost > job.CreditsRequired {
		s.log.Warn("reported cost exceeds reservation, clamping",
			"job_id", jobID, "reported", finalCost, "reserved", job.CreditsRequired)
		finalCost = job.CreditsRequired
	}
	if finalCost < 0 {
		finalCost = job.CreditsRequired
	}

	// Walk the remaining pipeline states to succeeded.
	current := job.Status
	for _, step := range []string{jobstate.StatusFinalizing, jobstate.StatusSucceeded} {
		if current == step {
			continue
		}
		if err := s.state.TransitionTx(ctx, tx, jobID, current, step, nil); err != nil {
			return err
		}
		current = step
	}

	if err := s.repo.SetOutputURLTx(ctx, tx, jobID, outputURL); err != nil {
		return err
	}
	if err := s.credits.FinalizeTx(ctx, tx, job.UserID, jobID, finalCost); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("job completed", "job_id", jobID, "credits_charged", finalCost)
	return nil
}

// Fail implements execution.JobService. Retryable failures under the retry
// budget are re-queued; everything else ends terminal and releases the
// reservation.
func (s *Service) Fail(ctx context.Context, jobID uuid.UUID, code, message string, retryable bool) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if jobstate.IsTerminal(job.Status) {
		// Late duplicate report; the state machine already closed the job.
		return nil
	}
	if err := s.repo.SetErrorTx(ctx, tx, jobID, code, message); err != nil {
		return err
	}

	if job.Status != jobstate.StatusFailedRetryable {
		if err := s.state.TransitionTx(ctx, tx, jobID, job.Status, jobstate.StatusFailedRetryable, nil); err != nil {
			return err
		}
	}

	if retryable && job.RetryCount < job.MaxRetries {
		if err := s.state.TransitionTx(ctx, tx, jobID, jobstate.StatusFailedRetryable, jobstate.StatusQueued, nil); err != nil {
			return err
		}
		if err := s.insertProcessVideo(ctx, tx, execution.ProcessVideoArgs{
			JobID:     jobID,
			UserID:    job.UserID,
			SourceURL: job.SourceURL,
		}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		s.log.Warn("job requeued after failure", "job_id", jobID, "code", code, "retry", job.RetryCount+1)
		return nil
	}

	if err := s.state.TransitionTx(ctx, tx, jobID, jobstate.StatusFailedRetryable, jobstate.StatusFailedTerminal, nil); err != nil {
		return err
	}
	if err := s.credits.ReleaseTx(ctx, tx, job.UserID, jobID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Warn("job failed terminally", "job_id", jobID, "code", code)
	return nil
}

// TimeOut moves a job to timed_out on the executor's report and releases
// the reservation.
func (s *Service) TimeOut(ctx context.Context, jobID uuid.UUID, message string) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status == jobstate.StatusTimedOut {
		return nil
	}
	if err := s.repo.SetErrorTx(ctx, tx, jobID, "timeout", message); err != nil {
		return err
	}
	if err := s.state.TransitionTx(ctx, tx, jobID, job.Status, jobstate.StatusTimedOut, nil); err != nil {
		return err
	}
	if err := s.credits.ReleaseTx(ctx, tx, job.UserID, jobID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Cancel ends a job at the owner's request; only pre-terminal states that
// allow canceled will pass the state machine.
func (s *Service) Cancel(ctx context.Context, userID, jobID uuid.UUID) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	job, err := s.repo.GetForUpdate(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return ErrNotJobOwner
	}
	if err := s.state.TransitionTx(ctx, tx, jobID, job.Status, jobstate.StatusCanceled, nil); err != nil {
		return err
	}
	if err := s.credits.ReleaseTx(ctx, tx, job.UserID, jobID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
