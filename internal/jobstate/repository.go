package jobstate

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/markless/backend/internal/models"
)

// EventRepository persists job_events, one row per transition attempt.
type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// Insert writes an event outside any caller transaction. Used for
// invalid_transition_attempt records, which must survive the rollback of
// the rejected write.
func (r *EventRepository) Insert(ctx context.Context, e *models.JobEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO job_events (id, job_id, event_type, from_state, to_state, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, e.ID, e.JobID, e.EventType, e.FromState, e.ToState, e.Message, e.Metadata).Scan(&e.CreatedAt)
}

// InsertTx writes an event inside the caller's transaction, committed
// together with the status change it records.
func (r *EventRepository) InsertTx(ctx context.Context, tx pgx.Tx, e *models.JobEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO job_events (id, job_id, event_type, from_state, to_state, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, e.ID, e.JobID, e.EventType, e.FromState, e.ToState, e.Message, e.Metadata).Scan(&e.CreatedAt)
}

func (r *EventRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*models.JobEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, event_type, from_state, to_state, message, metadata, created_at
		FROM job_events WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.EventType, &e.FromState, &e.ToState, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
