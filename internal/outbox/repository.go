package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/markless/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// EnqueueTx inserts a pending entry inside the caller's transaction, so
// "notification owed" commits or rolls back together with the ledger/state
// change that caused it. The dedupe_key conflict clause makes retried
// triggers enqueue the logical event at most once.
func (r *Repository) EnqueueTx(ctx context.Context, tx pgx.Tx, e *models.OutboxEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_entries (id, user_id, type, payload, dedupe_key, status, attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, now())
		ON CONFLICT (dedupe_key) DO NOTHING
	`, e.ID, e.UserID, e.Type, e.Payload, e.DedupeKey)
	return err
}

// ClaimTx selects a bounded batch of due pending rows, locking each with
// SKIP LOCKED so concurrent dispatcher instances claim disjoint rows.
func (r *Repository) ClaimTx(ctx context.Context, tx pgx.Tx, limit int, now time.Time) ([]*models.OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, user_id, type, payload, dedupe_key, status, attempts, next_attempt_at, error_message, sent_at, created_at
		FROM outbox_entries
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.OutboxEntry
	for rows.Next() {
		var e models.OutboxEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Payload, &e.DedupeKey, &e.Status, &e.Attempts, &e.NextAttemptAt, &e.ErrorMessage, &e.SentAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

func (r *Repository) MarkSentTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, sentAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_entries SET status = 'sent', sent_at = $2, error_message = NULL WHERE id = $1
	`, id, sentAt)
	return err
}

func (r *Repository) MarkRetryTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, nextAttemptAt time.Time, errMsg string) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_entries SET attempts = $2, next_attempt_at = $3, error_message = $4 WHERE id = $1
	`, id, attempts, nextAttemptAt, errMsg)
	return err
}

func (r *Repository) MarkFailedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, errMsg string) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_entries SET status = 'failed', attempts = $2, error_message = $3 WHERE id = $1
	`, id, attempts, errMsg)
	return err
}
