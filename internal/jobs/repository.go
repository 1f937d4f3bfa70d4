package jobs

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/markless/backend/internal/jobstate"
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

const jobColumns = `id, user_id, source_url, output_url, status, credits_required, credits_charged,
	retry_count, max_retries, error_code, error_message, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.SourceURL, &j.OutputURL, &j.Status, &j.CreditsRequired, &j.CreditsCharged,
		&j.RetryCount, &j.MaxRetries, &j.ErrorCode, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, j *models.Job) error {
	return tx.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, source_url, status, credits_required, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, j.ID, j.UserID, j.SourceURL, j.Status, j.CreditsRequired, j.MaxRetries).Scan(&j.CreatedAt, &j.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// GetForUpdate locks the job row. Call within a transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error) {
	return scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func (r *Repository) SetCreditsRequiredTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET credits_required = $2, updated_at = now() WHERE id = $1
	`, id, amount)
	return err
}

// SetCreditsChargedTx sets credits_charged once; the IS NULL guard keeps it
// immutable after finalize.
func (r *Repository) SetCreditsChargedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET credits_charged = $2, updated_at = now() WHERE id = $1 AND credits_charged IS NULL
	`, id, amount)
	return err
}

// SetStatusTx compare-and-swaps the job status and reports whether a row
// matched. Terminal statuses also stamp completed_at.
func (r *Repository) SetStatusTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $3, updated_at = now(),
			completed_at = CASE WHEN $4 THEN now() ELSE completed_at END
		WHERE id = $1 AND status = $2
	`, id, from, to, jobstate.IsTerminal(to))
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *Repository) IncrementRetryTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE jobs SET retry_count = retry_count + 1, updated_at = now() WHERE id = $1`, id)
	return err
}

func (r *Repository) SetErrorTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, code, message string) error {
	_, err := tx.Exec(ctx, `UPDATE jobs SET error_code = $2, error_message = $3, updated_at = now() WHERE id = $1`, id, code, message)
	return err
}

func (r *Repository) SetOutputURLTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, outputURL string) error {
	_, err := tx.Exec(ctx, `UPDATE jobs SET output_url = $2, updated_at = now() WHERE id = $1`, id, outputURL)
	return err
}
