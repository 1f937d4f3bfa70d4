package ledger

import (
	"context"

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

// GetBalance returns the materialized balance from the accounts row.
func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `
		SELECT balance FROM accounts WHERE id = $1
	`, userID).Scan(&balance)
	return balance, err
}

// SumEntries derives the balance from the append-only log. It must always
// equal GetBalance for the same user.
func (r *Repository) SumEntries(ctx context.Context, userID uuid.UUID) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1
	`, userID).Scan(&sum)
	return sum, err
}

// Credit adds amount to the account balance and returns the new balance.
// Call within a transaction.
func (r *Repository) Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = now()
		WHERE id = $2
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	return newBalance, err
}

// DebitIfSufficient atomically deducts amount if balance >= amount.
// Returns ErrInsufficientCredits when the conditional update matches no row.
func (r *Repository) DebitIfSufficient(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance - $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	if err == pgx.ErrNoRows {
		return 0, ErrInsufficientCredits
	}
	return newBalance, err
}

// InsertEntry appends a ledger row inside the given transaction. Entries are
// never updated or deleted.
func (r *Repository) InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, entry_type, amount, resulting_balance, job_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, e.ID, e.UserID, e.EntryType, e.Amount, e.ResultingBalance, e.JobID, e.Description).Scan(&e.CreatedAt)
}

// HasJobEntry reports whether an entry of the given type already exists for
// the job. Finalize/release consult this to stay idempotent per job.
func (r *Repository) HasJobEntry(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, entryType string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE job_id = $1 AND entry_type = $2)
	`, jobID, entryType).Scan(&exists)
	return exists, err
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, entry_type, amount, resulting_balance, job_id, description, created_at
		FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.EntryType, &e.Amount, &e.ResultingBalance, &e.JobID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}

func (r *Repository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, entry_type, amount, resulting_balance, job_id, description, created_at
		FROM ledger_entries WHERE job_id = $1 ORDER BY created_at ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.EntryType, &e.Amount, &e.ResultingBalance, &e.JobID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
