package auth

import (
	"context"
	"errors"

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

// Create inserts a new account and returns it. New accounts start with a
// zero balance; starter credits arrive through the ledger, never by
// initializing the balance column directly.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName string) (*models.Account, error) {
	var a models.Account
	row := r.pool.QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash, display_name, plan)
		VALUES ($1, $2, $3, 'free')
		RETURNING id, email, display_name, balance, plan, created_at, updated_at
	`, email, passwordHash, displayName)
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Balance, &a.Plan, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByEmail returns the account and password hash for login. Returns nil
// if not found.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.Account, string, error) {
	var a models.Account
	var passwordHash string
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, balance, plan, created_at, updated_at
		FROM accounts WHERE email = $1
	`, email)
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &passwordHash, &a.Balance, &a.Plan, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", err
	}
	return &a, passwordHash, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, balance, plan, created_at, updated_at
		FROM accounts WHERE id = $1
	`, id)
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Balance, &a.Plan, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
