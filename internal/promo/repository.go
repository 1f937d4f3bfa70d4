package promo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/markless/backend/internal/models"
)

// ErrAlreadyRedeemed is returned when the (user_id, campaign_id) unique
// constraint rejects a duplicate redemption. The constraint, not application
// logic, is what resolves truly concurrent attempts.
var ErrAlreadyRedeemed = errors.New("campaign already redeemed by user")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) GetCampaignByCode(ctx context.Context, code string) (*models.PromoCampaign, error) {
	return r.scanCampaign(r.pool.QueryRow(ctx, `
		SELECT id, code, credits, active, new_accounts_only, starts_at, ends_at, max_redemptions, redemption_count, created_at
		FROM promo_campaigns WHERE code = $1
	`, code))
}

// GetCampaignForUpdate locks the campaign row so the eligibility check and
// the cap increment observe a consistent count. Call within a transaction.
func (r *Repository) GetCampaignForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PromoCampaign, error) {
	return r.scanCampaign(tx.QueryRow(ctx, `
		SELECT id, code, credits, active, new_accounts_only, starts_at, ends_at, max_redemptions, redemption_count, created_at
		FROM promo_campaigns WHERE id = $1 FOR UPDATE
	`, id))
}

func (r *Repository) scanCampaign(row pgx.Row) (*models.PromoCampaign, error) {
	var c models.PromoCampaign
	err := row.Scan(&c.ID, &c.Code, &c.Credits, &c.Active, &c.NewAccountsOnly, &c.StartsAt, &c.EndsAt, &c.MaxRedemptions, &c.RedemptionCount, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// IncrementRedemptionsTx bumps the redemption counter if the campaign is
// still under its global cap. Returns false when the cap is reached.
func (r *Repository) IncrementRedemptionsTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	result, err := tx.Exec(ctx, `
		UPDATE promo_campaigns SET redemption_count = redemption_count + 1
		WHERE id = $1 AND (max_redemptions IS NULL OR redemption_count < max_redemptions)
	`, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// InsertRedemptionTx inserts the redemption row. A unique violation on
// (user_id, campaign_id) maps to ErrAlreadyRedeemed.
func (r *Repository) InsertRedemptionTx(ctx context.Context, tx pgx.Tx, red *models.PromoRedemption) error {
	if red.ID == uuid.Nil {
		red.ID = uuid.New()
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO promo_redemptions (id, user_id, campaign_id, token_hash, ip_hash, user_agent_hash, credits_awarded)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, red.ID, red.UserID, red.CampaignID, red.TokenHash, red.IPHash, red.UserAgentHash, red.CreditsAwarded).Scan(&red.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyRedeemed
		}
		return err
	}
	return nil
}
