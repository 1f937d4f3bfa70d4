package promo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/markless/backend/internal/models"
)

// Closed set of redemption failure codes. The UI maps these to localized
// text; raw internal errors never reach the caller.
const (
	CodeCampaignNotFound   = "campaign_not_found"
	CodeCampaignDisabled   = "campaign_disabled"
	CodeCampaignNotStarted = "campaign_not_started"
	CodeCampaignExpired    = "campaign_expired"
	CodeCampaignMaxed      = "campaign_maxed"
	CodeUserNotNew         = "user_not_new"
	CodeAlreadyRedeemed    = "already_redeemed"
)

// RedemptionResult is the structured outcome of a redemption attempt.
type RedemptionResult struct {
	Success        bool   `json:"success"`
	CreditsAwarded int64  `json:"credits_awarded,omitempty"`
	NewBalance     int64  `json:"new_balance,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
}

// CampaignStore is the campaign/redemption persistence interface.
type CampaignStore interface {
	GetCampaignForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PromoCampaign, error)
	IncrementRedemptionsTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	InsertRedemptionTx(ctx context.Context, tx pgx.Tx, red *models.PromoRedemption) error
}

// AccountStore resolves the redeeming account for eligibility checks.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Ledger awards the bonus entry.
type Ledger interface {
	AddEntryTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, entryType, description string, jobID *uuid.UUID) (int64, error)
}

// Outbox queues the reward email in the same transaction as the award.
type Outbox interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, e *models.OutboxEntry) error
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	db       TxBeginner
	store    CampaignStore
	accounts AccountStore
	ledger   Ledger
	outbox   Outbox
	// newAccountWindow bounds account age for new_accounts_only campaigns.
	newAccountWindow time.Duration
	log              *slog.Logger
	now              func() time.Time
}

func NewService(db TxBeginner, store CampaignStore, accounts AccountStore, ledger Ledger, outbox Outbox, newAccountWindow time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:               db,
		store:            store,
		accounts:         accounts,
		ledger:           ledger,
		outbox:           outbox,
		newAccountWindow: newAccountWindow,
		log:              log,
		now:              time.Now,
	}
}

// Redeem validates eligibility and awards the campaign's credits at most
// once per (user, campaign), all in one transaction. Eligibility failures
// come back as a result with a closed ErrorCode and a nil error; only store
// failures surface as errors. Two concurrent calls for the same pair end
// with exactly one success: the unique constraint on promo_redemptions is
// the final arbiter, because it is the only mechanism safe against truly
// concurrent transactions.
func (s *Service) Redeem(ctx context.Context, userID, campaignID uuid.UUID, tokenHash, ipHash, uaHash string) (*RedemptionResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	campaign, err := s.store.GetCampaignForUpdate(ctx, tx, campaignID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &RedemptionResult{ErrorCode: CodeCampaignNotFound}, nil
		}
		return nil, err
	}

	now := s.now()
	switch {
	case !campaign.Active:
		return &RedemptionResult{ErrorCode: CodeCampaignDisabled}, nil
	case campaign.StartsAt != nil && now.Before(*campaign.StartsAt):
		return &RedemptionResult{ErrorCode: CodeCampaignNotStarted}, nil
	case campaign.EndsAt != nil && now.After(*campaign.EndsAt):
		return &RedemptionResult{ErrorCode: CodeCampaignExpired}, nil
	}

	if campaign.NewAccountsOnly {
		account, err := s.accounts.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !account.IsNew(s.newAccountWindow, now) {
			return &RedemptionResult{ErrorCode: CodeUserNotNew}, nil
		}
	}

	err = s.store.InsertRedemptionTx(ctx, tx, &models.PromoRedemption{
		UserID:         userID,
		CampaignID:     campaignID,
		TokenHash:      tokenHash,
		IPHash:         ipHash,
		UserAgentHash:  uaHash,
		CreditsAwarded: campaign.Credits,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyRedeemed) {
			return &RedemptionResult{ErrorCode: CodeAlreadyRedeemed}, nil
		}
		return nil, err
	}

	underCap, err := s.store.IncrementRedemptionsTx(ctx, tx, campaignID)
	if err != nil {
		return nil, err
	}
	if !underCap {
		return &RedemptionResult{ErrorCode: CodeCampaignMaxed}, nil
	}

	newBalance, err := s.ledger.AddEntryTx(ctx, tx, userID, campaign.Credits, models.EntryBonus, "promo campaign "+campaign.Code, nil)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]any{"campaign_code": campaign.Code, "credits": campaign.Credits})
	if err := s.outbox.EnqueueTx(ctx, tx, &models.OutboxEntry{
		UserID:    userID,
		Type:      models.OutboxPromoReward,
		Payload:   payload,
		DedupeKey: "promo_reward:" + campaignID.String() + ":" + userID.String(),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Info("promo redeemed", "user_id", userID, "campaign", campaign.Code, "credits", campaign.Credits)
	return &RedemptionResult{Success: true, CreditsAwarded: campaign.Credits, NewBalance: newBalance}, nil
}
