package models

import (
	"time"

	"github.com/google/uuid"
)

type PromoCampaign struct {
	ID              uuid.UUID  `json:"id"`
	Code            string     `json:"code"`
	Credits         int64      `json:"credits"`
	Active          bool       `json:"active"`
	NewAccountsOnly bool       `json:"new_accounts_only"`
	StartsAt        *time.Time `json:"starts_at,omitempty"`
	EndsAt          *time.Time `json:"ends_at,omitempty"`
	MaxRedemptions  *int       `json:"max_redemptions,omitempty"`
	RedemptionCount int        `json:"redemption_count"`
	CreatedAt       time.Time  `json:"created_at"`
}

// PromoRedemption records one redemption per (user_id, campaign_id); the
// unique constraint on that pair is the source of truth for "already
// redeemed". Token/IP/UA are stored hashed as fraud signals.
type PromoRedemption struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	CampaignID     uuid.UUID `json:"campaign_id"`
	TokenHash      string    `json:"-"`
	IPHash         string    `json:"-"`
	UserAgentHash  string    `json:"-"`
	CreditsAwarded int64     `json:"credits_awarded"`
	CreatedAt      time.Time `json:"created_at"`
}
