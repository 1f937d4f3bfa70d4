package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outbox statuses.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// Outbox notification types.
const (
	OutboxPromoReward  = "promo_reward_email"
	OutboxJobCompleted = "job_completed_email"
	OutboxJobRefunded  = "job_refunded_email"
	OutboxCreditsAdded = "credits_added_email"
)

// OutboxEntry is a durable pending notification, written in the same
// transaction as the ledger/state change that caused it. DedupeKey is
// unique so a retried trigger enqueues the logical event at most once,
// and doubles as the idempotency token handed to the delivery provider.
type OutboxEntry struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	DedupeKey     string          `json:"dedupe_key"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}
