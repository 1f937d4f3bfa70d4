package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry_type values. The ledger is append-only: a user's balance is
// always the sum of their entries, and the materialized accounts.balance is
// updated in the same transaction as every insert.
const (
	EntryPurchase     = "purchase"
	EntrySubscription = "subscription"
	EntryJobReserve   = "job_reserve"
	EntryJobFinalize  = "job_finalize"
	EntryJobRelease   = "job_release"
	EntryRefund       = "refund"
	EntryBonus        = "bonus"
	EntryAdjustment   = "adjustment"
)

type LedgerEntry struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"user_id"`
	EntryType        string     `json:"entry_type"`
	Amount           int64      `json:"amount"` // signed: positive credits, negative debits
	ResultingBalance int64      `json:"resulting_balance"`
	JobID            *uuid.UUID `json:"job_id,omitempty"`
	Description      string     `json:"description"`
	CreatedAt        time.Time  `json:"created_at"`
}
