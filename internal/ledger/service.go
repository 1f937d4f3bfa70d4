package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/markless/backend/internal/models"
)

// ErrInsufficientCredits is returned when a debit would drive the balance
// below zero. The triggering transaction is rolled back with no partial
// effect.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrInvalidAmount is returned when the amount's sign does not match the
// entry type (e.g. a negative purchase).
var ErrInvalidAmount = errors.New("invalid amount for entry type")

// Store is the minimal persistence interface for the ledger service.
type Store interface {
	Credit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error)
	DebitIfSufficient(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) (int64, error)
	InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	HasJobEntry(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, entryType string) (bool, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	SumEntries(ctx context.Context, userID uuid.UUID) (int64, error)
}

// creditOnly entry types must carry a positive amount; they can never drive
// a balance negative.
var creditOnly = map[string]bool{
	models.EntryPurchase:     true,
	models.EntrySubscription: true,
	models.EntryRefund:       true,
	models.EntryBonus:        true,
	models.EntryJobRelease:   true,
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.store.GetBalance(ctx, userID)
}

func (s *Service) SumEntries(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.store.SumEntries(ctx, userID)
}

func (s *Service) HasJobEntry(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, entryType string) (bool, error) {
	return s.store.HasJobEntry(ctx, tx, jobID, entryType)
}

// AddEntryTx appends a signed ledger entry and updates the materialized
// balance in the same transaction. Returns the new balance. Debits fail with
// ErrInsufficientCredits rather than producing a negative balance.
func (s *Service) AddEntryTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, entryType, description string, jobID *uuid.UUID) (int64, error) {
	if creditOnly[entryType] && amount <= 0 {
		return 0, fmt.Errorf("%w: %s of %d", ErrInvalidAmount, entryType, amount)
	}
	if entryType == models.EntryJobReserve && amount >= 0 {
		return 0, fmt.Errorf("%w: %s of %d", ErrInvalidAmount, entryType, amount)
	}
	if entryType == models.EntryJobFinalize && amount < 0 {
		return 0, fmt.Errorf("%w: %s of %d", ErrInvalidAmount, entryType, amount)
	}

	var newBalance int64
	var err error
	if amount < 0 {
		newBalance, err = s.store.DebitIfSufficient(ctx, tx, userID, -amount)
	} else {
		newBalance, err = s.store.Credit(ctx, tx, userID, amount)
	}
	if err != nil {
		return 0, err
	}

	entry := &models.LedgerEntry{
		ID:               uuid.New(),
		UserID:           userID,
		EntryType:        entryType,
		Amount:           amount,
		ResultingBalance: newBalance,
		JobID:            jobID,
		Description:      description,
	}
	if err := s.store.InsertEntry(ctx, tx, entry); err != nil {
		return 0, err
	}
	return newBalance, nil
}
