package models

import (
	"time"

	"github.com/google/uuid"
)

type Account struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Balance     int64     `json:"balance"`
	Plan        string    `json:"plan"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsNew reports whether the account was created within the given window.
// Used by promo campaigns restricted to new signups.
func (a *Account) IsNew(window time.Duration, now time.Time) bool {
	return now.Sub(a.CreatedAt) <= window
}
