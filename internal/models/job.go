package models

import (
	"time"

	"github.com/google/uuid"
)

type Job struct {
	ID              uuid.UUID  `json:"id"`
	UserID          uuid.UUID  `json:"user_id"`
	SourceURL       string     `json:"source_url"`
	OutputURL       *string    `json:"output_url,omitempty"`
	Status          string     `json:"status"`
	CreditsRequired int64      `json:"credits_required"`
	CreditsCharged  *int64     `json:"credits_charged,omitempty"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	ErrorCode       *string    `json:"error_code,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}
