package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobEvent event types.
const (
	EventStatusChange             = "status_change"
	EventInvalidTransitionAttempt = "invalid_transition_attempt"
	EventRetryScheduled           = "retry_scheduled"
)

// JobEvent is an append-only audit record of a status transition attempt,
// including rejected ones.
type JobEvent struct {
	ID        uuid.UUID       `json:"id"`
	JobID     uuid.UUID       `json:"job_id"`
	EventType string          `json:"event_type"`
	FromState string          `json:"from_state"`
	ToState   string          `json:"to_state"`
	Message   string          `json:"message,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
