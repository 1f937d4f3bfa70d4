package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/markless/backend/internal/models"
)

// Sender delivers one outbox entry to the external notification provider.
// Implementations must pass the entry's dedupe key as an idempotency token
// so a retried send after a crash is deduplicated provider-side.
type Sender interface {
	Send(ctx context.Context, e *models.OutboxEntry) error
}

// HardBounceError marks a permanent delivery failure (e.g. invalid mailbox).
// The dispatcher stops retrying immediately; ledger state is unaffected.
type HardBounceError struct {
	Reason string
}

func (e *HardBounceError) Error() string {
	return "hard bounce: " + e.Reason
}

// IsHardBounce reports whether err is a permanent delivery failure.
func IsHardBounce(err error) bool {
	var hb *HardBounceError
	return errors.As(err, &hb)
}

// WebhookSender posts entries as JSON to the notification service.
type WebhookSender struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

func NewWebhookSender(endpoint, token string) *WebhookSender {
	return &WebhookSender{
		Endpoint:   endpoint,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Type    string          `json:"type"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

func (s *WebhookSender) Send(ctx context.Context, e *models.OutboxEntry) error {
	body, err := json.Marshal(webhookPayload{
		Type:    e.Type,
		UserID:  e.UserID.String(),
		Payload: e.Payload,
	})
	if err != nil {
		return &HardBounceError{Reason: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.DedupeKey)
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("notification send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("notification service throttled: status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Provider rejected the message itself; retrying cannot succeed.
		return &HardBounceError{Reason: fmt.Sprintf("provider returned status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("notification service error: status %d", resp.StatusCode)
	}
}
