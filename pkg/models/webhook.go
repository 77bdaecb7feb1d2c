package models

import (
	"encoding/json"
	"time"
)

// WebhookStatus tracks processing of an external event.
type WebhookStatus string

// Webhook event states.
const (
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
)

// WebhookEvent is the idempotency record for an external event.
// The primary key on ID doubles as the cross-worker lock: at most one
// processing row exists per event id.
type WebhookEvent struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	Status      WebhookStatus   `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}
