package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flowmesh/flowmesh/pkg/database"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// takeoverAge is how old a processing row must be before another worker
// assumes the original holder died and takes the event over.
const takeoverAge = 5 * time.Minute

// ErrEventInFlight means another worker is handling the event right now.
var ErrEventInFlight = errors.New("webhook event already being processed")

// ErrEventCompleted means the event was already handled successfully.
var ErrEventCompleted = errors.New("webhook event already completed")

// WebhookHandler processes one external event after the claim succeeds.
type WebhookHandler func(ctx context.Context, event *models.WebhookEvent) error

// WebhookProcessor applies external events exactly once per id. The event
// row doubles as a cross-worker lock: insert-first, then process, then mark
// terminal.
type WebhookProcessor struct {
	db     *database.Client
	logger *slog.Logger
}

// NewWebhookProcessor builds a processor over the shared pool.
func NewWebhookProcessor(db *database.Client) *WebhookProcessor {
	return &WebhookProcessor{db: db, logger: slog.Default().With("component", "webhooks")}
}

// Process claims the event and runs handler. Duplicate deliveries return
// ErrEventCompleted or ErrEventInFlight without invoking the handler; a
// processing row older than five minutes is taken over; failed rows retry.
func (p *WebhookProcessor) Process(ctx context.Context, eventID, eventType string,
	payload json.RawMessage, handler WebhookHandler) error {
	event, err := p.claim(ctx, eventID, eventType, payload)
	if err != nil {
		return err
	}

	if err := handler(ctx, event); err != nil {
		if merr := p.markFailed(ctx, eventID, err); merr != nil {
			p.logger.Error("failed to mark webhook failed", "event_id", eventID, "error", merr)
		}
		return fmt.Errorf("webhook %s failed: %w", eventID, err)
	}
	return p.markCompleted(ctx, eventID)
}

// claim inserts the processing row, or decides what a conflict means.
func (p *WebhookProcessor) claim(ctx context.Context, eventID, eventType string,
	payload json.RawMessage) (*models.WebhookEvent, error) {
	event := &models.WebhookEvent{
		ID:        eventID,
		EventType: eventType,
		Status:    models.WebhookProcessing,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	_, err := p.db.Pool().Exec(ctx, `
		INSERT INTO webhook_events (id, event_type, status, payload)
		VALUES ($1, $2, 'processing', $3)`, eventID, eventType, payload)
	if err == nil {
		return event, nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil, fmt.Errorf("failed to insert webhook event %s: %w", eventID, err)
	}

	// The row exists; its status and age decide whether we proceed.
	var status models.WebhookStatus
	var createdAt time.Time
	err = p.db.Pool().QueryRow(ctx,
		`SELECT status, created_at FROM webhook_events WHERE id = $1`, eventID).
		Scan(&status, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook event %s: %w", eventID, err)
	}

	switch status {
	case models.WebhookCompleted:
		return nil, ErrEventCompleted

	case models.WebhookProcessing:
		if time.Since(createdAt) < takeoverAge {
			return nil, ErrEventInFlight
		}
		// Stuck: the original worker likely died mid-processing. Take over,
		// but only if nobody else beat us to it.
		tag, err := p.db.Pool().Exec(ctx, `
			UPDATE webhook_events
			SET created_at = now(), error = NULL
			WHERE id = $1 AND status = 'processing' AND created_at <= $2`,
			eventID, time.Now().Add(-takeoverAge))
		if err != nil {
			return nil, fmt.Errorf("failed to take over webhook event %s: %w", eventID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrEventInFlight
		}
		p.logger.Warn("taking over stuck webhook event", "event_id", eventID,
			"stuck_for", time.Since(createdAt).Round(time.Second))
		return event, nil

	case models.WebhookFailed:
		tag, err := p.db.Pool().Exec(ctx, `
			UPDATE webhook_events
			SET status = 'processing', created_at = now(), error = NULL
			WHERE id = $1 AND status = 'failed'`, eventID)
		if err != nil {
			return nil, fmt.Errorf("failed to retry webhook event %s: %w", eventID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrEventInFlight
		}
		return event, nil
	}
	return nil, fmt.Errorf("webhook event %s in unexpected status %s", eventID, status)
}

func (p *WebhookProcessor) markCompleted(ctx context.Context, eventID string) error {
	_, err := p.db.Pool().Exec(ctx, `
		UPDATE webhook_events SET status = 'completed', completed_at = now()
		WHERE id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("failed to complete webhook event %s: %w", eventID, err)
	}
	return nil
}

// markFailed records a sanitized error; raw provider payloads never land in
// the failure column.
func (p *WebhookProcessor) markFailed(ctx context.Context, eventID string, cause error) error {
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	_, err := p.db.Pool().Exec(ctx, `
		UPDATE webhook_events SET status = 'failed', error = $2
		WHERE id = $1`, eventID, msg)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event %s failed: %w", eventID, err)
	}
	return nil
}
