package credits_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/credits"
	"github.com/flowmesh/flowmesh/pkg/database"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/test/util"
)

func countingHandler(calls *atomic.Int64, err error) credits.WebhookHandler {
	return func(ctx context.Context, event *models.WebhookEvent) error {
		calls.Add(1)
		return err
	}
}

func backdateEvent(t *testing.T, client *database.Client, eventID string, age time.Duration) {
	t.Helper()
	_, err := client.Pool().Exec(context.Background(),
		`UPDATE webhook_events SET created_at = now() - $2::interval WHERE id = $1`,
		eventID, age.String())
	require.NoError(t, err)
}

func TestWebhookProcessOnce(t *testing.T) {
	client := util.SetupTestDatabase(t)
	p := credits.NewWebhookProcessor(client)
	ctx := context.Background()

	var calls atomic.Int64
	payload := json.RawMessage(`{"amount": 25}`)

	require.NoError(t, p.Process(ctx, "evt-1", "purchase", payload, countingHandler(&calls, nil)))
	assert.Equal(t, int64(1), calls.Load())

	// Redelivery of a completed event never reaches the handler.
	err := p.Process(ctx, "evt-1", "purchase", payload, countingHandler(&calls, nil))
	assert.ErrorIs(t, err, credits.ErrEventCompleted)
	assert.Equal(t, int64(1), calls.Load())
}

func TestWebhookInFlightRejected(t *testing.T) {
	client := util.SetupTestDatabase(t)
	p := credits.NewWebhookProcessor(client)
	ctx := context.Background()

	// Simulate a worker mid-processing: the row exists and is fresh.
	_, err := client.Pool().Exec(ctx, `
		INSERT INTO webhook_events (id, event_type, status, payload)
		VALUES ('evt-1', 'purchase', 'processing', '{}')`)
	require.NoError(t, err)

	var calls atomic.Int64
	err = p.Process(ctx, "evt-1", "purchase", nil, countingHandler(&calls, nil))
	assert.ErrorIs(t, err, credits.ErrEventInFlight)
	assert.Equal(t, int64(0), calls.Load())
}

func TestWebhookStuckTakeover(t *testing.T) {
	client := util.SetupTestDatabase(t)
	p := credits.NewWebhookProcessor(client)
	ctx := context.Background()

	_, err := client.Pool().Exec(ctx, `
		INSERT INTO webhook_events (id, event_type, status, payload)
		VALUES ('evt-1', 'purchase', 'processing', '{}')`)
	require.NoError(t, err)
	backdateEvent(t, client, "evt-1", 6*time.Minute)

	// The original worker died more than five minutes ago; take over.
	var calls atomic.Int64
	require.NoError(t, p.Process(ctx, "evt-1", "purchase", nil, countingHandler(&calls, nil)))
	assert.Equal(t, int64(1), calls.Load())

	var status string
	require.NoError(t, client.Pool().QueryRow(ctx,
		`SELECT status FROM webhook_events WHERE id = 'evt-1'`).Scan(&status))
	assert.Equal(t, "completed", status)
}

func TestWebhookFailureRetries(t *testing.T) {
	client := util.SetupTestDatabase(t)
	p := credits.NewWebhookProcessor(client)
	ctx := context.Background()

	var calls atomic.Int64
	err := p.Process(ctx, "evt-1", "purchase", nil,
		countingHandler(&calls, fmt.Errorf("ledger unavailable")))
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())

	var status, errMsg string
	require.NoError(t, client.Pool().QueryRow(ctx,
		`SELECT status, error FROM webhook_events WHERE id = 'evt-1'`).Scan(&status, &errMsg))
	assert.Equal(t, "failed", status)
	assert.Contains(t, errMsg, "ledger unavailable")

	// A redelivery retries a failed event.
	require.NoError(t, p.Process(ctx, "evt-1", "purchase", nil, countingHandler(&calls, nil)))
	assert.Equal(t, int64(2), calls.Load())

	require.NoError(t, client.Pool().QueryRow(ctx,
		`SELECT status FROM webhook_events WHERE id = 'evt-1'`).Scan(&status))
	assert.Equal(t, "completed", status)
}

func TestWebhookWithLedgerGrant(t *testing.T) {
	client := util.SetupTestDatabase(t)
	ledger := credits.NewLedger(client, nil)
	p := credits.NewWebhookProcessor(client)
	ctx := context.Background()
	require.NoError(t, ledger.EnsureAccount(ctx, "acct-1", "free"))

	grant := func(ctx context.Context, event *models.WebhookEvent) error {
		_, err := ledger.Add(ctx, credits.AddParams{
			AccountID: "acct-1", Amount: 25, Type: models.LedgerPurchase,
			ExternalEventID: event.ID,
		})
		return err
	}

	require.NoError(t, p.Process(ctx, "evt-pay-1", "purchase", nil, grant))
	err := p.Process(ctx, "evt-pay-1", "purchase", nil, grant)
	assert.ErrorIs(t, err, credits.ErrEventCompleted)

	b, err := ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 25, b.Total, 1e-9, "duplicate delivery must not double-credit")
}
