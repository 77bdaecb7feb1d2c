package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/flowmesh/flowmesh/pkg/credits"
	"github.com/flowmesh/flowmesh/pkg/models"
)

// balanceHandler handles GET /credits/balance for the authenticated user.
func (s *Server) balanceHandler(c *echo.Context) error {
	b, err := s.ledger.Balance(c.Request().Context(), userID(c))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &BalanceResponse{
		Total:       b.Total,
		Daily:       b.Daily,
		Expiring:    b.Expiring,
		NonExpiring: b.NonExpiring,
	})
}

// paymentWebhookHandler handles POST /webhooks/payment. Deliveries are
// at-least-once; the processor makes the grant apply exactly once per
// event id.
func (s *Server) paymentWebhookHandler(c *echo.Context) error {
	var req PaymentWebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.EventID == "" || req.AccountID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event_id and account_id are required")
	}

	payload, _ := json.Marshal(req)
	err := s.webhooks.Process(c.Request().Context(), req.EventID, req.EventType, payload,
		func(ctx context.Context, _ *models.WebhookEvent) error {
			if err := s.ledger.EnsureAccount(ctx, req.AccountID, "free"); err != nil {
				return err
			}
			_, err := s.ledger.Add(ctx, credits.AddParams{
				AccountID:       req.AccountID,
				Amount:          req.Amount,
				Type:            models.LedgerPurchase,
				Description:     req.EventType,
				IsExpiring:      req.Expiring,
				ExternalEventID: req.EventID,
			})
			return err
		})

	switch {
	case err == nil:
		return c.JSON(http.StatusOK, &WebhookResponse{})
	case errors.Is(err, credits.ErrEventCompleted):
		return c.JSON(http.StatusOK, &WebhookResponse{Duplicate: true})
	case errors.Is(err, credits.ErrEventInFlight):
		return c.JSON(http.StatusAccepted, &WebhookResponse{Duplicate: true})
	default:
		return mapDomainError(err)
	}
}
