package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/flowmesh/flowmesh/pkg/credits"
	"github.com/flowmesh/flowmesh/pkg/graph"
	"github.com/flowmesh/flowmesh/pkg/sandbox"
)

// mapDomainError translates domain errors to HTTP error responses.
// Messages are sanitized; internals never leak to clients.
func mapDomainError(err error) *echo.HTTPError {
	var insufficient *credits.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return echo.NewHTTPError(http.StatusPaymentRequired, insufficient.Error())
	}

	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "sandbox not found")
	case errors.Is(err, sandbox.ErrProvisionTimeout):
		return echo.NewHTTPError(http.StatusRequestTimeout, "sandbox did not become ready in time")
	case errors.Is(err, credits.ErrAccountNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "credit account not found")
	case errors.Is(err, credits.ErrEventInFlight):
		return echo.NewHTTPError(http.StatusConflict, "event is already being processed")
	case errors.Is(err, graph.ErrNoPendingInterrupt):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "no pending interrupt to resume")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusRequestTimeout, "operation timed out")
	}

	slog.Error("unexpected domain error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
