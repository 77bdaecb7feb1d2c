package api

import (
	"encoding/json"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/flowmesh/flowmesh/pkg/memory"
)

// MemoryPutRequest is the body of PUT /memory/:key.
type MemoryPutRequest struct {
	Value json.RawMessage `json:"value"`
}

// MemoryEntryResponse is the wire form of one memory entry.
type MemoryEntryResponse struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt string          `json:"updated_at"`
}

func toMemoryEntryResponse(e *memory.Entry) *MemoryEntryResponse {
	return &MemoryEntryResponse{
		Key:       e.Key,
		Value:     e.Value,
		UpdatedAt: e.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// putMemoryHandler handles PUT /memory/:key. Entries are namespaced by the
// authenticated user, so one user's memory never shadows another's.
func (s *Server) putMemoryHandler(c *echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "memory key is required")
	}

	var req MemoryPutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Value) == 0 || !json.Valid(req.Value) {
		return echo.NewHTTPError(http.StatusBadRequest, "value must be valid JSON")
	}

	if err := s.memories.Put(c.Request().Context(), userID(c), key, req.Value); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

// getMemoryHandler handles GET /memory/:key.
func (s *Server) getMemoryHandler(c *echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "memory key is required")
	}

	entry, err := s.memories.Get(c.Request().Context(), userID(c), key)
	if errors.Is(err, memory.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "memory entry not found")
	}
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, toMemoryEntryResponse(entry))
}

// listMemoryHandler handles GET /memory.
func (s *Server) listMemoryHandler(c *echo.Context) error {
	entries, err := s.memories.List(c.Request().Context(), userID(c))
	if err != nil {
		return mapDomainError(err)
	}

	out := make([]*MemoryEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toMemoryEntryResponse(e))
	}
	return c.JSON(http.StatusOK, out)
}

// deleteMemoryHandler handles DELETE /memory/:key.
func (s *Server) deleteMemoryHandler(c *echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "memory key is required")
	}

	if err := s.memories.Delete(c.Request().Context(), userID(c), key); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}
