package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/flowmesh/flowmesh/pkg/sandbox"
)

// createSandboxHandler handles POST /agent/sandboxes/create. The session id
// defaults to a per-user singleton when absent.
func (s *Server) createSandboxHandler(c *echo.Context) error {
	var req SandboxCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	uid := userID(c)
	if req.UserID != "" {
		uid = req.UserID
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "default"
	}

	sb, err := s.sandboxes.GetOrCreate(c.Request().Context(), uid, sessionID, sandbox.SnapshotSpec{})
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, toSandboxResponse(sb))
}

// connectSandboxHandler handles POST /agent/sandboxes/connect.
func (s *Server) connectSandboxHandler(c *echo.Context) error {
	var req SandboxConnectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SandboxID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sandbox_id is required")
	}

	sb, err := s.sandboxes.Connect(c.Request().Context(), req.SandboxID)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, toSandboxResponse(sb))
}

// runCmdHandler handles POST /agent/sandboxes/run-cmd.
func (s *Server) runCmdHandler(c *echo.Context) error {
	var req SandboxRunCmdRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SandboxID == "" || req.Command == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sandbox_id and command are required")
	}

	output, err := s.sandboxes.RunCmd(c.Request().Context(), req.SandboxID, req.Command, req.Background)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &RunCmdResponse{Output: output})
}

// writeFileHandler handles POST /agent/sandboxes/write-file.
func (s *Server) writeFileHandler(c *echo.Context) error {
	var req SandboxFileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SandboxID == "" || req.FilePath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sandbox_id and file_path are required")
	}

	if err := s.sandboxes.WriteFile(c.Request().Context(), req.SandboxID, req.FilePath, req.Content); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}

// readFileHandler handles POST /agent/sandboxes/read-file.
func (s *Server) readFileHandler(c *echo.Context) error {
	var req SandboxFileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SandboxID == "" || req.FilePath == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sandbox_id and file_path are required")
	}

	content, err := s.sandboxes.ReadFile(c.Request().Context(), req.SandboxID, req.FilePath)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &FileResponse{Content: content})
}

// deleteSandboxHandler handles DELETE /agent/sandboxes/:id.
func (s *Server) deleteSandboxHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sandbox id is required")
	}

	if err := s.sandboxes.Delete(c.Request().Context(), id); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{})
}
