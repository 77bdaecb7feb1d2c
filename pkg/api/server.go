package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/flowmesh/flowmesh/pkg/checkpoint"
	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/credits"
	"github.com/flowmesh/flowmesh/pkg/database"
	"github.com/flowmesh/flowmesh/pkg/llm"
	"github.com/flowmesh/flowmesh/pkg/memory"
	"github.com/flowmesh/flowmesh/pkg/sandbox"
)

// Server is the HTTP surface: the chat stream, sandbox lifecycle, credit
// queries, and the payment webhook.
type Server struct {
	cfg         *config.Config
	db          *database.Client
	checkpoints checkpoint.Store
	llm         llm.Client
	sandboxes   *sandbox.Controller
	ledger      *credits.Ledger
	webhooks    *credits.WebhookProcessor
	memories    *memory.Store

	e      *echo.Echo
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the server and its routes.
func NewServer(cfg *config.Config, db *database.Client, checkpoints checkpoint.Store,
	llmClient llm.Client, sandboxes *sandbox.Controller, ledger *credits.Ledger,
	webhooks *credits.WebhookProcessor, memories *memory.Store) *Server {
	s := &Server{
		cfg:         cfg,
		db:          db,
		checkpoints: checkpoints,
		llm:         llmClient,
		sandboxes:   sandboxes,
		ledger:      ledger,
		webhooks:    webhooks,
		memories:    memories,
		e:           echo.New(),
		logger:      slog.Default().With("component", "api"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.e.Use(securityHeaders())
	s.e.Use(requestLogger())

	// Unauthenticated: orchestrator probes and provider callbacks.
	s.e.GET("/health", s.healthHandler)
	s.e.POST("/webhooks/payment", s.paymentWebhookHandler)

	auth := jwtAuth(s.cfg.Auth.JWTSecret)
	s.e.POST("/chat/stream", s.chatStreamHandler, auth)
	s.e.GET("/credits/balance", s.balanceHandler, auth)

	memories := s.e.Group("/memory", auth)
	memories.GET("", s.listMemoryHandler)
	memories.GET("/:key", s.getMemoryHandler)
	memories.PUT("/:key", s.putMemoryHandler)
	memories.DELETE("/:key", s.deleteMemoryHandler)

	sandboxes := s.e.Group("/agent/sandboxes", auth)
	sandboxes.POST("/create", s.createSandboxHandler)
	sandboxes.POST("/connect", s.connectSandboxHandler)
	sandboxes.POST("/run-cmd", s.runCmdHandler)
	sandboxes.POST("/write-file", s.writeFileHandler)
	sandboxes.POST("/read-file", s.readFileHandler)
	sandboxes.DELETE("/:id", s.deleteSandboxHandler)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.e
}

// Start serves HTTP until Shutdown. Write timeout stays unset: SSE streams
// hold the response open far longer than any sane request timeout.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              ":" + s.cfg.HTTPPort,
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "port", s.cfg.HTTPPort)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
