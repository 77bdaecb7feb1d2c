package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Timeouts for session operations.
const (
	ConnectTimeout     = 30 * time.Second
	SidebandTimeout    = 15 * time.Second
	DefaultCallTimeout = 30 * time.Minute
)

// ErrNotConfigured is returned when tools are listed or called before the
// credential and tool-server-url posts. Skipping those posts makes the
// sandbox serve an empty tool list, so the ordering is enforced here.
var ErrNotConfigured = errors.New("mcp session not configured: post credential and tool server url first")

// Credentials authorize the sandbox's outbound tool traffic.
type Credentials struct {
	UserAPIKey string `json:"user_api_key"`
	SessionID  string `json:"session_id"`
}

// Session is one configured connection to a sandbox's MCP endpoint, plus
// any directly-dialed custom servers. Safe for concurrent use.
type Session struct {
	baseURL     string
	httpClient  *http.Client
	callTimeout time.Duration

	mu         sync.RWMutex
	configured bool
	sdkSession *mcpsdk.ClientSession
	custom     map[string]*mcpsdk.ClientSession

	logger *slog.Logger
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// NewSession builds an unconfigured session for the sandbox at mcpURL.
func NewSession(mcpURL string, opts ...SessionOption) *Session {
	s := &Session{
		baseURL:     strings.TrimRight(mcpURL, "/"),
		httpClient:  &http.Client{},
		callTimeout: DefaultCallTimeout,
		custom:      make(map[string]*mcpsdk.ClientSession),
		logger:      slog.Default().With("component", "mcp"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configure posts credentials and the tool server URL, then opens the MCP
// session. Both sideband posts happen before the first list or call; the
// tool-server-url post is what triggers tool registration inside the
// sandbox.
func (s *Session) Configure(ctx context.Context, creds Credentials, toolServerURL string) error {
	if err := s.postSideband(ctx, "/credential", creds); err != nil {
		return fmt.Errorf("failed to post credential: %w", err)
	}
	if err := s.postSideband(ctx, "/tool-server-url", map[string]string{
		"tool_server_url": toolServerURL,
	}); err != nil {
		return fmt.Errorf("failed to post tool server url: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "flowmesh",
		Version: "1.0",
	}, nil)
	session, err := client.Connect(cctx, &mcpsdk.StreamableClientTransport{
		Endpoint: s.baseURL + "/mcp",
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to mcp endpoint: %w", err)
	}

	s.mu.Lock()
	s.sdkSession = session
	s.configured = true
	s.mu.Unlock()

	s.logger.Info("mcp session configured", "endpoint", s.baseURL)
	return nil
}

func (s *Session) postSideband(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, SidebandTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (s *Session) session() (*mcpsdk.ClientSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.configured || s.sdkSession == nil {
		return nil, ErrNotConfigured
	}
	return s.sdkSession, nil
}

// ListTools returns the sandbox's tools plus those of directly-dialed
// custom servers, as registry descriptors.
func (s *Session) ListTools(ctx context.Context) ([]*ToolDescriptor, error) {
	session, err := s.session()
	if err != nil {
		return nil, err
	}

	lctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	result, err := session.ListTools(lctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	out := make([]*ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		out = append(out, toDescriptor(t, ""))
	}

	s.mu.RLock()
	customSessions := make(map[string]*mcpsdk.ClientSession, len(s.custom))
	for name, cs := range s.custom {
		customSessions[name] = cs
	}
	s.mu.RUnlock()

	for name, cs := range customSessions {
		res, err := cs.ListTools(lctx, nil)
		if err != nil {
			s.logger.Warn("failed to list tools from custom server",
				"server", name, "error", err)
			continue
		}
		for _, t := range res.Tools {
			out = append(out, toDescriptor(t, name))
		}
	}
	return out, nil
}

// CallTool executes one tool call. Custom-server tools route by their
// qualified name prefix; everything else goes to the sandbox endpoint.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	session, err := s.session()
	if err != nil {
		return "", err
	}

	server, bare := splitQualified(name)
	if server != "" {
		s.mu.RLock()
		cs, ok := s.custom[server]
		s.mu.RUnlock()
		if ok {
			session = cs
			name = bare
		}
	}

	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	result, err := session.CallTool(cctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("tool %s failed: %w", name, err)
	}
	content := flattenContent(result)
	if result.IsError {
		return "", fmt.Errorf("tool %s returned error: %s", name, content)
	}
	return content, nil
}

// RegisterCodex posts the Codex registration payload to the sandbox.
func (s *Session) RegisterCodex(ctx context.Context, payload map[string]any) error {
	if _, err := s.session(); err != nil {
		return err
	}
	if err := s.postSideband(ctx, "/register-codex", payload); err != nil {
		return fmt.Errorf("failed to register codex: %w", err)
	}
	return nil
}

// RegisterCustom attaches a custom MCP server. Stdio servers are forwarded
// to the sandbox, which launches the child process next to the tools; HTTP
// servers are dialed directly from the platform. Either way the server's
// tools show up in subsequent ListTools calls.
func (s *Session) RegisterCustom(ctx context.Context, server *CustomServer) error {
	if _, err := s.session(); err != nil {
		return err
	}
	if err := server.Validate(); err != nil {
		return err
	}

	if server.Transport == TransportStdio {
		if err := s.postSideband(ctx, "/custom-mcp", server); err != nil {
			return fmt.Errorf("failed to register custom server %s: %w", server.Name, err)
		}
		return nil
	}

	transport, err := createTransport(server)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "flowmesh", Version: "1.0"}, nil)
	session, err := client.Connect(cctx, transport, nil)
	if err != nil {
		return fmt.Errorf("failed to connect custom server %s: %w", server.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.custom[server.Name]; exists {
		_ = session.Close()
		return fmt.Errorf("custom server %s already registered", server.Name)
	}
	s.custom[server.Name] = session
	return nil
}

// Close shuts down the sandbox session and all custom sessions.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.sdkSession != nil {
		if err := s.sdkSession.Close(); err != nil {
			firstErr = err
		}
		s.sdkSession = nil
	}
	for name, cs := range s.custom {
		if err := cs.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close custom server %s: %w", name, err)
		}
	}
	s.custom = make(map[string]*mcpsdk.ClientSession)
	s.configured = false
	return firstErr
}

// toDescriptor converts an SDK tool into a registry descriptor. Policy and
// read-only flags ride in the tool's annotations when the server sets them.
func toDescriptor(t *mcpsdk.Tool, server string) *ToolDescriptor {
	d := &ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		Server:      server,
		Policy:      PolicyAuto,
	}
	if t.InputSchema != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			d.InputSchema = raw
		}
	}
	if t.Annotations != nil {
		d.ReadOnly = t.Annotations.ReadOnlyHint
	}
	d.Policy = policyForTool(t)
	return d
}

// policyForTool infers the confirmation policy. Destructive-hinted and
// write-capable tools need authorization; shell execution always does.
func policyForTool(t *mcpsdk.Tool) ConfirmationPolicy {
	name := strings.ToLower(t.Name)
	switch {
	case strings.Contains(name, "bash") || strings.Contains(name, "shell") || strings.Contains(name, "exec"):
		return PolicyBash
	case strings.Contains(name, "edit") || strings.Contains(name, "write"):
		return PolicyEdit
	}
	if t.Annotations != nil {
		if t.Annotations.ReadOnlyHint {
			return PolicyAuto
		}
		if t.Annotations.DestructiveHint != nil && *t.Annotations.DestructiveHint {
			return PolicyMCP
		}
	}
	return PolicyAuto
}

// flattenContent concatenates text content blocks; non-text blocks are
// rendered as JSON so multimodal results stay inspectable.
func flattenContent(result *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range result.Content {
		switch block := c.(type) {
		case *mcpsdk.TextContent:
			sb.WriteString(block.Text)
		default:
			if raw, err := json.Marshal(block); err == nil {
				sb.Write(raw)
			}
		}
	}
	return sb.String()
}

func splitQualified(name string) (server, bare string) {
	if i := strings.Index(name, "__"); i > 0 {
		return name[:i], name[i+2:]
	}
	return "", name
}
