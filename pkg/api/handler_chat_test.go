package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/config"
	"github.com/flowmesh/flowmesh/pkg/credits"
	"github.com/flowmesh/flowmesh/pkg/graph"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/test/util"
)

func jsonContext(method, path, body string) (*echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func assertHTTPError(t *testing.T, err error, code int, msg string) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected an HTTP error, got %v", err)
	assert.Equal(t, code, he.Code)
	assert.Contains(t, he.Message, msg)
}

func TestChatStreamRejectsInvalidBody(t *testing.T) {
	s := &Server{cfg: &config.Config{}}
	c, _ := jsonContext(http.MethodPost, "/chat/stream", `{not json`)
	assertHTTPError(t, s.chatStreamHandler(c), http.StatusBadRequest, "invalid request body")
}

func TestChatStreamRejectsMCPWhenDisabled(t *testing.T) {
	s := &Server{cfg: &config.Config{}}
	body := `{"messages": [{"role": "user", "content": [{"type": "text", "text": "hi"}]}],
		"mcp_settings": {"tool_server_url": "https://tools.example.com"}}`
	c, _ := jsonContext(http.MethodPost, "/chat/stream", body)
	assertHTTPError(t, s.chatStreamHandler(c), http.StatusForbidden, "MCP tool configuration is disabled")
}

func TestChatStreamRequiresMessages(t *testing.T) {
	s := &Server{cfg: &config.Config{}}
	c, _ := jsonContext(http.MethodPost, "/chat/stream", `{}`)
	assertHTTPError(t, s.chatStreamHandler(c), http.StatusBadRequest, "messages are required")
}

func TestChatStreamRejectsUnknownFeedback(t *testing.T) {
	s := &Server{cfg: &config.Config{}}
	c, _ := jsonContext(http.MethodPost, "/chat/stream", `{"interrupt_feedback": "maybe"}`)
	assertHTTPError(t, s.chatStreamHandler(c), http.StatusBadRequest, "unknown interrupt_feedback")
}

func TestBuildInputFreshMessages(t *testing.T) {
	msgs := []models.Message{models.NewMessage(models.RoleUser, "hello")}
	input, err := buildInput(&ChatStreamRequest{Messages: msgs})
	require.NoError(t, err)
	assert.Equal(t, msgs, input.Messages)
	assert.Nil(t, input.Resume)
}

func TestBuildInputResumeDecision(t *testing.T) {
	input, err := buildInput(&ChatStreamRequest{
		InterruptFeedback: "edit_plan",
		Messages: []models.Message{
			models.NewMessage(models.RoleUser, "first"),
			models.NewMessage(models.RoleUser, "make it cheaper"),
		},
	})
	require.NoError(t, err)
	require.NotNil(t, input.Resume)
	assert.Equal(t, graph.DecisionEdit, input.Resume.Type)
	assert.Equal(t, "make it cheaper", input.Resume.Feedback, "latest message rides along as feedback")
	assert.Empty(t, input.Messages)
}

func TestBuildInputResumeWithoutMessages(t *testing.T) {
	input, err := buildInput(&ChatStreamRequest{InterruptFeedback: "approved"})
	require.NoError(t, err)
	require.NotNil(t, input.Resume)
	assert.Equal(t, graph.DecisionApprove, input.Resume.Type)
	assert.Empty(t, input.Resume.Feedback)
}

func TestFeedbackDecision(t *testing.T) {
	tests := []struct {
		feedback string
		want     graph.DecisionType
		wantErr  bool
	}{
		{"accepted", graph.DecisionApprove, false},
		{"approve", graph.DecisionApprove, false},
		{"approved", graph.DecisionApprove, false},
		{"edit", graph.DecisionEdit, false},
		{"edit_plan", graph.DecisionEdit, false},
		{"reject", graph.DecisionReject, false},
		{"rejected", graph.DecisionReject, false},
		{"", "", true},
		{"continue", "", true},
	}
	for _, tt := range tests {
		t.Run("feedback "+tt.feedback, func(t *testing.T) {
			got, err := feedbackDecision(tt.feedback)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChargeStreamDisabledAtZeroCost(t *testing.T) {
	// A nil ledger would panic if the zero-cost path touched it.
	s := &Server{cfg: &config.Config{}}
	require.NoError(t, s.chargeStream(context.Background(), "user-1", "t1"))

	s.cfg.Credits.StreamCost = -1
	require.NoError(t, s.chargeStream(context.Background(), "user-1", "t1"))
}

func TestChatStreamRequiresCredits(t *testing.T) {
	client := util.SetupTestDatabase(t)

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Credits.StreamCost = 0.01
	ledger := credits.NewLedger(client, credits.NewBalanceCache(time.Minute))
	// A nil LLM client would panic if the request reached the executor.
	s := NewServer(cfg, client, nil, nil, nil, ledger, nil, nil)

	token := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "user-broke",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	body := `{"messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/chat/stream", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient credits")

	// Ledger entries are only written for successful debits.
	var entries int
	require.NoError(t, client.Pool().QueryRow(context.Background(),
		`SELECT count(*) FROM credit_ledger WHERE account_id = 'user-broke'`).Scan(&entries))
	assert.Equal(t, 0, entries)
}

func TestChatStreamChargeDebitsLedger(t *testing.T) {
	client := util.SetupTestDatabase(t)

	cfg := &config.Config{}
	cfg.Credits.StreamCost = 0.01
	ledger := credits.NewLedger(client, credits.NewBalanceCache(time.Minute))
	s := &Server{cfg: cfg, ledger: ledger}

	ctx := context.Background()
	require.NoError(t, ledger.EnsureAccount(ctx, "user-funded", "free"))
	_, err := ledger.Add(ctx, credits.AddParams{
		AccountID: "user-funded", Amount: 1, Type: models.LedgerGrant, Description: "seed",
	})
	require.NoError(t, err)

	require.NoError(t, s.chargeStream(ctx, "user-funded", "t1"))

	b, err := ledger.Balance(ctx, "user-funded")
	require.NoError(t, err)
	assert.InDelta(t, 0.99, b.Total, 1e-9)
}
