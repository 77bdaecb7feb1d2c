package api

import (
	"net/http"
	"testing"
)

func TestSandboxHandlersValidate(t *testing.T) {
	s := &Server{}

	tests := []struct {
		name    string
		handler func(*testing.T) error
		errMsg  string
	}{
		{"connect without id", func(t *testing.T) error {
			c, _ := jsonContext(http.MethodPost, "/agent/sandboxes/connect", `{}`)
			return s.connectSandboxHandler(c)
		}, "sandbox_id is required"},
		{"run-cmd without command", func(t *testing.T) error {
			c, _ := jsonContext(http.MethodPost, "/agent/sandboxes/run-cmd", `{"sandbox_id": "sb-1"}`)
			return s.runCmdHandler(c)
		}, "sandbox_id and command are required"},
		{"write-file without path", func(t *testing.T) error {
			c, _ := jsonContext(http.MethodPost, "/agent/sandboxes/write-file", `{"sandbox_id": "sb-1"}`)
			return s.writeFileHandler(c)
		}, "sandbox_id and file_path are required"},
		{"read-file without id", func(t *testing.T) error {
			c, _ := jsonContext(http.MethodPost, "/agent/sandboxes/read-file", `{"file_path": "/tmp/x"}`)
			return s.readFileHandler(c)
		}, "sandbox_id and file_path are required"},
		{"delete without id", func(t *testing.T) error {
			c, _ := jsonContext(http.MethodDelete, "/agent/sandboxes/", "")
			return s.deleteSandboxHandler(c)
		}, "sandbox id is required"},
		{"create with bad body", func(t *testing.T) error {
			c, _ := jsonContext(http.MethodPost, "/agent/sandboxes/create", `{broken`)
			return s.createSandboxHandler(c)
		}, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertHTTPError(t, tt.handler(t), http.StatusBadRequest, tt.errMsg)
		})
	}
}

func TestPaymentWebhookValidates(t *testing.T) {
	s := &Server{}

	c, _ := jsonContext(http.MethodPost, "/webhooks/payment", `{"event_type": "purchase", "amount": 5}`)
	assertHTTPError(t, s.paymentWebhookHandler(c), http.StatusBadRequest, "event_id and account_id are required")

	c, _ = jsonContext(http.MethodPost, "/webhooks/payment", `{broken`)
	assertHTTPError(t, s.paymentWebhookHandler(c), http.StatusBadRequest, "invalid request body")
}
