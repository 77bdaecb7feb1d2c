package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Prober checks sandbox MCP readiness via the /health sideband. The server
// answers only once its tool runtime has finished installing, so a passing
// probe means list/call will work.
type Prober struct {
	httpClient *http.Client
}

// NewProber returns a prober with default transport settings. The caller
// bounds each probe with its context.
func NewProber() *Prober {
	return &Prober{httpClient: &http.Client{}}
}

// Probe performs one health check against the MCP endpoint.
func (p *Prober) Probe(ctx context.Context, mcpURL string) error {
	url := strings.TrimRight(mcpURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}
