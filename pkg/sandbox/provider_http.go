package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPProvider adapts a REST sandbox vendor. Endpoints follow the vendor's
// instance API: POST /instances, POST /instances/{id}/{verb}, and the file
// and command routes under each instance.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider builds a provider from the opaque key set. Recognized
// keys: SANDBOX_PROVIDER_API_URL and SANDBOX_PROVIDER_API_KEY.
func NewHTTPProvider(keys map[string]string) (*HTTPProvider, error) {
	baseURL := keys["SANDBOX_PROVIDER_API_URL"]
	if baseURL == "" {
		return nil, fmt.Errorf("SANDBOX_PROVIDER_API_URL is required")
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     keys["SANDBOX_PROVIDER_API_KEY"],
		httpClient: &http.Client{},
	}, nil
}

// Create implements Provider.
func (p *HTTPProvider) Create(ctx context.Context, userID, templateID string) (Instance, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := p.call(ctx, http.MethodPost, "/instances", map[string]string{
		"user_id":     userID,
		"template_id": templateID,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	return &httpInstance{provider: p, id: out.ID}, nil
}

// Connect implements Provider.
func (p *HTTPProvider) Connect(ctx context.Context, providerSandboxID string) (Instance, error) {
	var out struct {
		Status string `json:"status"`
	}
	err := p.call(ctx, http.MethodGet, "/instances/"+providerSandboxID, nil, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to connect instance %s: %w", providerSandboxID, err)
	}
	return &httpInstance{provider: p, id: providerSandboxID}, nil
}

func (p *HTTPProvider) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode,
			strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type httpInstance struct {
	provider *HTTPProvider
	id       string
}

func (i *httpInstance) ID() string { return i.id }

func (i *httpInstance) verb(ctx context.Context, verb string) error {
	return i.provider.call(ctx, http.MethodPost, "/instances/"+i.id+"/"+verb, map[string]string{}, nil)
}

func (i *httpInstance) Pause(ctx context.Context) error  { return i.verb(ctx, "pause") }
func (i *httpInstance) Resume(ctx context.Context) error { return i.verb(ctx, "resume") }

func (i *httpInstance) Delete(ctx context.Context) error {
	return i.provider.call(ctx, http.MethodDelete, "/instances/"+i.id, nil, nil)
}

func (i *httpInstance) ExposePort(ctx context.Context, port int) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := i.provider.call(ctx, http.MethodPost, fmt.Sprintf("/instances/%s/ports", i.id),
		map[string]int{"port": port}, &out)
	if err != nil {
		return "", fmt.Errorf("failed to expose port %d: %w", port, err)
	}
	return out.URL, nil
}

func (i *httpInstance) RunCmd(ctx context.Context, cmd string, background bool) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	err := i.provider.call(ctx, http.MethodPost, "/instances/"+i.id+"/exec", map[string]any{
		"command":    cmd,
		"background": background,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("failed to run command: %w", err)
	}
	return out.Output, nil
}

func (i *httpInstance) ReadFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	err := i.provider.call(ctx, http.MethodPost, "/instances/"+i.id+"/files/read",
		map[string]string{"path": path}, &out)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return out.Content, nil
}

func (i *httpInstance) WriteFile(ctx context.Context, path, content string) error {
	err := i.provider.call(ctx, http.MethodPost, "/instances/"+i.id+"/files/write",
		map[string]string{"path": path, "content": content}, nil)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func (i *httpInstance) CreateDirectory(ctx context.Context, path string) error {
	err := i.provider.call(ctx, http.MethodPost, "/instances/"+i.id+"/files/mkdir",
		map[string]string{"path": path}, nil)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}
