package mcp

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// TransportType selects how a custom MCP server is reached.
type TransportType string

// Supported custom server transports.
const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
)

// CustomServer describes a caller-attached MCP server. Stdio servers are
// launched as child processes; HTTP servers are dialed directly.
type CustomServer struct {
	Name      string            `json:"name"`
	Transport TransportType     `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Validate checks transport-specific required fields.
func (s *CustomServer) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("custom server requires a name")
	}
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
	case TransportHTTP:
		if s.URL == "" {
			return fmt.Errorf("http transport requires url")
		}
	default:
		return fmt.Errorf("unsupported transport type: %s", s.Transport)
	}
	return nil
}

// createTransport builds an SDK transport for a custom server.
func createTransport(s *CustomServer) (mcpsdk.Transport, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Transport {
	case TransportStdio:
		cmd := exec.Command(s.Command, s.Args...)
		env := os.Environ()
		for k, v := range s.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case TransportHTTP:
		transport := &mcpsdk.StreamableClientTransport{Endpoint: s.URL}
		if len(s.Headers) > 0 {
			transport.HTTPClient = &http.Client{
				Transport: &headerTransport{base: http.DefaultTransport, headers: s.Headers},
			}
		}
		return transport, nil
	}
	return nil, fmt.Errorf("unsupported transport type: %s", s.Transport)
}

// headerTransport adds static headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
