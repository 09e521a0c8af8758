// Package registry resolves qualified server names into connection options.
// The registry API surface is deliberately thin; the resolver is called once
// at startup and never during a session.
package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	loggerv2 "mcprun/logger/v2"
	"mcprun/transport"
)

// DefaultBaseURL is the public registry endpoint.
const DefaultBaseURL = "https://registry.mcprun.dev"

// Resolver turns a qualified server name plus per-server config into a
// concrete connection option.
type Resolver interface {
	Resolve(ctx context.Context, qualifiedName string, config map[string]any) (*transport.ConnectionOption, error)
}

// Client is the HTTP registry resolver.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  loggerv2.Logger
}

// ClientOption customizes a registry Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a non-default registry.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIKey authenticates requests against the registry.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a registry client.
func NewClient(logger loggerv2.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// serverResponse is the subset of the registry payload the resolver needs.
type serverResponse struct {
	QualifiedName string           `json:"qualifiedName"`
	DisplayName   string           `json:"displayName,omitempty"`
	Connections   []connectionInfo `json:"connections"`
}

type connectionInfo struct {
	Type          string            `json:"type"`
	URL           string            `json:"url,omitempty"`
	DeploymentURL string            `json:"deploymentUrl,omitempty"`
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// Resolve fetches the server entry and maps its preferred connection to a
// transport.ConnectionOption. The config map is passed through to the
// registry base64-encoded so deployments can template it server-side.
func (c *Client) Resolve(ctx context.Context, qualifiedName string, config map[string]any) (*transport.ConnectionOption, error) {
	endpoint := fmt.Sprintf("%s/servers/%s", c.baseURL, url.PathEscape(qualifiedName))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}
	if len(config) > 0 {
		raw, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("failed to encode server config: %w", err)
		}
		q := req.URL.Query()
		q.Set("config", base64.StdEncoding.EncodeToString(raw))
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read registry response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("server %q not found in registry", qualifiedName)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entry serverResponse
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}
	if len(entry.Connections) == 0 {
		return nil, fmt.Errorf("server %q has no connections", qualifiedName)
	}

	conn := entry.Connections[0]
	opt, err := mapConnection(conn)
	if err != nil {
		return nil, fmt.Errorf("server %q: %w", qualifiedName, err)
	}
	c.logger.Debug("Resolved server connection",
		loggerv2.String("server", qualifiedName),
		loggerv2.String("kind", string(opt.Kind)))
	return opt, nil
}

// mapConnection translates a registry connection entry into a connection
// option, falling back to URL-based detection when the type is unfamiliar.
func mapConnection(conn connectionInfo) (*transport.ConnectionOption, error) {
	endpoint := conn.DeploymentURL
	if endpoint == "" {
		endpoint = conn.URL
	}

	switch strings.ToLower(conn.Type) {
	case "stdio":
		if conn.Command == "" {
			return nil, fmt.Errorf("stdio connection missing command")
		}
		opt := transport.Stdio(conn.Command, conn.Args, conn.Env)
		return &opt, nil
	case "ws", "websocket":
		if endpoint == "" {
			return nil, fmt.Errorf("websocket connection missing url")
		}
		opt := transport.WebSocket(endpoint)
		return &opt, nil
	case "sse":
		if endpoint == "" {
			return nil, fmt.Errorf("sse connection missing url")
		}
		opt := transport.SSE(endpoint)
		return &opt, nil
	case "http", "streamable-http", "streamable_http":
		if endpoint == "" {
			return nil, fmt.Errorf("http connection missing url")
		}
		opt := transport.StreamableHTTP(endpoint)
		return &opt, nil
	default:
		if endpoint == "" {
			return nil, fmt.Errorf("unsupported connection type %q", conn.Type)
		}
		opt := transport.ConnectionOption{URL: endpoint}
		opt.Kind = opt.DetectKind()
		return &opt, nil
	}
}
