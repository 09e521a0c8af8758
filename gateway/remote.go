package gateway

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	loggerv2 "mcprun/logger/v2"
	"mcprun/transport"
)

const protocolVersion = "2024-11-05"

func clientInfo() mcp.Implementation {
	return mcp.Implementation{
		Name:    "mcprun-gateway",
		Version: "1.0.0",
	}
}

// connectRemote builds and initializes the MCP client for the fulfilling
// endpoint. The returned stdioRemote is nil for URL-based endpoints.
func connectRemote(ctx context.Context, opt transport.ConnectionOption, logger loggerv2.Logger) (*client.Client, *mcp.InitializeResult, *stdioRemote, error) {
	switch opt.DetectKind() {
	case transport.KindStdio:
		remote := newStdioRemote(opt, logger)
		c, initResult, err := remote.connect(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		return c, initResult, remote, nil

	case transport.KindSSE:
		c, initResult, err := connectSSERemote(ctx, opt, logger)
		return c, initResult, nil, err

	case transport.KindStreamableHTTP:
		c, initResult, err := connectHTTPRemote(ctx, opt, logger)
		return c, initResult, nil, err

	case transport.KindWebSocket:
		// WebSocket endpoints are relayed by the runner, which speaks raw
		// JSON-RPC and needs no local server surface.
		return nil, nil, nil, fmt.Errorf("websocket endpoints are served by the runner, not the gateway")

	default:
		return nil, nil, nil, fmt.Errorf("unsupported connection type: %s", opt.Kind)
	}
}

// connectSSERemote dials an SSE endpoint. The event stream is started on a
// background context so it outlives the handshake deadline.
func connectSSERemote(ctx context.Context, opt transport.ConnectionOption, logger loggerv2.Logger) (*client.Client, *mcp.InitializeResult, error) {
	var options []mcptransport.ClientOption
	if len(opt.Headers) > 0 {
		options = append(options, mcptransport.WithHeaders(opt.Headers))
	}
	options = append(options, mcptransport.WithSSELogger(loggerv2.ToUtilLogger(logger)))

	sseTransport, err := mcptransport.NewSSE(opt.URL, options...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SSE transport: %w", err)
	}

	c := client.NewClient(sseTransport)
	if err := c.Start(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("failed to start SSE client: %w", err)
	}

	initResult, err := initialize(ctx, c)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, initResult, nil
}

// connectHTTPRemote dials a streamable HTTP endpoint.
func connectHTTPRemote(ctx context.Context, opt transport.ConnectionOption, logger loggerv2.Logger) (*client.Client, *mcp.InitializeResult, error) {
	var options []mcptransport.StreamableHTTPCOption
	if len(opt.Headers) > 0 {
		options = append(options, mcptransport.WithHTTPHeaders(opt.Headers))
	}

	httpTransport, err := mcptransport.NewStreamableHTTP(opt.URL, options...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}

	c := client.NewClient(httpTransport)
	if err := c.Start(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("failed to start HTTP client: %w", err)
	}

	initResult, err := initialize(ctx, c)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, initResult, nil
}

func initialize(ctx context.Context, c *client.Client) (*mcp.InitializeResult, error) {
	initResult, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: protocolVersion,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo:      clientInfo(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MCP connection: %w", err)
	}
	return initResult, nil
}
