// Package gateway bridges a locally-exposed stdio MCP server to a remote or
// child-process fulfilling endpoint. The local surface advertises exactly
// the capabilities discovered on the remote, and every matching request is
// forwarded with identical params under a per-call timeout.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	loggerv2 "mcprun/logger/v2"
	"mcprun/transport"
)

// Exit codes for the gateway process.
const (
	ExitClean = 0
	ExitFatal = 1
)

// UsageTracker receives best-effort usage events on forwarded tool calls.
type UsageTracker interface {
	TrackToolCall(server, tool string)
}

// Config tunes the gateway.
type Config struct {
	// QualifiedName identifies the server package; used for the local
	// server identity, logging, and usage events.
	QualifiedName string

	// CallTimeout bounds each forwarded request.
	CallTimeout time.Duration

	// HandshakeTimeout bounds the connect+initialize of the remote leg.
	HandshakeTimeout time.Duration

	// CleanupTimeout bounds each teardown step.
	CleanupTimeout time.Duration
}

// DefaultConfig returns the default gateway tuning.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      60 * time.Second,
		HandshakeTimeout: 60 * time.Second,
		CleanupTimeout:   5 * time.Second,
	}
}

// Server is the gateway instance. One per process invocation; all state is
// set up before serving starts and torn down exactly once.
type Server struct {
	cfg     Config
	logger  loggerv2.Logger
	tracker UsageTracker

	remote *client.Client
	local  *server.MCPServer
	child  *stdioRemote
	caps   capabilitySet

	cleanupOnce sync.Once
}

// Option customizes a gateway Server.
type Option func(*Server)

// WithUsageTracker attaches a fire-and-forget usage tracker.
func WithUsageTracker(t UsageTracker) Option {
	return func(g *Server) { g.tracker = t }
}

// New creates a gateway server.
func New(cfg Config, logger loggerv2.Logger, opts ...Option) *Server {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultConfig().CleanupTimeout
	}
	g := &Server{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Run connects the remote leg, mirrors its capabilities onto a local stdio
// server, and serves until shutdown. Returns the process exit code.
func (g *Server) Run(ctx context.Context, opt transport.ConnectionOption) int {
	defer g.cleanup()

	hctx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	remote, initResult, child, err := connectRemote(hctx, opt, g.logger)
	cancel()
	if err != nil {
		g.logger.Error("Failed to connect to tool server", err,
			loggerv2.String("server", g.cfg.QualifiedName))
		return ExitFatal
	}
	g.remote = remote
	g.child = child

	g.caps = discoverCapabilities(initResult.Capabilities)
	g.logger.Info("Connected to tool server",
		loggerv2.String("server", g.cfg.QualifiedName),
		loggerv2.String("remote", initResult.ServerInfo.Name),
		loggerv2.Any("capabilities", g.caps))

	g.local = server.NewMCPServer(g.cfg.QualifiedName, "1.0.0", g.caps.serverOptions()...)

	rctx, rcancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	err = g.registerForwarders(rctx)
	rcancel()
	if err != nil {
		g.logger.Error("Failed to discover remote entries", err,
			loggerv2.String("server", g.cfg.QualifiedName))
		return ExitFatal
	}

	stdioServer := server.NewStdioServer(g.local)
	stdioServer.SetErrorLogger(log.New(os.Stderr, "mcprun-gateway: ", log.LstdFlags))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- stdioServer.Listen(ctx, os.Stdin, os.Stdout)
	}()

	var childExited <-chan struct{}
	if child != nil {
		childExited = child.Exited()
	}

	select {
	case <-ctx.Done():
		g.logger.Info("Shutdown signal received")
		return ExitClean

	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("Local server stopped", err)
			return ExitFatal
		}
		g.logger.Info("Client closed stdin, shutting down")
		return ExitClean

	case <-childExited:
		g.logger.Error("Tool server terminated unexpectedly while running", nil,
			loggerv2.String("server", g.cfg.QualifiedName))
		return ExitFatal
	}
}

// registerForwarders lists each discovered capability family on the remote
// and registers a forwarding handler per entry.
func (g *Server) registerForwarders(ctx context.Context) error {
	if g.caps.Tools {
		if err := g.registerTools(ctx); err != nil {
			return fmt.Errorf("tools: %w", err)
		}
	}
	if g.caps.Resources {
		if err := g.registerResources(ctx); err != nil {
			return fmt.Errorf("resources: %w", err)
		}
	}
	if g.caps.Prompts {
		if err := g.registerPrompts(ctx); err != nil {
			return fmt.Errorf("prompts: %w", err)
		}
	}
	return nil
}

func (g *Server) registerTools(ctx context.Context) error {
	var cursor mcp.Cursor
	count := 0
	for {
		req := mcp.ListToolsRequest{}
		req.Params.Cursor = cursor
		result, err := g.remote.ListTools(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to list tools: %w", err)
		}
		for _, tool := range result.Tools {
			g.local.AddTool(tool, g.forwardToolCall)
			count++
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	g.logger.Debug("Registered forwarded tools", loggerv2.Int("count", count))
	return nil
}

func (g *Server) registerResources(ctx context.Context) error {
	var cursor mcp.Cursor
	count := 0
	for {
		req := mcp.ListResourcesRequest{}
		req.Params.Cursor = cursor
		result, err := g.remote.ListResources(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to list resources: %w", err)
		}
		for _, resource := range result.Resources {
			g.local.AddResource(resource, g.forwardReadResource)
			count++
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	g.logger.Debug("Registered forwarded resources", loggerv2.Int("count", count))
	return nil
}

func (g *Server) registerPrompts(ctx context.Context) error {
	var cursor mcp.Cursor
	count := 0
	for {
		req := mcp.ListPromptsRequest{}
		req.Params.Cursor = cursor
		result, err := g.remote.ListPrompts(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to list prompts: %w", err)
		}
		for _, prompt := range result.Prompts {
			g.local.AddPrompt(prompt, g.forwardGetPrompt)
			count++
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	g.logger.Debug("Registered forwarded prompts", loggerv2.Int("count", count))
	return nil
}

// forwardToolCall relays a local tools/call to the remote with identical
// params under the per-call deadline.
func (g *Server) forwardToolCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if g.tracker != nil {
		g.tracker.TrackToolCall(g.cfg.QualifiedName, req.Params.Name)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	result, err := g.remote.CallTool(callCtx, req)
	if err != nil {
		return nil, g.forwardErr("tool call", req.Params.Name, callCtx, err)
	}
	return result, nil
}

func (g *Server) forwardReadResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	result, err := g.remote.ReadResource(callCtx, req)
	if err != nil {
		return nil, g.forwardErr("resource read", req.Params.URI, callCtx, err)
	}
	return result.Contents, nil
}

func (g *Server) forwardGetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	result, err := g.remote.GetPrompt(callCtx, req)
	if err != nil {
		return nil, g.forwardErr("prompt get", req.Params.Name, callCtx, err)
	}
	return result, nil
}

// forwardErr shapes a forwarding failure for the local caller. A deadline
// expiry is reported as a timeout scoped to the one request; the gateway
// itself keeps serving.
func (g *Server) forwardErr(op, target string, callCtx context.Context, err error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		g.logger.Warn("Forwarded request timed out",
			loggerv2.String("op", op),
			loggerv2.String("target", target),
			loggerv2.String("timeout", g.cfg.CallTimeout.String()))
		return fmt.Errorf("%s %q timed out after %s", op, target, g.cfg.CallTimeout)
	}
	g.logger.Error("Forwarded request failed", err,
		loggerv2.String("op", op),
		loggerv2.String("target", target))
	return err
}

// cleanup closes the remote leg exactly once, bounded so a hung remote
// cannot block process exit.
func (g *Server) cleanup() {
	g.cleanupOnce.Do(func() {
		if g.remote == nil {
			return
		}
		closed := make(chan error, 1)
		go func() { closed <- g.remote.Close() }()
		select {
		case err := <-closed:
			if err != nil {
				g.logger.Warn("Failed to close tool server connection", loggerv2.Error(err))
			}
		case <-time.After(g.cfg.CleanupTimeout):
			g.logger.Warn("Tool server connection close timed out")
		}
	})
}
