package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	loggerv2 "mcprun/logger/v2"
	"mcprun/transport"
)

// stdioRemote owns the gateway's child-process leg: it spawns the resolved
// command, relays the child's stderr onto the gateway's own stderr, and
// reports the child's exit so the gateway can fail loudly when the process
// dies while serving.
type stdioRemote struct {
	command string
	args    []string
	env     []string
	logger  loggerv2.Logger

	stderrOut io.Writer
	exited    chan struct{}
}

func newStdioRemote(opt transport.ConnectionOption, logger loggerv2.Logger) *stdioRemote {
	return &stdioRemote{
		command:   opt.Command,
		args:      opt.Args,
		env:       envList(opt.Env),
		logger:    logger,
		stderrOut: os.Stderr,
		exited:    make(chan struct{}),
	}
}

// connect spawns the child and completes the MCP handshake.
func (s *stdioRemote) connect(ctx context.Context) (*client.Client, *mcp.InitializeResult, error) {
	s.logger.Debug("Spawning tool server process",
		loggerv2.String("command", s.command),
		loggerv2.Any("args", s.args))

	mcpClient, err := client.NewStdioMCPClient(s.command, s.env, s.args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to spawn tool server: %w", err)
	}

	if stderr, ok := client.GetStderr(mcpClient); ok && stderr != nil {
		go s.relayStderr(stderr)
	} else {
		// Without a stderr pipe there is nothing to watch; exit detection
		// falls back to request failures.
		s.logger.Warn("Tool server stderr unavailable")
	}

	initResult, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: protocolVersion,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo:      clientInfo(),
		},
	})
	if err != nil {
		_ = mcpClient.Close()
		return nil, nil, fmt.Errorf("failed to initialize tool server: %w", err)
	}

	return mcpClient, initResult, nil
}

// Exited is closed when the child's stderr stream ends, which tracks
// process exit closely enough to detect an unexpected death.
func (s *stdioRemote) Exited() <-chan struct{} {
	return s.exited
}

// relayStderr copies child diagnostics onto the gateway's stderr, line by
// line, so they never mix into the local JSON-RPC stdout channel.
func (s *stdioRemote) relayStderr(stderr io.Reader) {
	defer close(s.exited)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Fprintln(s.stderrOut, line)
	}
}

// envList flattens an override map onto the inherited environment.
func envList(overrides map[string]string) []string {
	env := os.Environ()
	if len(overrides) == 0 {
		return env
	}
	envMap := make(map[string]string, len(env)+len(overrides))
	for _, e := range env {
		if idx := strings.IndexByte(e, '='); idx > 0 {
			envMap[e[:idx]] = e[idx+1:]
		}
	}
	for k, v := range overrides {
		envMap[k] = v
	}
	merged := make([]string, 0, len(envMap))
	for k, v := range envMap {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}
