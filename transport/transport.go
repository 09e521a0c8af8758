package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	loggerv2 "mcprun/logger/v2"
)

// Kind identifies the connection mechanism carrying JSON-RPC messages.
type Kind string

const (
	KindStdio          Kind = "stdio"
	KindWebSocket      Kind = "ws"
	KindSSE            Kind = "sse"
	KindStreamableHTTP Kind = "http"
)

// ConnectionOption describes how to reach a tool server endpoint.
// It is produced by a resolver before the session starts and is
// immutable once a session is running.
type ConnectionOption struct {
	Kind Kind `json:"type"`

	// Stdio fields
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// URL-based fields (ws, sse, http)
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Stdio builds a ConnectionOption for a child-process endpoint.
func Stdio(command string, args []string, env map[string]string) ConnectionOption {
	return ConnectionOption{Kind: KindStdio, Command: command, Args: args, Env: env}
}

// WebSocket builds a ConnectionOption for a WebSocket endpoint.
func WebSocket(url string) ConnectionOption {
	return ConnectionOption{Kind: KindWebSocket, URL: url}
}

// SSE builds a ConnectionOption for a server-sent-events endpoint.
func SSE(url string) ConnectionOption {
	return ConnectionOption{Kind: KindSSE, URL: url}
}

// StreamableHTTP builds a ConnectionOption for a streamable HTTP endpoint.
func StreamableHTTP(url string) ConnectionOption {
	return ConnectionOption{Kind: KindStreamableHTTP, URL: url}
}

// DetectKind returns the connection kind with smart detection.
// If the kind is explicitly set, it is used as-is.
func (o ConnectionOption) DetectKind() Kind {
	if o.Kind != "" {
		return o.Kind
	}
	if o.URL != "" {
		if strings.Contains(o.URL, "/sse") {
			return KindSSE
		}
		if strings.HasPrefix(o.URL, "ws://") || strings.HasPrefix(o.URL, "wss://") {
			return KindWebSocket
		}
		if strings.HasPrefix(o.URL, "http://") || strings.HasPrefix(o.URL, "https://") {
			return KindStreamableHTTP
		}
	}
	return KindStdio
}

// Transport carries newline-free JSON-RPC messages to and from one endpoint.
// The channels are owned by the transport and fixed at construction; Done is
// closed exactly once when the transport reaches its terminal state.
type Transport interface {
	// Start establishes the connection. The context bounds the attempt only;
	// cancelling it after Start returns does not tear the transport down.
	Start(ctx context.Context) error

	// Send transmits a single JSON-RPC message.
	Send(ctx context.Context, msg json.RawMessage) error

	// Close tears the transport down. Safe to call more than once.
	Close() error

	// Messages delivers inbound JSON-RPC messages in arrival order.
	Messages() <-chan json.RawMessage

	// Errors delivers non-terminal transport errors.
	Errors() <-chan error

	// Done is closed when the transport will produce no further messages.
	Done() <-chan struct{}
}

// Pinger is implemented by transports that support a protocol-level
// keepalive independent of message traffic.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionTerminator is implemented by transports that support an explicit
// remote session end ahead of Close.
type SessionTerminator interface {
	TerminateSession(ctx context.Context) error
}

var (
	// ErrClosed is returned by Send after the transport has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrNotConnected is returned when a send requires a live connection
	// and none exists.
	ErrNotConnected = errors.New("transport not connected")

	// ErrBufferFull is returned by ProxyTransport.Send when the bounded
	// offline buffer is at capacity.
	ErrBufferFull = errors.New("message buffer full")
)

// TransientError wraps an upstream failure that does not invalidate the
// connection, e.g. a 502 from an intermediary. Callers should log and
// carry on, deferring to the eventual close event.
type TransientError struct {
	Status int
	Body   string
}

func (e *TransientError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("transient upstream error: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("transient upstream error: status %d", e.Status)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// New constructs the transport variant selected by the connection option.
// WebSocket endpoints are wrapped in a ProxyTransport so the connection is
// only held while traffic is flowing.
func New(opt ConnectionOption, logger loggerv2.Logger) (Transport, error) {
	switch opt.DetectKind() {
	case KindStdio:
		if opt.Command == "" {
			return nil, fmt.Errorf("stdio connection requires a command")
		}
		return NewStdioTransport(opt.Command, opt.Args, opt.Env, logger), nil
	case KindWebSocket:
		wsURL, err := DeriveWebSocketURL(opt.URL)
		if err != nil {
			return nil, err
		}
		dial := WebSocketDialer(wsURL, opt.Headers, logger)
		return NewProxyTransport(dial, DefaultProxyConfig(), logger), nil
	case KindSSE:
		return NewSSETransport(opt.URL, opt.Headers, logger), nil
	case KindStreamableHTTP:
		return NewStreamableHTTPTransport(opt.URL, opt.Headers, logger), nil
	default:
		return nil, fmt.Errorf("unsupported connection type: %s", opt.Kind)
	}
}
