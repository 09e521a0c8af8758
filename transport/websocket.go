package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	loggerv2 "mcprun/logger/v2"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsMaxMessageSize = 10 * 1024 * 1024
)

// DeriveWebSocketURL maps an http(s) base URL onto the conventional
// WebSocket endpoint: the scheme is swapped (http->ws, https->wss) and the
// /ws path suffix is appended. URLs that are already ws(s) pass through.
func DeriveWebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return u.String(), nil
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("cannot derive WebSocket URL from scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// WebSocketTransport carries JSON-RPC messages over a WebSocket connection,
// one message per text frame.
type WebSocketTransport struct {
	url     string
	headers map[string]string
	logger  loggerv2.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool

	messages chan json.RawMessage
	errs     chan error
	done     chan struct{}
	doneOnce sync.Once
}

// NewWebSocketTransport creates a transport for the given ws(s) URL.
func NewWebSocketTransport(wsURL string, headers map[string]string, logger loggerv2.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		url:      wsURL,
		headers:  headers,
		logger:   logger,
		messages: make(chan json.RawMessage, 32),
		errs:     make(chan error, 8),
		done:     make(chan struct{}),
	}
}

// WebSocketDialer returns a ProxyTransport dialer that connects a fresh
// WebSocketTransport on each attempt.
func WebSocketDialer(wsURL string, headers map[string]string, logger loggerv2.Logger) Dialer {
	return func(ctx context.Context) (Transport, error) {
		t := NewWebSocketTransport(wsURL, headers, logger)
		if err := t.Start(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
}

// Start dials the endpoint. The context bounds the dial only.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial %s (status %d): %w", t.url, resp.StatusCode, err)
		}
		return fmt.Errorf("failed to dial %s: %w", t.url, err)
	}
	conn.SetReadLimit(wsMaxMessageSize)

	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()

	t.logger.Debug("WebSocket connected", loggerv2.String("url", t.url))
	go t.readLoop(conn)
	return nil
}

// Send writes one JSON-RPC message as a text frame.
func (t *WebSocketTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}

	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to write WebSocket frame: %w", err)
	}
	return nil
}

// Ping sends a WebSocket ping control frame. Used as the heartbeat to keep
// intermediary hops alive; it does not count as message activity.
func (t *WebSocketTransport) Ping(ctx context.Context) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed || t.conn == nil {
		return ErrNotConnected
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

// Close sends a close frame and tears the connection down.
func (t *WebSocketTransport) Close() error {
	t.writeMu.Lock()
	if t.closed {
		t.writeMu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.writeMu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}
	t.finish()
	return nil
}

func (t *WebSocketTransport) Messages() <-chan json.RawMessage { return t.messages }
func (t *WebSocketTransport) Errors() <-chan error             { return t.errs }
func (t *WebSocketTransport) Done() <-chan struct{}            { return t.done }

func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	defer t.finish()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			t.writeMu.Lock()
			closed := t.closed
			t.writeMu.Unlock()
			if !closed {
				select {
				case t.errs <- fmt.Errorf("WebSocket read failed: %w", err):
				default:
				}
			}
			return
		}

		msg := make(json.RawMessage, len(data))
		copy(msg, data)
		select {
		case t.messages <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *WebSocketTransport) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}
