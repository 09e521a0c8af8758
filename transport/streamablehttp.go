package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	loggerv2 "mcprun/logger/v2"
)

const sessionIDHeader = "Mcp-Session-Id"

// StreamableHTTPTransport carries JSON-RPC over plain HTTP POSTs. The server
// assigns a session id via the Mcp-Session-Id response header, which is
// replayed on every subsequent request. Responses may be a single JSON body
// or a short SSE-formatted body; both are accepted. Shutdown attempts an
// explicit session termination (DELETE), tolerating 405 as "not supported".
type StreamableHTTPTransport struct {
	baseURL string
	headers map[string]string
	logger  loggerv2.Logger
	client  *http.Client

	mu        sync.Mutex
	sessionID string
	closed    bool

	messages chan json.RawMessage
	errs     chan error
	done     chan struct{}
	doneOnce sync.Once
}

// NewStreamableHTTPTransport creates a transport for the given endpoint URL.
func NewStreamableHTTPTransport(baseURL string, headers map[string]string, logger loggerv2.Logger) *StreamableHTTPTransport {
	return &StreamableHTTPTransport{
		baseURL:  baseURL,
		headers:  headers,
		logger:   logger,
		client:   &http.Client{},
		messages: make(chan json.RawMessage, 32),
		errs:     make(chan error, 8),
		done:     make(chan struct{}),
	}
}

// Start is a no-op: the session is established lazily by the first POST,
// which carries the caller's initialize request.
func (t *StreamableHTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

// Send POSTs one JSON-RPC message and feeds any response payload back
// through the message channel.
func (t *StreamableHTTPTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	sessionID := t.sessionID
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to POST message: %w", err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		t.mu.Lock()
		if t.sessionID != sid {
			t.sessionID = sid
			t.logger.Debug("Streamable HTTP session established",
				loggerv2.String("session_id", sid))
		}
		t.mu.Unlock()
	}

	switch {
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &TransientError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("message rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode == http.StatusAccepted:
		// Notification accepted, nothing to read back.
		return nil
	}

	return t.consumeResponse(ctx, resp)
}

// consumeResponse feeds response payloads into the message channel,
// handling both plain JSON and SSE-formatted bodies.
func (t *StreamableHTTPTransport) consumeResponse(ctx context.Context, resp *http.Response) error {
	contentType := resp.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "text/event-stream") {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, stdoutScanBuffer), stdoutMaxLine)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if err := t.deliver(ctx, json.RawMessage(data)); err != nil {
				return err
			}
		}
		return scanner.Err()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	return t.deliver(ctx, json.RawMessage(body))
}

// deliver blocks until the message is consumed, the caller gives up, or the
// transport closes. The caller's deadline must win: the run loop that drains
// the message channel is the same goroutine issuing the send.
func (t *StreamableHTTPTransport) deliver(ctx context.Context, msg json.RawMessage) error {
	select {
	case t.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrClosed
	}
}

// TerminateSession asks the server to discard the session. A 405 means the
// server does not support explicit termination, which is not an error.
func (t *StreamableHTTPTransport) TerminateSession(ctx context.Context) error {
	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()

	if sessionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.baseURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build terminate request: %w", err)
	}
	req.Header.Set(sessionIDHeader, sessionID)
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to terminate session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed {
		t.logger.Debug("Server does not support session termination")
		return nil
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("session termination rejected: status %d", resp.StatusCode)
	}
	t.logger.Debug("Session terminated", loggerv2.String("session_id", sessionID))
	return nil
}

// Close marks the transport closed. There is no persistent connection to
// tear down; in-flight requests finish on their own contexts.
func (t *StreamableHTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.finish()
	return nil
}

func (t *StreamableHTTPTransport) Messages() <-chan json.RawMessage { return t.messages }
func (t *StreamableHTTPTransport) Errors() <-chan error             { return t.errs }
func (t *StreamableHTTPTransport) Done() <-chan struct{}            { return t.done }

// SessionID returns the session id assigned by the server, if any.
func (t *StreamableHTTPTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *StreamableHTTPTransport) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}
