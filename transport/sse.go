package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	loggerv2 "mcprun/logger/v2"
)

// SSETransport carries JSON-RPC over a server-sent-events stream. The server
// announces the client-to-server POST target via an `endpoint` event carrying
// the session id; inbound messages arrive as `message` events; a `reconnect`
// event asks the client to drop the stream and re-establish, which surfaces
// here as a transport close.
type SSETransport struct {
	baseURL string
	headers map[string]string
	logger  loggerv2.Logger
	client  *http.Client

	mu           sync.Mutex
	postURL      string
	sessionID    string
	closed       bool
	streamCancel context.CancelFunc

	endpointReady chan struct{}
	messages      chan json.RawMessage
	errs          chan error
	done          chan struct{}
	doneOnce      sync.Once
}

// NewSSETransport creates a transport for the given SSE endpoint URL.
func NewSSETransport(baseURL string, headers map[string]string, logger loggerv2.Logger) *SSETransport {
	return &SSETransport{
		baseURL:       baseURL,
		headers:       headers,
		logger:        logger,
		client:        &http.Client{},
		endpointReady: make(chan struct{}),
		messages:      make(chan json.RawMessage, 32),
		errs:          make(chan error, 8),
		done:          make(chan struct{}),
	}
}

// Start opens the event stream and waits for the endpoint event. The stream
// itself runs on a background context so it outlives the handshake deadline.
func (s *SSETransport) Start(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrClosed
	}
	s.streamCancel = cancel
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.baseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to build SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open SSE stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return fmt.Errorf("SSE stream rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	go s.readStream(resp.Body)

	// The POST target is unusable until the server announces it.
	select {
	case <-s.endpointReady:
		return nil
	case <-s.done:
		return fmt.Errorf("SSE stream closed before endpoint event")
	case <-ctx.Done():
		s.Close()
		return fmt.Errorf("timed out waiting for SSE endpoint event: %w", ctx.Err())
	}
}

// Send POSTs one JSON-RPC message to the announced session endpoint.
// Upstream 5xx responses are reported as transient; the stream close event
// remains the authority on connection loss.
func (s *SSETransport) Send(ctx context.Context, msg json.RawMessage) error {
	s.mu.Lock()
	closed := s.closed
	postURL := s.postURL
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if postURL == "" {
		return ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("failed to build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to POST message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &TransientError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("message rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Close drops the event stream.
func (s *SSETransport) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.streamCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.finish()
	return nil
}

func (s *SSETransport) Messages() <-chan json.RawMessage { return s.messages }
func (s *SSETransport) Errors() <-chan error             { return s.errs }
func (s *SSETransport) Done() <-chan struct{}            { return s.done }

// SessionID returns the session id parsed from the endpoint event.
func (s *SSETransport) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *SSETransport) readStream(body io.ReadCloser) {
	defer body.Close()
	defer s.finish()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, stdoutScanBuffer), stdoutMaxLine)

	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !s.dispatchEvent(eventName, data) {
				return
			}
			eventName, data = "", ""
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		}
	}

	// A final event may be pending when the stream ends without a trailing
	// blank line.
	if eventName != "" || data != "" {
		s.dispatchEvent(eventName, data)
	}

	if err := scanner.Err(); err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			select {
			case s.errs <- fmt.Errorf("SSE stream read failed: %w", err):
			default:
			}
		}
	}
}

// dispatchEvent handles one complete SSE event. It returns false when the
// stream should be torn down.
func (s *SSETransport) dispatchEvent(eventName, data string) bool {
	switch eventName {
	case "endpoint":
		target, err := s.resolveEndpoint(data)
		if err != nil {
			s.logger.Error("Invalid SSE endpoint event", err, loggerv2.String("data", data))
			return false
		}
		s.mu.Lock()
		first := s.postURL == ""
		s.postURL = target
		if u, err := url.Parse(target); err == nil {
			s.sessionID = u.Query().Get("sessionId")
		}
		s.mu.Unlock()
		if first {
			close(s.endpointReady)
		}
		s.logger.Debug("SSE endpoint announced",
			loggerv2.String("session_id", s.SessionID()))
	case "message", "":
		if data == "" {
			return true
		}
		select {
		case s.messages <- json.RawMessage(data):
		case <-s.done:
			return false
		}
	case "reconnect":
		// The server wants a fresh stream; closing lets the owner
		// re-establish through its normal reconnection path.
		s.logger.Info("SSE server requested reconnect")
		return false
	default:
		s.logger.Debug("Ignoring SSE event", loggerv2.String("event", eventName))
	}
	return true
}

// resolveEndpoint resolves the endpoint event payload (usually a relative
// /message?sessionId=... URI) against the stream URL.
func (s *SSETransport) resolveEndpoint(data string) (string, error) {
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(data))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (s *SSETransport) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}
