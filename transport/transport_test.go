package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	loggerv2 "mcprun/logger/v2"
)

func TestDetectKindExplicitWins(t *testing.T) {
	opt := ConnectionOption{Kind: KindSSE, URL: "wss://example.com"}
	assert.Equal(t, KindSSE, opt.DetectKind())
}

func TestDetectKindFromURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want Kind
	}{
		{"sse path", "https://example.com/sse", KindSSE},
		{"sse path with suffix", "https://example.com/sse?token=x", KindSSE},
		{"ws scheme", "ws://example.com/mcp", KindWebSocket},
		{"wss scheme", "wss://example.com/mcp", KindWebSocket},
		{"plain http", "http://example.com/mcp", KindStreamableHTTP},
		{"plain https", "https://example.com/mcp", KindStreamableHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt := ConnectionOption{URL: tt.url}
			assert.Equal(t, tt.want, opt.DetectKind())
		})
	}
}

func TestDetectKindDefaultsToStdio(t *testing.T) {
	opt := ConnectionOption{Command: "npx"}
	assert.Equal(t, KindStdio, opt.DetectKind())
}

func TestDeriveWebSocketURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"ws passthrough", "ws://example.com/mcp", "ws://example.com/mcp", false},
		{"wss passthrough", "wss://example.com/mcp", "wss://example.com/mcp", false},
		{"http upgraded", "http://example.com", "ws://example.com/ws", false},
		{"https upgraded", "https://example.com/api", "wss://example.com/api/ws", false},
		{"trailing slash", "https://example.com/api/", "wss://example.com/api/ws", false},
		{"bad scheme", "ftp://example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveWebSocketURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRejectsStdioWithoutCommand(t *testing.T) {
	_, err := New(ConnectionOption{Kind: KindStdio}, loggerv2.NewNoop())
	assert.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&TransientError{Status: 502}))
	assert.False(t, IsTransient(ErrClosed))
	assert.False(t, IsTransient(nil))
}
