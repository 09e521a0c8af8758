package runner

import (
	"time"

	"mcprun/transport"
)

// Config tunes the runner's retry, idle, and heartbeat behavior.
type Config struct {
	// MaxRetries bounds reconnection attempts after a non-client close.
	MaxRetries int

	// RetryDelay is the backoff base: attempt n waits
	// RetryDelay * 2^n plus up to a second of jitter.
	RetryDelay time.Duration

	// HandshakeTimeout bounds each transport start attempt. A timeout is
	// routed through the same path as any other disconnect.
	HandshakeTimeout time.Duration

	// IdleTimeout triggers a graceful shutdown once no genuine traffic has
	// flowed for this long. Zero disables the idle manager.
	IdleTimeout time.Duration

	// IdleCheckInterval is how often the idle clock is inspected.
	IdleCheckInterval time.Duration

	// HeartbeatInterval spaces keepalive pings while Ready, for transports
	// that support them. Zero disables the heartbeat manager.
	HeartbeatInterval time.Duration

	// CleanupTimeout bounds each teardown step (session termination,
	// transport close) so a hung remote cannot block process exit.
	CleanupTimeout time.Duration
}

// DefaultConfig returns the base tuning, without an idle window.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		RetryDelay:        1 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		IdleTimeout:       0,
		IdleCheckInterval: 60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		CleanupTimeout:    5 * time.Second,
	}
}

// DefaultConfigFor returns the tuning for a connection kind. Remote
// transports get an idle window; a local child process is left alone since
// the client owns its lifetime via stdin.
func DefaultConfigFor(kind transport.Kind) Config {
	cfg := DefaultConfig()
	switch kind {
	case transport.KindWebSocket:
		cfg.IdleTimeout = 10 * time.Minute
	case transport.KindSSE, transport.KindStreamableHTTP:
		cfg.IdleTimeout = 15 * time.Minute
	}
	return cfg
}
