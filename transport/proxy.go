package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	loggerv2 "mcprun/logger/v2"
)

// Dialer produces a started Transport. ProxyTransport calls it lazily and
// again after each idle disconnect.
type Dialer func(ctx context.Context) (Transport, error)

// ProxyConfig tunes ProxyTransport behavior.
type ProxyConfig struct {
	// MaxBuffer bounds the FIFO of messages queued while disconnected.
	MaxBuffer int
	// IdleTimeout releases the underlying connection after this much time
	// without a successful send.
	IdleTimeout time.Duration
	// ConnectTimeout bounds each lazy connection attempt.
	ConnectTimeout time.Duration
}

// DefaultProxyConfig returns the default proxy tuning.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		MaxBuffer:      100,
		IdleTimeout:    2 * time.Minute,
		ConnectTimeout: 30 * time.Second,
	}
}

// ProxyTransport decorates a connection-oriented transport with lazy
// connect-on-first-send, idle-triggered disconnect, and bounded FIFO
// buffering while disconnected.
//
// Closure of the underlying transport is never propagated: the proxy's own
// Done fires exactly once, and only on an explicit Close. The next send
// after an underlying disconnect transparently reconnects.
type ProxyTransport struct {
	dial   Dialer
	cfg    ProxyConfig
	logger loggerv2.Logger

	mu       sync.Mutex
	under    Transport
	buffer   []json.RawMessage
	inflight *connectFlight
	idle     *time.Timer
	closed   bool

	messages chan json.RawMessage
	errs     chan error
	done     chan struct{}
	doneOnce sync.Once
}

// connectFlight is the shared state of one in-flight connection attempt.
// Concurrent senders wait on the same flight instead of dialing again.
type connectFlight struct {
	done chan struct{}
	err  error
}

// NewProxyTransport creates a proxy over the given dialer.
func NewProxyTransport(dial Dialer, cfg ProxyConfig, logger loggerv2.Logger) *ProxyTransport {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultProxyConfig().MaxBuffer
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultProxyConfig().IdleTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultProxyConfig().ConnectTimeout
	}
	return &ProxyTransport{
		dial:     dial,
		cfg:      cfg,
		logger:   logger,
		messages: make(chan json.RawMessage, 32),
		errs:     make(chan error, 8),
		done:     make(chan struct{}),
	}
}

// Start is intentionally lazy; the first Send dials.
func (p *ProxyTransport) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Send delivers the message directly when connected, otherwise queues it and
// ensures a single connection attempt is in flight. The outcome is always
// one of: delivered, buffered, or ErrBufferFull.
func (p *ProxyTransport) Send(ctx context.Context, msg json.RawMessage) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}

	if u := p.under; u != nil {
		p.mu.Unlock()
		if err := u.Send(ctx, msg); err != nil {
			return err
		}
		p.touch()
		return nil
	}

	if len(p.buffer) >= p.cfg.MaxBuffer {
		p.mu.Unlock()
		return ErrBufferFull
	}
	p.buffer = append(p.buffer, msg)
	p.ensureConnectedLocked()
	p.mu.Unlock()
	return nil
}

// ensureConnectedLocked starts a connection attempt unless one is already in
// flight. Caller holds p.mu.
func (p *ProxyTransport) ensureConnectedLocked() *connectFlight {
	if p.inflight != nil {
		return p.inflight
	}
	flight := &connectFlight{done: make(chan struct{})}
	p.inflight = flight
	go p.connect(flight)
	return flight
}

// connect dials, then drains the buffer in FIFO order before exposing the
// connection to new senders, preserving arrival order.
func (p *ProxyTransport) connect(flight *connectFlight) {
	defer close(flight.done)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()

	u, err := p.dial(ctx)
	if err != nil {
		p.logger.Error("Proxy connection attempt failed", err)
		p.mu.Lock()
		p.inflight = nil
		p.mu.Unlock()
		flight.err = err
		select {
		case p.errs <- err:
		default:
		}
		return
	}

	go p.pump(u)

	flushed := 0
	for {
		p.mu.Lock()
		if p.closed {
			p.inflight = nil
			p.mu.Unlock()
			_ = u.Close()
			flight.err = ErrClosed
			return
		}
		if len(p.buffer) == 0 {
			p.under = u
			p.inflight = nil
			p.mu.Unlock()
			break
		}
		msg := p.buffer[0]
		p.buffer = p.buffer[1:]
		p.mu.Unlock()

		if err := u.Send(ctx, msg); err != nil {
			// Keep the message queued for the next attempt.
			p.logger.Error("Failed to flush buffered message", err)
			p.mu.Lock()
			p.buffer = append([]json.RawMessage{msg}, p.buffer...)
			p.inflight = nil
			p.mu.Unlock()
			_ = u.Close()
			flight.err = err
			return
		}
		flushed++
	}

	p.touch()
	p.logger.Debug("Proxy connected",
		loggerv2.Int("flushed", flushed))
}

// pump forwards the underlying transport's traffic onto the proxy's own
// channels. An underlying close clears the connection without closing the
// proxy itself.
func (p *ProxyTransport) pump(u Transport) {
	for {
		select {
		case m, ok := <-u.Messages():
			if !ok {
				p.detach(u)
				return
			}
			select {
			case p.messages <- m:
			case <-p.done:
				return
			}
		case e := <-u.Errors():
			select {
			case p.errs <- e:
			default:
			}
		case <-u.Done():
			p.detach(u)
			return
		case <-p.done:
			return
		}
	}
}

// detach clears u as the live connection if it still is one.
func (p *ProxyTransport) detach(u Transport) {
	p.mu.Lock()
	if p.under == u {
		p.under = nil
		p.logger.Debug("Underlying transport disconnected, next send reconnects")
	}
	p.mu.Unlock()
}

// touch resets the idle timer after a successful send or connect.
func (p *ProxyTransport) touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.idle != nil {
		p.idle.Stop()
	}
	p.idle = time.AfterFunc(p.cfg.IdleTimeout, p.idleDisconnect)
}

// idleDisconnect releases the underlying connection. The proxy stays usable;
// a later send dials again.
func (p *ProxyTransport) idleDisconnect() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	u := p.under
	p.under = nil
	p.mu.Unlock()

	if u != nil {
		p.logger.Info("Closing idle connection")
		_ = u.Close()
	}
}

// Close shuts the proxy down for good. This is the only path that fires the
// proxy's own Done.
func (p *ProxyTransport) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	u := p.under
	p.under = nil
	if p.idle != nil {
		p.idle.Stop()
	}
	p.mu.Unlock()

	if u != nil {
		_ = u.Close()
	}
	p.doneOnce.Do(func() { close(p.done) })
	return nil
}

func (p *ProxyTransport) Messages() <-chan json.RawMessage { return p.messages }
func (p *ProxyTransport) Errors() <-chan error             { return p.errs }
func (p *ProxyTransport) Done() <-chan struct{}            { return p.done }

// Ping forwards to the live connection when it supports keepalives.
// A disconnected proxy has nothing to keep alive.
func (p *ProxyTransport) Ping(ctx context.Context) error {
	p.mu.Lock()
	u := p.under
	p.mu.Unlock()

	if u == nil {
		return ErrNotConnected
	}
	if pinger, ok := u.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// BufferedCount reports how many messages are queued awaiting a connection.
func (p *ProxyTransport) BufferedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
