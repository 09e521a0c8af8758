package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	loggerv2 "mcprun/logger/v2"
	"mcprun/transport"
)

// State is the runner's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateReconnecting
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Exit codes for the runner process.
const (
	ExitClean = 0
	ExitFatal = 1
)

// UsageTracker receives best-effort usage events on tool calls. Failures
// inside the tracker must never affect message relay.
type UsageTracker interface {
	TrackToolCall(server, tool string)
}

// TransportFactory builds a fresh transport for the session's connection
// option. Called once at start and once per reconnection attempt.
type TransportFactory func(transport.ConnectionOption, loggerv2.Logger) (transport.Transport, error)

// Runner bridges the process's stdin/stdout JSON-RPC channel to one remote
// or child-process endpoint. It owns exactly one live transport at a time;
// reconnects construct and swap in a whole new instance. All session state
// is mutated only by the Run goroutine.
type Runner struct {
	opt           transport.ConnectionOption
	cfg           Config
	logger        loggerv2.Logger
	tracker       UsageTracker
	qualifiedName string

	stdin  io.Reader
	stdout io.Writer

	newTransport TransportFactory

	// Owned by the Run goroutine.
	state        State
	tr           transport.Transport
	stdinBuf     []byte
	retryCount   int
	clientClose  bool
	lastActivity time.Time

	cleanupOnce sync.Once
}

// Option customizes a Runner.
type Option func(*Runner)

// WithStreams overrides the stdin/stdout pair, mainly for tests.
func WithStreams(stdin io.Reader, stdout io.Writer) Option {
	return func(r *Runner) {
		r.stdin = stdin
		r.stdout = stdout
	}
}

// WithTransportFactory overrides transport construction, mainly for tests.
func WithTransportFactory(f TransportFactory) Option {
	return func(r *Runner) { r.newTransport = f }
}

// WithUsageTracker attaches a fire-and-forget usage tracker.
func WithUsageTracker(t UsageTracker) Option {
	return func(r *Runner) { r.tracker = t }
}

// New creates a runner for the resolved connection option. qualifiedName is
// used only for logging and usage events.
func New(qualifiedName string, opt transport.ConnectionOption, cfg Config, logger loggerv2.Logger, opts ...Option) *Runner {
	if cfg.IdleCheckInterval <= 0 {
		cfg.IdleCheckInterval = DefaultConfig().IdleCheckInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultConfig().CleanupTimeout
	}
	r := &Runner{
		opt:           opt,
		cfg:           cfg,
		logger:        logger,
		qualifiedName: qualifiedName,
		state:         StateIdle,
		lastActivity:  time.Now(),
		newTransport:  transport.New,
		stdin:         os.Stdin,
		stdout:        os.Stdout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// stdinEvent is one chunk of raw stdin bytes, or EOF.
type stdinEvent struct {
	data []byte
	eof  bool
}

// Run drives the session until a terminal state and returns the process
// exit code: 0 for a clean client-initiated shutdown, 1 otherwise. The
// context is the client-initiated shutdown signal (OS signals).
func (r *Runner) Run(ctx context.Context) int {
	defer r.setState(StateTerminated)
	defer r.cleanup()

	stdinCh := make(chan stdinEvent, 64)
	go r.readStdin(stdinCh)

	for {
		if err := r.connect(ctx); err != nil {
			r.logger.Error("Connection attempt failed", err,
				loggerv2.String("server", r.qualifiedName),
				loggerv2.Int("retry_count", r.retryCount))
			code, terminal := r.handleDisconnect(ctx, stdinCh)
			if terminal {
				return code
			}
			continue
		}

		code, terminal, reconnect := r.loop(ctx, stdinCh)
		if terminal {
			return code
		}
		if reconnect {
			code, terminal := r.handleDisconnect(ctx, stdinCh)
			if terminal {
				return code
			}
		}
	}
}

// connect constructs a fresh transport and performs the handshake under the
// configured timeout. A timeout is indistinguishable from any other failed
// start and flows into the same reconnection path.
func (r *Runner) connect(ctx context.Context) error {
	r.setState(StateConnecting)

	tr, err := r.newTransport(r.opt, r.logger)
	if err != nil {
		return fmt.Errorf("failed to construct transport: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	err = tr.Start(hctx)
	cancel()
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	r.tr = tr
	r.setState(StateReady)
	r.retryCount = 0
	r.touch()
	r.logger.Info("Connected to tool server",
		loggerv2.String("server", r.qualifiedName),
		loggerv2.String("type", string(r.opt.DetectKind())))

	// Lines that arrived before the channel existed go out first.
	r.flushStdinBuffer(ctx)
	return nil
}

// loop services one Ready transport until shutdown or disconnect.
func (r *Runner) loop(ctx context.Context, stdinCh chan stdinEvent) (code int, terminal, reconnect bool) {
	idleCheck := time.NewTicker(r.cfg.IdleCheckInterval)
	defer idleCheck.Stop()

	var heartbeat <-chan time.Time
	if r.cfg.HeartbeatInterval > 0 {
		if _, ok := r.tr.(transport.Pinger); ok {
			hb := time.NewTicker(r.cfg.HeartbeatInterval)
			defer hb.Stop()
			heartbeat = hb.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Shutdown signal received")
			r.clientClose = true
			return ExitClean, true, false

		case ev := <-stdinCh:
			if ev.eof {
				r.logger.Info("Client closed stdin, shutting down")
				r.clientClose = true
				return ExitClean, true, false
			}
			r.stdinBuf = append(r.stdinBuf, ev.data...)
			r.flushStdinBuffer(ctx)

		case msg := <-r.tr.Messages():
			switch r.handleMessage(msg) {
			case actionFatal:
				r.logger.Error("Fatal configuration error reported by server", nil,
					loggerv2.String("server", r.qualifiedName))
				return ExitFatal, true, false
			case actionReconnect:
				r.logger.Warn("Server reported connection closed, reconnecting",
					loggerv2.String("server", r.qualifiedName))
				_ = r.tr.Close()
				return 0, false, true
			}

		case err := <-r.tr.Errors():
			if transport.IsTransient(err) {
				// e.g. an upstream 502; the close event decides.
				r.logger.Warn("Transient transport error",
					loggerv2.Error(err))
			} else {
				r.logger.Error("Transport error", err)
			}

		case <-r.tr.Done():
			// Messages the transport already received may still be queued
			// behind the close; relay them before reconnecting.
			if code, fatal := r.drainMessages(); fatal {
				return code, true, false
			}
			return 0, false, true

		case <-idleCheck.C:
			if r.cfg.IdleTimeout > 0 && time.Since(r.lastActivity) > r.cfg.IdleTimeout {
				r.logger.Info("Session idle, shutting down",
					loggerv2.String("idle_timeout", r.cfg.IdleTimeout.String()))
				r.clientClose = true
				return ExitClean, true, false
			}

		case <-heartbeat:
			r.sendHeartbeat()
		}
	}
}

// drainMessages relays everything still queued on the closed transport's
// message channel. A received message is never dropped, even when the close
// raced ahead of it.
func (r *Runner) drainMessages() (code int, fatal bool) {
	for {
		select {
		case msg := <-r.tr.Messages():
			if r.handleMessage(msg) == actionFatal {
				r.logger.Error("Fatal configuration error reported by server", nil,
					loggerv2.String("server", r.qualifiedName))
				return ExitFatal, true
			}
		default:
			return 0, false
		}
	}
}

// handleDisconnect applies the retry policy after a non-Ready transport.
// stdin chunks arriving mid-backoff are retained unparsed, preserving order.
func (r *Runner) handleDisconnect(ctx context.Context, stdinCh chan stdinEvent) (code int, terminal bool) {
	r.tr = nil

	if r.clientClose {
		return ExitClean, true
	}
	if r.retryCount >= r.cfg.MaxRetries {
		r.logger.Error("Connection retries exhausted", nil,
			loggerv2.String("server", r.qualifiedName),
			loggerv2.Int("max_retries", r.cfg.MaxRetries))
		return ExitFatal, true
	}

	delay := r.cfg.RetryDelay*time.Duration(1<<r.retryCount) +
		time.Duration(rand.Int63n(1000))*time.Millisecond
	r.retryCount++
	r.setState(StateReconnecting)
	r.logger.Info("Reconnecting to tool server",
		loggerv2.String("server", r.qualifiedName),
		loggerv2.Int("attempt", r.retryCount),
		loggerv2.Int("max_retries", r.cfg.MaxRetries),
		loggerv2.String("delay", delay.String()))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return 0, false
		case ev := <-stdinCh:
			if ev.eof {
				r.logger.Info("Client closed stdin during reconnect, shutting down")
				r.clientClose = true
				return ExitClean, true
			}
			r.stdinBuf = append(r.stdinBuf, ev.data...)
		case <-ctx.Done():
			r.logger.Info("Shutdown signal received during reconnect")
			r.clientClose = true
			return ExitClean, true
		}
	}
}

// readStdin pumps raw stdin chunks to the run loop.
func (r *Runner) readStdin(ch chan<- stdinEvent) {
	buf := make([]byte, 4096)
	for {
		n, err := r.stdin.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			ch <- stdinEvent{data: data}
		}
		if err != nil {
			ch <- stdinEvent{eof: true}
			return
		}
	}
}

// flushStdinBuffer parses complete lines out of the stdin buffer and sends
// them in arrival order. The trailing partial fragment stays buffered. Only
// called while Ready; otherwise bytes accumulate untouched.
func (r *Runner) flushStdinBuffer(ctx context.Context) {
	if r.state != StateReady || r.tr == nil {
		return
	}

	for {
		idx := bytes.IndexByte(r.stdinBuf, '\n')
		if idx < 0 {
			return
		}
		line := bytes.TrimSpace(r.stdinBuf[:idx])
		r.stdinBuf = r.stdinBuf[idx+1:]
		if len(line) == 0 {
			continue
		}

		var env rpcEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			// One bad line never aborts the stream.
			r.logger.Warn("Skipping malformed JSON-RPC line",
				loggerv2.Error(err),
				loggerv2.Int("length", len(line)))
			continue
		}

		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		if err := r.sendMessage(ctx, msg); err != nil {
			if transport.IsTransient(err) {
				// Put the line back, framing intact, so the next flush or
				// reconnect retries it instead of dropping it.
				r.logger.Warn("Transient error sending message, keeping it queued",
					loggerv2.Error(err))
				requeued := make([]byte, 0, len(msg)+1+len(r.stdinBuf))
				requeued = append(requeued, msg...)
				requeued = append(requeued, '\n')
				r.stdinBuf = append(requeued, r.stdinBuf...)
				return
			}
			r.logger.Error("Failed to send message", err)
			continue
		}
		r.touch()

		if env.Method == "tools/call" && r.tracker != nil {
			r.tracker.TrackToolCall(r.qualifiedName, toolNameFromParams(env.Params))
		}
	}
}

func (r *Runner) sendMessage(ctx context.Context, msg json.RawMessage) error {
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return r.tr.Send(sctx, msg)
}

// handleMessage relays one inbound message to stdout verbatim and decides
// the follow-up action. A message that made it here is never dropped.
func (r *Runner) handleMessage(msg json.RawMessage) messageAction {
	if _, err := fmt.Fprintf(r.stdout, "%s\n", msg); err != nil {
		r.logger.Error("Failed to write message to stdout", err)
	}
	r.touch()

	env, action := classifyMessage(msg)
	if action == actionForward {
		r.logger.Warn("Server reported protocol error",
			loggerv2.Int("code", env.Error.Code),
			loggerv2.String("message", env.Error.Message))
		return actionNone
	}
	return action
}

// sendHeartbeat pings off the run loop. Heartbeats never touch the idle
// clock.
func (r *Runner) sendHeartbeat() {
	pinger, ok := r.tr.(transport.Pinger)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil && err != transport.ErrNotConnected {
			r.logger.Debug("Heartbeat ping failed", loggerv2.Error(err))
		}
	}()
}

// cleanup tears the session down exactly once, regardless of how many
// triggers race into it. Each step runs under its own timeout so a hung
// remote cannot block process exit.
func (r *Runner) cleanup() {
	r.cleanupOnce.Do(func() {
		r.setState(StateClosing)
		tr := r.tr
		if tr == nil {
			return
		}

		if st, ok := tr.(transport.SessionTerminator); ok {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CleanupTimeout)
			if err := st.TerminateSession(ctx); err != nil {
				r.logger.Warn("Failed to terminate remote session", loggerv2.Error(err))
			}
			cancel()
		}

		closed := make(chan error, 1)
		go func() { closed <- tr.Close() }()
		select {
		case err := <-closed:
			if err != nil {
				r.logger.Warn("Transport close failed", loggerv2.Error(err))
			}
		case <-time.After(r.cfg.CleanupTimeout):
			r.logger.Warn("Transport close timed out")
		}
	})
}

func (r *Runner) setState(s State) {
	if r.state == s {
		return
	}
	r.logger.Debug("Runner state change",
		loggerv2.String("from", r.state.String()),
		loggerv2.String("to", s.String()))
	r.state = s
}

// touch records genuine traffic for the idle clock.
func (r *Runner) touch() {
	r.lastActivity = time.Now()
}

// toolNameFromParams pulls the tool name out of tools/call params for usage
// events.
func toolNameFromParams(params json.RawMessage) string {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.Name
}
