package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggerv2 "mcprun/logger/v2"
	"mcprun/transport"
)

// fakeConn is a scriptable transport for driving the runner.
type fakeConn struct {
	mu     sync.Mutex
	sent   []string
	closeN int
	pings  int

	startErr  error
	startGate chan struct{}
	sendErr   error

	messages chan json.RawMessage
	errs     chan error
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		messages: make(chan json.RawMessage, 16),
		errs:     make(chan error, 4),
		done:     make(chan struct{}),
	}
}

func (f *fakeConn) Start(ctx context.Context) error {
	if f.startGate != nil {
		select {
		case <-f.startGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.startErr
}

func (f *fakeConn) Send(ctx context.Context, msg json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, string(msg))
	return nil
}

func (f *fakeConn) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeConn) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closeN++
	f.mu.Unlock()
	f.doneOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) Messages() <-chan json.RawMessage { return f.messages }
func (f *fakeConn) Errors() <-chan error             { return f.errs }
func (f *fakeConn) Done() <-chan struct{}            { return f.done }

func (f *fakeConn) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeN
}

// fakeFactory hands out one scripted connection per connect attempt.
type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	build func(attempt int) *fakeConn
}

func (f *fakeFactory) factory(transport.ConnectionOption, loggerv2.Logger) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.build(len(f.conns))
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

// syncBuffer is a goroutine-safe stdout sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() Config {
	return Config{
		MaxRetries:        3,
		RetryDelay:        time.Millisecond,
		HandshakeTimeout:  5 * time.Second,
		IdleCheckInterval: time.Minute,
		HeartbeatInterval: 0,
		CleanupTimeout:    time.Second,
	}
}

func testOption() transport.ConnectionOption {
	return transport.Stdio("unused", nil, nil)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

// startRunner runs r.Run on its own goroutine and returns the exit code
// channel.
func startRunner(ctx context.Context, r *Runner) <-chan int {
	codeCh := make(chan int, 1)
	go func() { codeCh <- r.Run(ctx) }()
	return codeCh
}

func waitExit(t *testing.T, codeCh <-chan int) int {
	t.Helper()
	select {
	case code := <-codeCh:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not exit")
		return -1
	}
}

func TestRunnerBuffersStdinUntilReady(t *testing.T) {
	gate := make(chan struct{})
	ff := &fakeFactory{build: func(int) *fakeConn {
		c := newFakeConn()
		c.startGate = gate
		return c
	}}

	pr, pw := io.Pipe()
	var out syncBuffer
	r := New("acme/echo", testOption(), testConfig(), loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))
	codeCh := startRunner(context.Background(), r)

	_, err := pw.Write([]byte("{\"id\":1}\n{\"id\":2}\n"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, ff.conn(0).closeCount())
	assert.Empty(t, ff.conn(0).sentLines(), "nothing may be sent before the handshake completes")

	close(gate)
	waitFor(t, func() bool { return len(ff.conn(0).sentLines()) == 2 }, "buffered lines flushed")
	sent := ff.conn(0).sentLines()
	assert.JSONEq(t, `{"id":1}`, sent[0])
	assert.JSONEq(t, `{"id":2}`, sent[1])

	pw.Close()
	assert.Equal(t, ExitClean, waitExit(t, codeCh))
}

func TestRunnerRetainsPartialLine(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeConn { return newFakeConn() }}

	pr, pw := io.Pipe()
	var out syncBuffer
	r := New("acme/echo", testOption(), testConfig(), loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))
	codeCh := startRunner(context.Background(), r)

	_, err := pw.Write([]byte(`{"id`))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ff.conn(0).sentLines(), "a partial line must stay buffered")

	_, err = pw.Write([]byte("\":1}\n"))
	require.NoError(t, err)
	waitFor(t, func() bool { return len(ff.conn(0).sentLines()) == 1 }, "completed line sent")
	assert.JSONEq(t, `{"id":1}`, ff.conn(0).sentLines()[0])

	pw.Close()
	assert.Equal(t, ExitClean, waitExit(t, codeCh))
}

func TestRunnerSkipsMalformedLines(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeConn { return newFakeConn() }}

	pr, pw := io.Pipe()
	var out syncBuffer
	r := New("acme/echo", testOption(), testConfig(), loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))
	codeCh := startRunner(context.Background(), r)

	_, err := pw.Write([]byte("this is not json\n{\"id\":2}\n"))
	require.NoError(t, err)

	waitFor(t, func() bool { return len(ff.conn(0).sentLines()) == 1 }, "valid line sent")
	assert.JSONEq(t, `{"id":2}`, ff.conn(0).sentLines()[0])

	pw.Close()
	assert.Equal(t, ExitClean, waitExit(t, codeCh))
}

func TestRunnerRelaysInboundVerbatim(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeConn { return newFakeConn() }}

	pr, pw := io.Pipe()
	var out syncBuffer
	r := New("acme/echo", testOption(), testConfig(), loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))
	codeCh := startRunner(context.Background(), r)

	waitFor(t, func() bool { return ff.count() == 1 }, "connected")
	raw := `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`
	ff.conn(0).messages <- json.RawMessage(raw)

	waitFor(t, func() bool { return strings.Contains(out.String(), raw) }, "relay to stdout")
	assert.Equal(t, raw+"\n", out.String())

	pw.Close()
	assert.Equal(t, ExitClean, waitExit(t, codeCh))
}

func TestRunnerFatalConfigurationError(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeConn { return newFakeConn() }}

	pr, pw := io.Pipe()
	defer pw.Close()
	var out syncBuffer
	r := New("acme/echo", testOption(), testConfig(), loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))
	codeCh := startRunner(context.Background(), r)

	waitFor(t, func() bool { return ff.count() == 1 }, "connected")
	raw := `{"jsonrpc":"2.0","id":1,"error":{"code":-32603,"message":"Missing configuration: apiKey"}}`
	ff.conn(0).messages <- json.RawMessage(raw)

	assert.Equal(t, ExitFatal, waitExit(t, codeCh))
	assert.Equal(t, 1, ff.count(), "a configuration error must not trigger a reconnect")
	assert.Contains(t, out.String(), raw, "the error is still relayed to the client")
	assert.GreaterOrEqual(t, ff.conn(0).closeCount(), 1)
}

func TestRunnerReconnectsOnTransportDone(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeConn { return newFakeConn() }}

	pr, pw := io.Pipe()
	var out syncBuffer
	r := New("acme/echo", testOption(), testConfig(), loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))
	codeCh := startRunner(context.Background(), r)

	waitFor(t, func() bool { return ff.count() == 1 }, "first connect")
	ff.conn(0).Close()

	waitFor(t, func() bool { return ff.count() == 2 }, "reconnect builds a new transport")

	// Traffic flows through the replacement connection.
	_, err := pw.Write([]byte("{\"id\":3}\n"))
	require.NoError(t, err)
	waitFor(t, func() bool { return len(ff.conn(1).sentLines()) == 1 }, "send via new transport")

	pw.Close()
	assert.Equal(t, ExitClean, waitExit(t, codeCh))
}

func TestRunnerRelaysQueuedMessagesAfterClose(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":9,"result":{"ok":true}}`
	ff := &fakeFactory{build: func(attempt int) *fakeConn {
		c := newFakeConn()
		if attempt == 0 {
			// The response and the close arrive together; the response
			// must still reach the client.
			c.messages <- json.RawMessage(raw)
			c.doneOnce.Do(func() { close(c.done) })
		}
		return c
	}}

	pr, pw := io.Pipe()
	var out syncBuffer
	r := New("acme/echo", testOption(), testConfig(), loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))
	codeCh := startRunner(context.Background(), r)

	waitFor(t, func() bool { return ff.count() == 2 }, "reconnect after close")
	assert.Contains(t, out.String(), raw, "a queued message must be relayed before reconnecting")

	pw.Close()
	assert.Equal(t, ExitClean, waitExit(t, codeCh))
}

func TestRunnerRequeuesLineOnTransientSendError(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeConn {
		c := newFakeConn()
		c.sendErr = &transport.TransientError{Status: 502, Body: "bad gateway"}
		return c
	}}

	pr, pw := io.Pipe()
	var out syncBuffer
	r := New("acme/echo", testOption(), testConfig(), loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))
	codeCh := startRunner(context.Background(), r)

	waitFor(t, func() bool { return ff.count() == 1 }, "connected")
	_, err := pw.Write([]byte("{\"id\":1}\n"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ff.conn(0).sentLines(), "a transiently failed line must not be dropped")

	ff.conn(0).setSendErr(nil)
	_, err = pw.Write([]byte("{\"id\":2}\n"))
	require.NoError(t, err)

	waitFor(t, func() bool { return len(ff.conn(0).sentLines()) == 2 }, "retried in order")
	sent := ff.conn(0).sentLines()
	assert.JSONEq(t, `{"id":1}`, sent[0])
	assert.JSONEq(t, `{"id":2}`, sent[1])

	pw.Close()
	assert.Equal(t, ExitClean, waitExit(t, codeCh))
}

func TestRunnerConnectionClosedErrorReconnects(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeConn { return newFakeConn() }}

	pr, pw := io.Pipe()
	var out syncBuffer
	r := New("acme/echo", testOption(), testConfig(), loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))
	codeCh := startRunner(context.Background(), r)

	waitFor(t, func() bool { return ff.count() == 1 }, "first connect")
	raw := `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"Connection closed"}}`
	ff.conn(0).messages <- json.RawMessage(raw)

	waitFor(t, func() bool { return ff.count() == 2 }, "proactive reconnect")
	assert.GreaterOrEqual(t, ff.conn(0).closeCount(), 1, "the old transport is torn down")
	assert.Contains(t, out.String(), raw, "the error is relayed before reconnecting")

	pw.Close()
	assert.Equal(t, ExitClean, waitExit(t, codeCh))
}

func TestRunnerRetriesExhaustedIsFatal(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeConn {
		c := newFakeConn()
		c.startErr = io.ErrUnexpectedEOF
		return c
	}}

	pr, pw := io.Pipe()
	defer pw.Close()
	var out syncBuffer
	cfg := testConfig()
	cfg.MaxRetries = 1
	r := New("acme/echo", testOption(), cfg, loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))
	codeCh := startRunner(context.Background(), r)

	assert.Equal(t, ExitFatal, waitExit(t, codeCh))
	assert.Equal(t, 2, ff.count(), "initial attempt plus one retry")
}

func TestRunnerContextCancelExitsClean(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeConn { return newFakeConn() }}

	pr, pw := io.Pipe()
	defer pw.Close()
	var out syncBuffer
	r := New("acme/echo", testOption(), testConfig(), loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))

	ctx, cancel := context.WithCancel(context.Background())
	codeCh := startRunner(ctx, r)
	waitFor(t, func() bool { return ff.count() == 1 }, "connected")

	cancel()
	assert.Equal(t, ExitClean, waitExit(t, codeCh))
	assert.GreaterOrEqual(t, ff.conn(0).closeCount(), 1)
}

func TestRunnerIdleShutdownDespiteHeartbeats(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeConn { return newFakeConn() }}

	pr, pw := io.Pipe()
	defer pw.Close()
	var out syncBuffer
	cfg := testConfig()
	cfg.IdleTimeout = 150 * time.Millisecond
	cfg.IdleCheckInterval = 25 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	r := New("acme/echo", testOption(), cfg, loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory))
	codeCh := startRunner(context.Background(), r)

	// No client traffic at all. Heartbeats keep the connection alive but
	// must not count as activity, so the idle shutdown still fires.
	assert.Equal(t, ExitClean, waitExit(t, codeCh))
	assert.Equal(t, 1, ff.count(), "idle shutdown must not reconnect")
	assert.GreaterOrEqual(t, ff.conn(0).pingCount(), 1, "heartbeats were being sent while idle")
	assert.GreaterOrEqual(t, ff.conn(0).closeCount(), 1)
}

type recordingTracker struct {
	mu    sync.Mutex
	calls [][2]string
}

func (rt *recordingTracker) TrackToolCall(server, tool string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.calls = append(rt.calls, [2]string{server, tool})
}

func (rt *recordingTracker) count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.calls)
}

func TestRunnerTracksToolCalls(t *testing.T) {
	ff := &fakeFactory{build: func(int) *fakeConn { return newFakeConn() }}
	tracker := &recordingTracker{}

	pr, pw := io.Pipe()
	var out syncBuffer
	r := New("acme/search", testOption(), testConfig(), loggerv2.NewNoop(),
		WithStreams(pr, &out), WithTransportFactory(ff.factory),
		WithUsageTracker(tracker))
	codeCh := startRunner(context.Background(), r)

	_, err := pw.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}` + "\n"))
	require.NoError(t, err)
	_, err = pw.Write([]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n"))
	require.NoError(t, err)

	waitFor(t, func() bool { return tracker.count() == 1 }, "tool call tracked")
	tracker.mu.Lock()
	assert.Equal(t, [2]string{"acme/search", "search"}, tracker.calls[0])
	tracker.mu.Unlock()

	pw.Close()
	assert.Equal(t, ExitClean, waitExit(t, codeCh))
}

func TestCleanupRunsOnce(t *testing.T) {
	conn := newFakeConn()
	r := New("acme/echo", testOption(), testConfig(), loggerv2.NewNoop())
	r.tr = conn

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.cleanup()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, conn.closeCount(), "cleanup must tear down exactly once")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "unknown", State(99).String())
}
