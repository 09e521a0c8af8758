package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	loggerv2 "mcprun/logger/v2"
)

const (
	// stdoutScanBuffer is the initial scanner buffer for child stdout lines.
	stdoutScanBuffer = 64 * 1024
	// stdoutMaxLine bounds a single JSON-RPC line from the child.
	stdoutMaxLine = 10 * 1024 * 1024

	// stdioKillGrace is how long Close waits for the child to exit on its
	// own (after stdin closes) before killing it.
	stdioKillGrace = 5 * time.Second
)

// StdioTransport runs a tool server as a child process and speaks
// newline-delimited JSON-RPC over its stdin/stdout. The child's stderr is
// copied to Stderr (the running process's own stderr by default) so
// diagnostics never mix into the JSON-RPC channel.
type StdioTransport struct {
	command string
	args    []string
	env     map[string]string
	logger  loggerv2.Logger

	// Stderr receives the child's stderr stream. Set before Start.
	Stderr io.Writer

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool

	messages chan json.RawMessage
	errs     chan error
	done     chan struct{}
	doneOnce sync.Once
	exitErr  error
}

// NewStdioTransport creates a transport that will spawn command with args.
// env entries override the inherited process environment.
func NewStdioTransport(command string, args []string, env map[string]string, logger loggerv2.Logger) *StdioTransport {
	return &StdioTransport{
		command:  command,
		args:     args,
		env:      env,
		logger:   logger,
		Stderr:   os.Stderr,
		messages: make(chan json.RawMessage, 32),
		errs:     make(chan error, 8),
		done:     make(chan struct{}),
	}
}

// Start spawns the child process and begins pumping its stdout.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.cmd != nil {
		return fmt.Errorf("stdio transport already started")
	}

	cmd := exec.Command(t.command, t.args...) //nolint:gosec // G204: command comes from the resolved connection option
	cmd.Env = mergeEnv(os.Environ(), t.env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin

	t.logger.Debug("Spawned tool server process",
		loggerv2.String("command", t.command),
		loggerv2.Any("args", t.args),
		loggerv2.Int("pid", cmd.Process.Pid))

	go t.readStdout(stdout)
	go t.copyStderr(stderr)
	go t.wait()

	return nil
}

// Send writes one JSON-RPC message followed by a newline to the child's stdin.
func (t *StdioTransport) Send(ctx context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.stdin == nil {
		return ErrNotConnected
	}

	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("failed to write to child stdin: %w", err)
	}
	return nil
}

// Close shuts the child down: stdin is closed first so a well-behaved server
// exits on its own, then the process is killed after a grace period.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		t.finish(nil)
		return nil
	}

	select {
	case <-t.done:
	case <-time.After(stdioKillGrace):
		t.logger.Warn("Child process did not exit after stdin close, killing",
			loggerv2.String("command", t.command))
		_ = cmd.Process.Kill()
		<-t.done
	}
	return nil
}

func (t *StdioTransport) Messages() <-chan json.RawMessage { return t.messages }
func (t *StdioTransport) Errors() <-chan error             { return t.errs }
func (t *StdioTransport) Done() <-chan struct{}            { return t.done }

// ExitErr returns the child's exit error after Done is closed, if any.
func (t *StdioTransport) ExitErr() error {
	select {
	case <-t.done:
		return t.exitErr
	default:
		return nil
	}
}

func (t *StdioTransport) readStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, stdoutScanBuffer), stdoutMaxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		select {
		case t.messages <- msg:
		case <-t.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case t.errs <- fmt.Errorf("error reading child stdout: %w", err):
		default:
		}
	}
}

func (t *StdioTransport) copyStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, stdoutScanBuffer), stdoutMaxLine)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if t.Stderr != nil {
			fmt.Fprintln(t.Stderr, line)
		}
	}
}

func (t *StdioTransport) wait() {
	err := t.cmd.Wait()

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if err != nil && !closed {
		t.logger.Warn("Child process exited",
			loggerv2.String("command", t.command),
			loggerv2.Error(err))
	}
	t.finish(err)
}

func (t *StdioTransport) finish(err error) {
	t.doneOnce.Do(func() {
		t.exitErr = err
		close(t.done)
	})
}

// mergeEnv overlays overrides onto a base environment in KEY=VALUE form.
func mergeEnv(base []string, overrides map[string]string) []string {
	envMap := make(map[string]string, len(base)+len(overrides))
	for _, e := range base {
		if idx := strings.IndexByte(e, '='); idx > 0 {
			envMap[e[:idx]] = e[idx+1:]
		}
	}
	for key, value := range overrides {
		envMap[key] = value
	}

	env := make([]string, 0, len(envMap))
	for key, value := range envMap {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}
