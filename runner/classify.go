package runner

import (
	"encoding/json"
	"strings"
)

// JSON-RPC error codes the runner reacts to.
const (
	codeConnectionClosed = -32000
	codeParseError       = -32700
	codeInvalidRequest   = -32600
	codeMethodNotFound   = -32601
	codeInvalidParams    = -32602
	codeInternalError    = -32603
)

// messageAction is what the runner does after relaying a message.
type messageAction int

const (
	// actionNone: plain traffic, nothing beyond the relay.
	actionNone messageAction = iota
	// actionForward: an in-band protocol error; logged, already relayed.
	actionForward
	// actionReconnect: the remote reported its connection closed; tear the
	// transport down proactively and go through the reconnection path.
	actionReconnect
	// actionFatal: a configuration error the client must fix; exit 1.
	actionFatal
)

// rpcEnvelope is the minimal JSON-RPC 2.0 shape the runner inspects. The
// payload itself is relayed verbatim; this is only a read-side view.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// classifyMessage inspects an inbound message and decides the follow-up
// action. Connection-closed errors trigger an active reconnect rather than
// waiting for the transport to notice; standard protocol errors are
// forwarded untouched; configuration errors are fatal.
func classifyMessage(raw json.RawMessage) (rpcEnvelope, messageAction) {
	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error == nil {
		return env, actionNone
	}

	if isConfigurationError(env.Error.Message) {
		return env, actionFatal
	}

	switch env.Error.Code {
	case codeConnectionClosed:
		return env, actionReconnect
	case codeParseError, codeInvalidRequest, codeMethodNotFound,
		codeInvalidParams, codeInternalError:
		return env, actionForward
	default:
		return env, actionForward
	}
}

// isConfigurationError matches the domain's fatal configuration messages.
func isConfigurationError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "missing configuration") ||
		strings.Contains(lower, "invalid configuration")
}
