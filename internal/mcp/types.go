// Package mcp manages connections to MCP-style tool servers: long-lived helper
// subprocesses speaking newline-delimited JSON-RPC over stdio. It owns the
// initialize handshake, the shared tool schema registry, correlated tool calls
// with per-call deadlines, and process teardown.
package mcp

import (
	"encoding/json"
	"time"
)

// ConnState represents the lifecycle state of a server connection.
type ConnState string

const (
	StatePending      ConnState = "pending"      // Configured, process not started
	StateInitializing ConnState = "initializing" // Handshake in flight
	StateReady        ConnState = "ready"        // Tools discovered, accepting calls
	StateFailed       ConnState = "failed"       // Handshake failed or process died
	StateClosed       ConnState = "closed"       // Shut down on purpose
)

// ServerSpec describes how to spawn and initialize one tool server.
type ServerSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// ReadyMarker is a substring watched for on the server's stderr. Servers
	// that set it defer tool discovery until the marker line has been seen
	// (some servers accept the handshake before their tool index is built).
	ReadyMarker string `json:"ready_marker,omitempty"`

	// InitTimeout bounds the whole handshake for this server.
	InitTimeout time.Duration `json:"init_timeout,omitempty"`
}

// ToolSchema is one tool advertised by a server.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`

	// Required lists the required parameter names, pulled out of InputSchema
	// for convenience. Not part of the wire format.
	Required []string `json:"-"`
}

// CallResult is the outcome of a successful tool call.
type CallResult struct {
	// Payload is the primary text extracted from the server's result.
	Payload string `json:"payload"`
	// Raw is the untouched result object.
	Raw json.RawMessage `json:"raw,omitempty"`
	// PayloadSource records which extraction rung produced Payload.
	PayloadSource PayloadSource `json:"payload_source"`

	LatencyMs int64 `json:"latency_ms"`
}

// PayloadSource identifies the rung of the result extraction chain that
// produced the payload. Servers do not share one canonical success shape, so
// anything below SourceResultField is worth noticing in logs.
type PayloadSource string

const (
	SourceResultField PayloadSource = "result_field" // result.result string
	SourceContentText PayloadSource = "content_text" // result.content[0].text
	SourceRawResult   PayloadSource = "raw_result"   // whole result serialized
	SourceBuiltin     PayloadSource = "builtin"      // in-process tool, no wire hop
)

// BuiltinOwner is the registry owner name reserved for in-process tools.
const BuiltinOwner = "builtin"

// ServerInfo is a snapshot of one connection for status listings.
type ServerInfo struct {
	Name      string    `json:"name"`
	State     ConnState `json:"state"`
	ToolCount int       `json:"tool_count"`
	PID       int       `json:"pid,omitempty"`
}

// rpcRequest is a JSON-RPC 2.0 request line.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcNotification is a request without an ID; no response is expected.
type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// rpcResponse is any message read off a server's stdout. Method is set on
// server-initiated traffic, which this client logs and skips.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is the error member of a JSON-RPC response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// initializeResult is the payload of a successful initialize response.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// toolListResult is the payload of a tools/list response.
type toolListResult struct {
	Tools []ToolSchema `json:"tools"`
}

// protocolVersion is the MCP revision this client speaks.
const protocolVersion = "2024-11-05"

// requiredParams extracts the top-level "required" list from a JSON-schema
// parameter definition. A malformed schema yields nil.
func requiredParams(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var probe struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &probe); err != nil {
		return nil
	}
	return probe.Required
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
