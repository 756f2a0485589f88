package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors for the connection layer. Callers classify failures with
// errors.Is; the orchestrator converts most of these into synthetic tool
// results so the reasoning loop keeps moving.
var (
	// ErrConnectionUnavailable means no Ready connection owns the requested
	// tool. Calls are rejected up front with this, before anything is sent.
	ErrConnectionUnavailable = errors.New("tool server unavailable")

	// ErrCallTimeout means the per-call deadline elapsed before a matching
	// response arrived. The pending entry is removed; a late response for
	// that ID is discarded.
	ErrCallTimeout = errors.New("tool call timed out")

	// ErrProcessExit means the server process died while requests were in
	// flight. Every pending request on the connection fails with this.
	ErrProcessExit = errors.New("tool server process exited")
)

// ToolError is a structured failure reported by a tool server in a JSON-RPC
// error response.
type ToolError struct {
	Server  string
	Tool    string
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool %s on %s failed: %s (code %d)", e.Tool, e.Server, e.Message, e.Code)
	}
	return fmt.Sprintf("server %s error: %s (code %d)", e.Server, e.Message, e.Code)
}
