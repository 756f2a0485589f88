package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"toolhub/internal/logging"
)

// maxLineBytes bounds a single protocol line. Tool results can be large; a
// search server returning a whole file blows the default 64K scanner limit.
const maxLineBytes = 10 * 1024 * 1024

// ServerConnection is one live tool-server connection. It owns the server
// process exclusively, reassembles newline-delimited JSON-RPC responses from
// the process stdout, and correlates them to in-flight requests by ID.
//
// Lifecycle: Pending -> Initializing -> Ready | Failed -> Closed. Tool calls
// are only accepted while Ready. A connection that loses its transport while
// requests are pending fails all of them rather than leak waiters.
type ServerConnection struct {
	mu sync.Mutex

	name string
	spec ServerSpec

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	state   ConnState
	onState func(name string, state ConnState)

	pending map[int64]chan *rpcResponse
	nextID  int64

	tools      []ToolSchema
	serverName string
	serverVer  string

	ready     chan struct{} // closed when the stderr ready marker is seen
	readyOnce sync.Once

	lost     chan struct{} // closed when the transport dies underneath us
	lostOnce sync.Once
	lostErr  error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Spawn starts the server process and wires a connection around its pipes.
// onState, if non-nil, is invoked on every lifecycle transition.
func Spawn(name string, spec ServerSpec, onState func(string, ConnState)) (*ServerConnection, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("server %s: empty command", name)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("server %s: stdin pipe: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("server %s: stdout pipe: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("server %s: stderr pipe: %w", name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("server %s: start %s: %w", name, spec.Command, err)
	}

	c := newConnection(name, spec, stdin, stdout, stderr, onState)
	c.cmd = cmd

	// Reap the process once both pipe readers have drained. Process death is
	// detected through stdout EOF, not through Wait.
	go func() {
		c.wg.Wait()
		_ = cmd.Wait()
	}()

	logging.Pool("%s: spawned %s (pid %d)", name, spec.Command, cmd.Process.Pid)
	return c, nil
}

// newConnection wires a connection around explicit transport endpoints.
// Spawn builds them from a subprocess; tests drive them with in-memory pipes.
func newConnection(name string, spec ServerSpec, stdin io.WriteCloser, stdout, stderr io.ReadCloser, onState func(string, ConnState)) *ServerConnection {
	c := &ServerConnection{
		name:    name,
		spec:    spec,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		state:   StatePending,
		onState: onState,
		pending: make(map[int64]chan *rpcResponse),
		nextID:  1,
		ready:   make(chan struct{}),
		lost:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readOutput()
	go c.readErrors()

	return c
}

// Name returns the connection's logical server name.
func (c *ServerConnection) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *ServerConnection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tools returns the schemas discovered during the handshake.
func (c *ServerConnection) Tools() []ToolSchema {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolSchema, len(c.tools))
	copy(out, c.tools)
	return out
}

// Info returns a status snapshot for listings.
func (c *ServerConnection) Info() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ServerInfo{
		Name:      c.name,
		State:     c.state,
		ToolCount: len(c.tools),
	}
	if c.cmd != nil && c.cmd.Process != nil {
		info.PID = c.cmd.Process.Pid
	}
	return info
}

func (c *ServerConnection) setState(s ConnState) {
	c.mu.Lock()
	if c.state == StateClosed && s != StateClosed {
		// Closed is terminal
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.onState
	c.mu.Unlock()

	if cb != nil {
		cb(c.name, s)
	}
}

// Initialize runs the handshake: initialize, the initialized notification,
// then tools/list. Servers with a ReadyMarker defer tools/list until the
// marker has been seen on stderr and the initialize response has arrived,
// whichever is later. The handshake consumes request IDs 1 and 2; tool calls
// start at 3.
func (c *ServerConnection) Initialize(ctx context.Context) error {
	c.setState(StateInitializing)

	if err := c.initialize(ctx); err != nil {
		c.setState(StateFailed)
		return err
	}

	if c.spec.ReadyMarker != "" {
		logging.PoolDebug("%s: waiting for ready marker %q", c.name, c.spec.ReadyMarker)
		select {
		case <-c.ready:
		case <-c.lost:
			c.setState(StateFailed)
			return c.terminalErr()
		case <-ctx.Done():
			c.setState(StateFailed)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%s: ready marker: %w", c.name, ErrCallTimeout)
			}
			return ctx.Err()
		}
	}

	tools, err := c.listTools(ctx)
	if err != nil {
		c.setState(StateFailed)
		return err
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()

	c.setState(StateReady)
	logging.Pool("%s: ready with %d tools", c.name, len(tools))
	return nil
}

func (c *ServerConnection) initialize(ctx context.Context) error {
	resp, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"clientInfo": map[string]string{
			"name":    "toolhub",
			"version": "0.3.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}
	if resp.Error != nil {
		return &ToolError{Server: c.name, Code: resp.Error.Code, Message: resp.Error.Message}
	}

	var info initializeResult
	if err := json.Unmarshal(resp.Result, &info); err == nil && info.ServerInfo.Name != "" {
		c.mu.Lock()
		c.serverName = info.ServerInfo.Name
		c.serverVer = info.ServerInfo.Version
		c.mu.Unlock()
		logging.PoolDebug("%s: server %s %s", c.name, info.ServerInfo.Name, info.ServerInfo.Version)
	}

	// The protocol requires the initialized notification before any further
	// request. No response is expected.
	return c.notify("notifications/initialized", map[string]interface{}{})
}

func (c *ServerConnection) listTools(ctx context.Context) ([]ToolSchema, error) {
	resp, err := c.call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", c.name, err)
	}
	if resp.Error != nil {
		return nil, &ToolError{Server: c.name, Code: resp.Error.Code, Message: resp.Error.Message}
	}

	var result toolListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list from %s: %w", c.name, err)
	}
	for i := range result.Tools {
		result.Tools[i].Required = requiredParams(result.Tools[i].InputSchema)
	}
	return result.Tools, nil
}

// CallTool invokes one tool on this connection. The connection must be Ready.
func (c *ServerConnection) CallTool(ctx context.Context, tool string, args map[string]interface{}) (*CallResult, error) {
	if st := c.State(); st != StateReady {
		return nil, fmt.Errorf("%s is %s: %w", c.name, st, ErrConnectionUnavailable)
	}

	start := time.Now()
	resp, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      tool,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &ToolError{Server: c.name, Tool: tool, Code: resp.Error.Code, Message: resp.Error.Message}
	}

	payload, source := extractPayload(resp.Result)
	if source == SourceRawResult {
		// Servers do not share one canonical success shape; note when we had
		// to fall back to serializing the whole result.
		logging.ProtocolWarn("%s/%s: unrecognized result shape, using raw result", c.name, tool)
	}

	return &CallResult{
		Payload:       payload,
		Raw:           resp.Result,
		PayloadSource: source,
		LatencyMs:     time.Since(start).Milliseconds(),
	}, nil
}

// call sends one request line and waits for the correlated response, the
// context deadline, or transport loss, whichever happens first. Exactly one
// of those outcomes resolves the call; the pending entry is always removed.
func (c *ServerConnection) call(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", c.name, ErrConnectionUnavailable)
	default:
	}

	id := c.nextID
	c.nextID++

	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: write: %v: %w", c.name, err, ErrConnectionUnavailable)
	}
	c.mu.Unlock()

	logging.ProtocolDebug("%s -> %s (id %d)", c.name, method, id)

	select {
	case resp := <-ch:
		if resp == nil {
			// Channel closed by transport loss or shutdown
			return nil, c.terminalErr()
		}
		logging.ProtocolDebug("%s <- response (id %d)", c.name, id)
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %s (id %d): %w", c.name, method, id, ErrCallTimeout)
		}
		return nil, ctx.Err()
	}
}

// notify writes a notification line. No ID is allocated, no response awaited.
func (c *ServerConnection) notify(method string, params interface{}) error {
	n := rpcNotification{JSONRPC: "2.0", Method: method, Params: params}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%s: write: %v: %w", c.name, err, ErrConnectionUnavailable)
	}
	return nil
}

// readOutput is the response listener. Only complete newline-terminated
// lines are parsed; bufio retains the trailing partial line across reads, so
// messages split over arbitrary chunk boundaries reassemble correctly. Lines
// that are not JSON are dropped as non-protocol chatter.
func (c *ServerConnection) readOutput() {
	defer c.wg.Done()

	log := logging.Get(logging.CategoryProtocol)
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg rpcResponse
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Debug("%s: dropping non-JSON line: %s", c.name, truncate(string(line), 120))
			continue
		}

		if msg.Method != "" {
			// Server-initiated notification or request; nothing to correlate.
			log.Debug("%s: ignoring server message %q", c.name, msg.Method)
			continue
		}
		if msg.ID == nil {
			log.Debug("%s: dropping response without id", c.name)
			continue
		}

		c.mu.Lock()
		ch, exists := c.pending[*msg.ID]
		if exists {
			delete(c.pending, *msg.ID)
			ch <- &msg
		}
		c.mu.Unlock()

		if !exists {
			// Late arrival after a timeout, or a server bug. Either way the
			// waiter is gone and the response is discarded.
			log.Debug("%s: discarding response for unknown id %d", c.name, *msg.ID)
		}
	}

	if err := scanner.Err(); err != nil {
		c.transportLost(fmt.Errorf("%s: read: %v: %w", c.name, err, ErrProcessExit))
	} else {
		c.transportLost(fmt.Errorf("%s: stdout closed: %w", c.name, ErrProcessExit))
	}
}

// readErrors drains stderr into the pool log and watches for the configured
// ready marker.
func (c *ServerConnection) readErrors() {
	defer c.wg.Done()

	log := logging.Get(logging.CategoryPool)
	scanner := bufio.NewScanner(c.stderr)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		log.Debug("%s stderr: %s", c.name, line)

		if c.spec.ReadyMarker != "" && strings.Contains(line, c.spec.ReadyMarker) {
			c.readyOnce.Do(func() {
				close(c.ready)
				logging.Pool("%s: ready marker seen", c.name)
			})
		}
	}
}

// transportLost invalidates the connection after the process or its pipes
// died underneath it. Every pending request fails rather than leak a waiter.
func (c *ServerConnection) transportLost(err error) {
	c.lostOnce.Do(func() {
		c.mu.Lock()
		wasClosing := c.state == StateClosed
		c.lostErr = err
		close(c.lost)
		n := len(c.pending)
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()

		if !wasClosing {
			c.setState(StateFailed)
			logging.PoolWarn("%s: transport lost (%v), failed %d pending request(s)", c.name, err, n)
		}
	})
}

// terminalErr describes why the connection can no longer serve calls.
func (c *ServerConnection) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lostErr != nil {
		return c.lostErr
	}
	return fmt.Errorf("%s: %w", c.name, ErrConnectionUnavailable)
}

// Close kills the owned process, fails any leftover pending requests, and
// waits the reader goroutines out with a bounded grace period. Idempotent.
func (c *ServerConnection) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)

		c.mu.Lock()
		close(c.done)
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.stdout != nil {
			_ = c.stdout.Close()
		}
		if c.stderr != nil {
			_ = c.stderr.Close()
		}
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()

		finished := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			logging.PoolWarn("%s: readers did not stop in time", c.name)
		}

		logging.Pool("%s: connection closed", c.name)
	})
}
