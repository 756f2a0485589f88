package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"toolhub/internal/logging"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultInitTimeout = 60 * time.Second
)

// Manager owns the tool-server pool: it spawns every configured server,
// runs their handshakes concurrently, routes tool calls to the owning
// connection or builtin, and tears the pool down on shutdown.
//
// The pool degrades rather than fails: a server that cannot initialize is
// marked Failed and its tools stay unregistered, while its siblings serve
// calls normally.
type Manager struct {
	mu       sync.RWMutex
	specs    map[string]ServerSpec
	conns    map[string]*ServerConnection
	builtins map[string]*BuiltinTool

	registry *Registry
	store    *Store

	// Store writes run on one background writer so catalog rows land before
	// the usage updates that reference them.
	writes       chan func() error
	writesClosed bool
	writeMu      sync.Mutex
	writerWG     sync.WaitGroup

	callTimeout time.Duration

	// spawn is swapped by tests to drive connections over in-memory pipes.
	spawn func(name string, spec ServerSpec, onState func(string, ConnState)) (*ServerConnection, error)

	onServerStatus func(name string, state ConnState)
	shutdownOnce   sync.Once
}

// NewManager builds a pool over the given server specs. store may be nil to
// disable catalog persistence. callTimeout bounds each tools/call round
// trip; zero means the default.
func NewManager(specs map[string]ServerSpec, store *Store, callTimeout time.Duration) *Manager {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	expected := make([]string, 0, len(specs))
	for name := range specs {
		expected = append(expected, name)
	}

	m := &Manager{
		specs:       specs,
		conns:       make(map[string]*ServerConnection),
		builtins:    make(map[string]*BuiltinTool),
		registry:    NewRegistry(expected),
		store:       store,
		callTimeout: callTimeout,
		spawn:       Spawn,
	}
	if store != nil {
		m.writes = make(chan func() error, 64)
		m.writerWG.Add(1)
		go m.storeWriter()
	}
	return m
}

func (m *Manager) storeWriter() {
	defer m.writerWG.Done()
	for write := range m.writes {
		if err := write(); err != nil {
			logging.StoreDebug("catalog write failed: %v", err)
		}
	}
}

// Registry exposes the shared tool catalog.
func (m *Manager) Registry() *Registry { return m.registry }

// OnServerStatus registers a callback for connection state transitions.
// Must be set before InitializeAll.
func (m *Manager) OnServerStatus(fn func(name string, state ConnState)) {
	m.onServerStatus = fn
}

// RegisterBuiltin adds an in-process tool to the pool's catalog.
func (m *Manager) RegisterBuiltin(tool *BuiltinTool) {
	m.mu.Lock()
	m.builtins[tool.Schema.Name] = tool
	m.mu.Unlock()

	m.registry.PublishBuiltin(tool.Schema)
	m.recordAsync(func() error {
		if err := m.store.RecordServer(BuiltinOwner, "in-process", StateReady); err != nil {
			return err
		}
		return m.store.RecordTools(BuiltinOwner, []ToolSchema{tool.Schema})
	})
	logging.Tools("registered builtin %s", tool.Schema.Name)
}

// InitializeAll spawns and handshakes every configured server concurrently.
// Individual failures mark that server Failed and are not returned; the only
// error is a pool with no usable tools at all.
func (m *Manager) InitializeAll(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryPool, "initialize-all")
	defer timer.Stop()

	var g errgroup.Group
	m.mu.RLock()
	specs := make(map[string]ServerSpec, len(m.specs))
	for name, spec := range m.specs {
		specs[name] = spec
	}
	m.mu.RUnlock()

	for name, spec := range specs {
		g.Go(func() error {
			m.initServer(ctx, name, spec)
			return nil
		})
	}
	_ = g.Wait()

	if !m.registry.Usable() {
		return errors.New("no tool servers available")
	}

	ready := 0
	for _, info := range m.Servers() {
		if info.State == StateReady {
			ready++
		}
	}
	logging.Pool("pool up: %d/%d servers ready, %d tools", ready, len(specs), len(m.registry.List()))
	return nil
}

// initServer runs one server's full startup. Failures resolve the server as
// unavailable; they never propagate to siblings.
func (m *Manager) initServer(ctx context.Context, name string, spec ServerSpec) {
	conn, err := m.spawn(name, spec, m.handleStateChange)
	if err != nil {
		logging.PoolError("%s: spawn failed: %v", name, err)
		m.registry.Resolve(name, false)
		m.recordAsync(func() error {
			return m.store.RecordServer(name, spec.Command, StateFailed)
		})
		return
	}

	m.mu.Lock()
	m.conns[name] = conn
	m.mu.Unlock()

	initTimeout := spec.InitTimeout
	if initTimeout <= 0 {
		initTimeout = defaultInitTimeout
	}
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if err := conn.Initialize(initCtx); err != nil {
		logging.PoolError("%s: initialize failed: %v", name, err)
		m.registry.Resolve(name, false)
		return
	}

	tools := conn.Tools()
	m.registry.Publish(name, tools)
	m.registry.Resolve(name, true)
	m.recordAsync(func() error {
		return m.store.RecordTools(name, tools)
	})
}

// CallTool routes one tool invocation. The tool name may be bare or
// server-qualified ("server/tool"); bare names resolve through the catalog.
// Each call gets a fresh correlation ID and its own deadline.
func (m *Manager) CallTool(ctx context.Context, tool string, args map[string]interface{}) (*CallResult, error) {
	server, bare := parseToolName(tool)

	m.mu.RLock()
	builtin := m.builtins[bare]
	m.mu.RUnlock()

	if builtin != nil && (server == "" || server == BuiltinOwner) {
		return m.callBuiltin(ctx, builtin, args)
	}

	if server == "" {
		owner, found := m.registry.Owner(bare)
		if !found {
			return nil, fmt.Errorf("unknown tool %q", tool)
		}
		server = owner
	}

	m.mu.RLock()
	conn := m.conns[server]
	m.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("no connection for %s: %w", server, ErrConnectionUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	logging.Tools("calling %s/%s", server, bare)
	result, err := conn.CallTool(callCtx, bare, args)

	var latency int64
	if result != nil {
		latency = result.LatencyMs
	}
	m.recordAsync(func() error {
		return m.store.RecordToolUsage(server, bare, err == nil, latency)
	})

	if err != nil {
		logging.ToolsWarn("%s/%s failed: %v", server, bare, err)
		return nil, err
	}
	logging.ToolsDebug("%s/%s ok in %dms (%s)", server, bare, result.LatencyMs, result.PayloadSource)
	return result, nil
}

func (m *Manager) callBuiltin(ctx context.Context, tool *BuiltinTool, args map[string]interface{}) (*CallResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	start := time.Now()
	out, err := tool.Run(callCtx, args)
	latency := time.Since(start).Milliseconds()

	m.recordAsync(func() error {
		return m.store.RecordToolUsage(BuiltinOwner, tool.Schema.Name, err == nil, latency)
	})

	if err != nil {
		return nil, &ToolError{Server: BuiltinOwner, Tool: tool.Schema.Name, Message: err.Error()}
	}
	return &CallResult{
		Payload:       out,
		PayloadSource: SourceBuiltin,
		LatencyMs:     latency,
	}, nil
}

// Servers returns a snapshot of every connection, sorted by name. Servers
// that failed to spawn appear as Failed with no PID.
func (m *Manager) Servers() []ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerInfo, 0, len(m.specs))
	for name := range m.specs {
		if conn, up := m.conns[name]; up {
			out = append(out, conn.Info())
		} else {
			out = append(out, ServerInfo{Name: name, State: StateFailed})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Connection returns the live connection for a server name, if any.
func (m *Manager) Connection(name string) *ServerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[name]
}

// Shutdown kills every server process and empties the catalog. Idempotent;
// concurrent and repeated calls collapse into the first.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		conns := make([]*ServerConnection, 0, len(m.conns))
		for name, conn := range m.conns {
			conns = append(conns, conn)
			delete(m.conns, name)
		}
		m.mu.Unlock()

		for _, conn := range conns {
			conn.Close()
		}

		m.writeMu.Lock()
		if m.writes != nil && !m.writesClosed {
			m.writesClosed = true
			close(m.writes)
		}
		m.writeMu.Unlock()
		m.writerWG.Wait()

		m.registry.Clear()
		logging.Pool("pool shut down (%d connections)", len(conns))
	})
}

// handleStateChange fans a connection transition out to the status callback
// and the persistent catalog.
func (m *Manager) handleStateChange(name string, state ConnState) {
	logging.PoolDebug("%s -> %s", name, state)

	m.mu.RLock()
	spec, known := m.specs[name]
	cb := m.onServerStatus
	m.mu.RUnlock()

	if known {
		m.recordAsync(func() error {
			return m.store.RecordServer(name, spec.Command, state)
		})
	}
	if cb != nil {
		cb(name, state)
	}
}

// recordAsync queues one best-effort store write off the hot path. Failures
// are logged, never surfaced; a full queue drops the write.
func (m *Manager) recordAsync(write func() error) {
	if m.store == nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.writesClosed {
		return
	}
	select {
	case m.writes <- write:
	default:
		logging.StoreDebug("catalog write queue full, dropping")
	}
}

// parseToolName splits an optionally server-qualified tool name. The split
// is on the last slash so server names may themselves contain slashes.
func parseToolName(tool string) (server, bare string) {
	if i := strings.LastIndex(tool, "/"); i >= 0 {
		return tool[:i], tool[i+1:]
	}
	return "", tool
}
