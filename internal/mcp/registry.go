package mcp

import (
	"sort"
	"sync"

	"toolhub/internal/logging"
)

// Registry is the shared tool catalog. Connections publish their schemas as
// they come up; built-in tools publish into the same namespace, so callers
// never need to know which tools run in-process.
//
// Name collisions resolve first-owner-wins: the catalog keeps whichever
// server published the name first and logs the shadowed publisher.
type Registry struct {
	mu       sync.RWMutex
	schemas  map[string]ToolSchema
	owners   map[string]string
	expected map[string]bool // configured servers awaiting resolution
	resolved map[string]bool // server name -> reached Ready

	hasBuiltins bool
}

// NewRegistry creates a catalog that expects a resolution from each of the
// named servers before the pool counts as settled.
func NewRegistry(expected []string) *Registry {
	r := &Registry{
		schemas:  make(map[string]ToolSchema),
		owners:   make(map[string]string),
		expected: make(map[string]bool),
		resolved: make(map[string]bool),
	}
	for _, name := range expected {
		r.expected[name] = true
	}
	return r
}

// Publish records a server's tool schemas. Safe to call concurrently from
// multiple initializing connections.
func (r *Registry) Publish(server string, tools []ToolSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if prev, taken := r.owners[t.Name]; taken {
			logging.ToolsWarn("tool %s from %s shadowed by %s", t.Name, server, prev)
			continue
		}
		r.schemas[t.Name] = t
		r.owners[t.Name] = server
	}
	logging.Tools("registered %d tools from %s", len(tools), server)
}

// PublishBuiltin records an in-process tool under the reserved owner name.
func (r *Registry) PublishBuiltin(tool ToolSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, taken := r.owners[tool.Name]; taken {
		logging.ToolsWarn("builtin %s shadowed by %s", tool.Name, prev)
		return
	}
	r.schemas[tool.Name] = tool
	r.owners[tool.Name] = BuiltinOwner
	r.hasBuiltins = true
}

// Resolve marks one expected server as settled, successfully or not. Each
// server resolves exactly once per initialization round.
func (r *Registry) Resolve(server string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.expected[server] {
		return
	}
	r.resolved[server] = ok
}

// Usable reports whether the catalog can serve calls: every configured
// server has resolved one way or the other, and at least one source of
// tools (a ready server or a builtin) exists.
func (r *Registry) Usable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.expected {
		if _, settled := r.resolved[name]; !settled {
			return false
		}
	}
	if r.hasBuiltins {
		return true
	}
	for _, ok := range r.resolved {
		if ok {
			return true
		}
	}
	return len(r.expected) == 0
}

// Lookup returns a tool's schema and owning server.
func (r *Registry) Lookup(tool string) (ToolSchema, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, found := r.schemas[tool]
	if !found {
		return ToolSchema{}, "", false
	}
	return schema, r.owners[tool], true
}

// Owner returns the server that published a tool name.
func (r *Registry) Owner(tool string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, found := r.owners[tool]
	return owner, found
}

// List returns every registered schema sorted by tool name.
func (r *Registry) List() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0, len(r.schemas))
	for _, t := range r.schemas {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clear empties the catalog. Used on shutdown so a half-dead pool cannot
// serve stale schemas.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas = make(map[string]ToolSchema)
	r.owners = make(map[string]string)
	r.resolved = make(map[string]bool)
	r.hasBuiltins = false
}
