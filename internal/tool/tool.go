// Package tool holds the flat tool registry shared by both transports: a
// flat map keyed by tool name, not an inheritance hierarchy.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/cachebash/coordinator/internal/auth"
)

// Result is the uniform shape every tool handler returns. Transports
// translate it into their own envelope (JSON-RPC content block or REST
// {success,data} body).
type Result struct {
	Data interface{}
}

// Func is the uniform shape of every tool handler: (AuthContext, args) ->
// (Result, error).
type Func func(ctx context.Context, ac *auth.AuthContext, args map[string]interface{}) (Result, error)

// Registry is a flat name -> Func map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Func
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Func)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
}

// Get looks up the handler for name.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tools[name]
	return fn, ok
}

// Names lists every registered tool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// ErrUnknownTool is returned by Invoke when name is not registered.
type ErrUnknownTool struct{ Name string }

func (e *ErrUnknownTool) Error() string { return fmt.Sprintf("tool: unknown tool %q", e.Name) }

// Invoke looks up and calls the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, ac *auth.AuthContext, args map[string]interface{}) (Result, error) {
	fn, ok := r.Get(name)
	if !ok {
		return Result{}, &ErrUnknownTool{Name: name}
	}
	return fn(ctx, ac, args)
}
