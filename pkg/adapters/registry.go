// Package adapters resolves the in-process backends a gateway can serve
// without launching a subprocess. Each adapter builds a go-sdk server that
// the session layer connects to over in-memory transports.
package adapters

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-gateway-go/pkg/adapters/files"
)

// Factory builds a fresh server for one backend from its configured options.
// It is invoked on every (re)start of the backend.
type Factory func(options map[string]string, logger *slog.Logger) (*mcp.Server, error)

// Registry maps adapter names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtin returns a registry holding every adapter shipped with the gateway.
func Builtin() *Registry {
	r := NewRegistry()
	_ = r.Register("files", files.New)
	return r
}

// Register adds f under name. Names are unique.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("adapters: name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		return fmt.Errorf("adapters: %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Lookup returns the factory registered under name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names lists registered adapters in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
