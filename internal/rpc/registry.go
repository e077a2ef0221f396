package rpc

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler runs a node command. args is the raw JSON object the brain sent,
// "{}" when it sent none. The result is encoded as the reply payload.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps node command names to handlers. Commands may be registered
// at any time; the live set is declared on every handshake, so additions
// reach the brain on the next (re)connect.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces a command.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; !exists {
		r.order = append(r.order, name)
	}
	r.handlers[name] = h
}

// Commands lists registered names in registration order.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
