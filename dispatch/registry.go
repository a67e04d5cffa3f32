// Package dispatch routes inbound operation requests to handlers and emits
// exactly one correlated response per request. Handlers authorize every path
// against the connection's allow-list before touching the filesystem.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/legionhq/legion-agent/credentials"
	"github.com/legionhq/legion-agent/protocol"
)

// ConnContext carries the per-connection state a handler may read. It is an
// explicit value passed into every invocation, rebuilt for each connection.
type ConnContext struct {
	Credentials credentials.Credentials
	WorkDir     string
	// ReadMaxSize bounds fs:read when the request does not specify a limit.
	// Zero means the fsops default.
	ReadMaxSize int64
	Log         *slog.Logger
}

// Handler services one operation. It must return a response rather than
// panic; the dispatcher contains panics as a backstop.
type Handler func(ctx context.Context, req protocol.Request, cc ConnContext) protocol.Response

// Registry maps operation names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an operation name, replacing any previous one.
func (r *Registry) Register(operation string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[operation] = h
}

// Get returns the handler for an operation.
func (r *Registry) Get(operation string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[operation]
	return h, ok
}

// Operations returns the registered operation names, sorted.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
