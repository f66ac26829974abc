package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/xraph/tollgate/event"
)

// HandlerFunc handles one event. It must be idempotent: a handler may see
// the same event again after a crash or a lost lease.
type HandlerFunc func(ctx context.Context, e *event.Event) Result

// Handler is a named subscription to one event type. The name is the key
// under which per-handler outcomes are tracked on the event.
type Handler struct {
	Name string
	Type event.Type
	Fn   HandlerFunc
}

// Registry maps event types to their handlers.
type Registry struct {
	mu     sync.RWMutex
	byType map[event.Type][]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[event.Type][]Handler)}
}

// Register subscribes fn to events of type t under name.
func (r *Registry) Register(t event.Type, name string, fn HandlerFunc) error {
	if !event.Known(t) {
		return fmt.Errorf("dispatch: register %s: %w", name, event.ErrUnknownType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.byType[t] {
		if h.Name == name {
			return fmt.Errorf("%w: %s on %s", ErrDuplicateHandler, name, t)
		}
	}
	r.byType[t] = append(r.byType[t], Handler{Name: name, Type: t, Fn: fn})
	return nil
}

// Handlers returns the handlers for t in registration order.
func (r *Registry) Handlers(t event.Type) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handler, len(r.byType[t]))
	copy(out, r.byType[t])
	return out
}

// Types returns every event type with at least one handler.
func (r *Registry) Types() []event.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]event.Type, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

// Handle registers a typed handler. The payload is decoded into T and
// validated before fn runs; a payload that does not decode is a Fatal
// result, since redelivering the same bytes cannot fix it.
func Handle[T event.Payload](r *Registry, name string, fn func(ctx context.Context, e *event.Event, p T) Result) error {
	var zero T
	return r.Register(zero.EventType(), name, func(ctx context.Context, e *event.Event) Result {
		p, err := event.Decode[T](e)
		if err != nil {
			return Fatal(err)
		}
		return fn(ctx, e, p)
	})
}
