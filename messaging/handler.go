package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/glimte/xbus/contracts"
	"github.com/glimte/xbus/serialization"
)

// ReplyFunc sends a reply for the message currently being handled. On the
// receiving side of an RPC call, invoking it tells the bus that more replies
// are expected for the same correlation id.
type ReplyFunc func(ctx context.Context, msg interface{}) error

// HandlerFunc processes a decoded message
type HandlerFunc func(ctx context.Context, msg interface{}, reply ReplyFunc) error

// ErrorHandlerFunc is invoked once for every failed handler of its type
type ErrorHandlerFunc func(ctx context.Context, errMsg string, reply ReplyFunc) error

// TimeoutHandlerFunc decides what happens when an RPC call reaches its
// deadline. Returning true stops waiting; false keeps the call open.
type TimeoutHandlerFunc func(ctx context.Context) (bool, error)

// Registrar populates a HandlerRegistry
type Registrar func(r *HandlerRegistry) error

// HandlerRegistry is a type-indexed table of handlers for one logical channel
// or one in-flight RPC call.
type HandlerRegistry struct {
	mu            sync.RWMutex
	handlers      map[reflect.Type][]HandlerFunc
	handlerOrder  []reflect.Type
	errorHandlers map[reflect.Type]ErrorHandlerFunc
	errorOrder    []reflect.Type
	onTimeout     TimeoutHandlerFunc
	logger        *slog.Logger
}

// RegistryOption configures a HandlerRegistry
type RegistryOption func(*HandlerRegistry)

// WithRegistryLogger sets the logger used during dispatch
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *HandlerRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry(options ...RegistryOption) *HandlerRegistry {
	r := &HandlerRegistry{
		handlers:      make(map[reflect.Type][]HandlerFunc),
		errorHandlers: make(map[reflect.Type]ErrorHandlerFunc),
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Register appends a handler for t. Handlers for the same type run in
// registration order.
func (r *HandlerRegistry) Register(t reflect.Type, handler HandlerFunc) error {
	if t == nil {
		return fmt.Errorf("%w: type cannot be nil", contracts.ErrInvalidRegistration)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", contracts.ErrInvalidRegistration)
	}

	t = serialization.Normalize(t)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; !exists {
		r.handlerOrder = append(r.handlerOrder, t)
	}
	r.handlers[t] = append(r.handlers[t], handler)

	return nil
}

// Lookup returns the handlers for t. An exact match wins; otherwise the
// handlers of the first registered interface type that t satisfies are used.
func (r *HandlerRegistry) Lookup(t reflect.Type) ([]HandlerFunc, bool) {
	if t == nil {
		return nil, false
	}
	t = serialization.Normalize(t)

	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := resolveKey(t, r.handlerOrder, func(k reflect.Type) bool {
		_, exists := r.handlers[k]
		return exists
	})
	if !ok {
		return nil, false
	}

	handlers := r.handlers[key]
	result := make([]HandlerFunc, len(handlers))
	copy(result, handlers)
	return result, true
}

// RegisterErrorHandler sets the error handler for t, replacing any previous one
func (r *HandlerRegistry) RegisterErrorHandler(t reflect.Type, handler ErrorHandlerFunc) error {
	if t == nil {
		return fmt.Errorf("%w: type cannot be nil", contracts.ErrInvalidRegistration)
	}
	if handler == nil {
		return fmt.Errorf("%w: error handler cannot be nil", contracts.ErrInvalidRegistration)
	}

	t = serialization.Normalize(t)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.errorHandlers[t]; !exists {
		r.errorOrder = append(r.errorOrder, t)
	}
	r.errorHandlers[t] = handler

	return nil
}

// LookupErrorHandler resolves the error handler for t the same way Lookup does
func (r *HandlerRegistry) LookupErrorHandler(t reflect.Type) (ErrorHandlerFunc, bool) {
	if t == nil {
		return nil, false
	}
	t = serialization.Normalize(t)

	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := resolveKey(t, r.errorOrder, func(k reflect.Type) bool {
		_, exists := r.errorHandlers[k]
		return exists
	})
	if !ok {
		return nil, false
	}
	return r.errorHandlers[key], true
}

// OnTimeout sets the timeout handler
func (r *HandlerRegistry) OnTimeout(handler TimeoutHandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTimeout = handler
}

// TimeoutHandler returns the timeout handler, if any
func (r *HandlerRegistry) TimeoutHandler() (TimeoutHandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onTimeout, r.onTimeout != nil
}

// Types returns the handled types in registration order
func (r *HandlerRegistry) Types() []reflect.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]reflect.Type, len(r.handlerOrder))
	copy(result, r.handlerOrder)
	return result
}

// resolveKey picks the exact key for t if present, else the first interface
// key in order that t (or *t) implements.
func resolveKey(t reflect.Type, order []reflect.Type, exists func(reflect.Type) bool) (reflect.Type, bool) {
	if exists(t) {
		return t, true
	}

	ptr := reflect.PointerTo(t)
	for _, candidate := range order {
		if candidate.Kind() != reflect.Interface {
			continue
		}
		if t.Implements(candidate) || ptr.Implements(candidate) {
			return candidate, true
		}
	}

	return nil, false
}
