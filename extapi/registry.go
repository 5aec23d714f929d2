package extapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/glimte/xbus/contracts"
	"github.com/glimte/xbus/serialization"
)

// ErrProviderExists is returned when a provider key is registered twice
var ErrProviderExists = errors.New("extapi: provider already registered")

// DataGenerator produces the parts of one result. Close is called once the
// parts have been sent or the request failed.
type DataGenerator interface {
	RecordsPerPart() int
	TotalParts() int
	GetPart(ctx context.Context, part int) (string, error)
	Close() error
}

// Call identifies the data a provider is asked for
type Call struct {
	RequestID    string
	ProviderName string
	ObjectName   string
	Action       string
	ID           string
	Origin       string
}

// ProviderFunc creates the generator for a call. A nil generator with a nil
// error sends no reply at all.
type ProviderFunc func(ctx context.Context, call Call) (DataGenerator, error)

// Provider is the interface form of ProviderFunc
type Provider interface {
	HandleRequest(ctx context.Context, call Call) (DataGenerator, error)
}

// resolvedProvider receives the raw params string of a request
type resolvedProvider func(ctx context.Context, call Call, params string) (DataGenerator, error)

// Registry maps provider, object and action to providers. Keys are case
// insensitive.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]resolvedProvider
	codec     serialization.Codec
	logger    *slog.Logger
}

// RegistryOption configures a registry
type RegistryOption func(*Registry)

// WithParamsCodec sets the codec typed providers decode params with
func WithParamsCodec(codec serialization.Codec) RegistryOption {
	return func(r *Registry) {
		if codec != nil {
			r.codec = codec
		}
	}
}

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty provider registry
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		providers: make(map[string]resolvedProvider),
		codec:     serialization.NewJSONCodec(),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func providerKey(providerName, objectName, action string) (string, error) {
	switch {
	case providerName == "":
		return "", fmt.Errorf("%w: provider name is required", contracts.ErrInvalidRegistration)
	case objectName == "":
		return "", fmt.Errorf("%w: object name is required", contracts.ErrInvalidRegistration)
	case action == "":
		return "", fmt.Errorf("%w: action is required", contracts.ErrInvalidRegistration)
	}
	return strings.ToLower(providerName + "." + objectName + "." + action), nil
}

func (r *Registry) add(providerName, objectName, action string, provider resolvedProvider) error {
	key, err := providerKey(providerName, objectName, action)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[key]; exists {
		return fmt.Errorf("%w: provider %q, object %q, action %q", ErrProviderExists, providerName, objectName, action)
	}
	r.providers[key] = provider
	return nil
}

// Register adds a provider that ignores request params
func (r *Registry) Register(providerName, objectName, action string, provider ProviderFunc) error {
	if provider == nil {
		return fmt.Errorf("%w: provider cannot be nil", contracts.ErrInvalidRegistration)
	}
	return r.add(providerName, objectName, action, func(ctx context.Context, call Call, _ string) (DataGenerator, error) {
		return provider(ctx, call)
	})
}

// RegisterProvider adds a Provider implementation
func (r *Registry) RegisterProvider(providerName, objectName, action string, provider Provider) error {
	if provider == nil {
		return fmt.Errorf("%w: provider cannot be nil", contracts.ErrInvalidRegistration)
	}
	return r.Register(providerName, objectName, action, provider.HandleRequest)
}

// RegisterTyped adds a provider whose params are decoded into T. A string T
// receives the raw params. Params that fail to decode are logged and the
// provider gets the zero T.
func RegisterTyped[T any](r *Registry, providerName, objectName, action string, provider func(ctx context.Context, call Call, params T) (DataGenerator, error)) error {
	if provider == nil {
		return fmt.Errorf("%w: provider cannot be nil", contracts.ErrInvalidRegistration)
	}
	return r.add(providerName, objectName, action, func(ctx context.Context, call Call, raw string) (DataGenerator, error) {
		return provider(ctx, call, decodeParams[T](r, raw))
	})
}

func decodeParams[T any](r *Registry, raw string) T {
	var params T
	if reflect.TypeFor[T]().Kind() == reflect.String {
		reflect.ValueOf(&params).Elem().SetString(raw)
		return params
	}
	if raw == "" {
		return params
	}
	if err := r.codec.Unmarshal([]byte(raw), &params); err != nil {
		r.logger.Error("params deserialization failed",
			"type", reflect.TypeFor[T]().String(),
			"error", err,
		)
		var zero T
		return zero
	}
	return params
}

// find returns the provider registered for the key
func (r *Registry) find(providerName, objectName, action string) (resolvedProvider, bool) {
	key, err := providerKey(providerName, objectName, action)
	if err != nil {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[key]
	return provider, ok
}

// Contains reports whether a provider is registered for the key
func (r *Registry) Contains(providerName, objectName, action string) bool {
	_, ok := r.find(providerName, objectName, action)
	return ok
}

// Len returns the number of registered providers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
