package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/xbus/contracts"
)

// TypeResolver maps message types to wire type names and back
type TypeResolver interface {
	// TypeName returns the wire name for a message type
	TypeName(t reflect.Type) (string, bool)

	// Resolve returns the message type registered under a wire name
	Resolve(name string) (reflect.Type, bool)
}

// Observer is implemented by resolvers that can learn types at runtime
type Observer interface {
	Observe(t reflect.Type)
}

// TypeEntry pairs a message type with an optional wire name override
type TypeEntry struct {
	Type reflect.Type
	Name string
}

// Type builds an entry for T named after the Go type
func Type[T any]() TypeEntry {
	return TypeEntry{Type: reflect.TypeFor[T]()}
}

// NamedType builds an entry for T with an explicit wire name
func NamedType[T any](name string) TypeEntry {
	return TypeEntry{Type: reflect.TypeFor[T](), Name: name}
}

// TypeOf builds an entry from a sample value
func TypeOf(sample interface{}) TypeEntry {
	return TypeEntry{Type: reflect.TypeOf(sample)}
}

// Normalize strips one level of pointer indirection from struct types so
// *T and T share an identity.
func Normalize(t reflect.Type) reflect.Type {
	if t != nil && t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct {
		return t.Elem()
	}
	return t
}

// TypeRegistry is the default TypeResolver. It is built once from an explicit
// list of message types and is read-only afterwards; types outside the list
// are delegated to a FallbackResolver.
type TypeRegistry struct {
	names    map[reflect.Type]string
	types    map[string]reflect.Type
	fallback *FallbackResolver
}

// NewTypeRegistry builds a registry from the given entries. Two entries
// resolving to the same wire name (case-insensitively) is an error.
func NewTypeRegistry(entries ...TypeEntry) (*TypeRegistry, error) {
	r := &TypeRegistry{
		names:    make(map[reflect.Type]string, len(entries)),
		types:    make(map[string]reflect.Type, len(entries)),
		fallback: NewFallbackResolver(),
	}

	for _, entry := range entries {
		if entry.Type == nil {
			return nil, fmt.Errorf("%w: message type cannot be nil", contracts.ErrInvalidRegistration)
		}

		t := Normalize(entry.Type)
		name := entry.Name
		if name == "" {
			name = t.Name()
		}
		if name == "" {
			return nil, fmt.Errorf("%w: cannot determine type name for %v", contracts.ErrInvalidRegistration, t)
		}

		key := strings.ToLower(name)
		if existing, exists := r.types[key]; exists {
			if existing == t {
				continue
			}
			return nil, fmt.Errorf("%w: unable to register %q for type %v, it is already registered for type %v",
				contracts.ErrDuplicateTypeName, name, t, existing)
		}
		if _, exists := r.names[t]; exists {
			return nil, fmt.Errorf("%w: type %v registered under two names", contracts.ErrInvalidRegistration, t)
		}

		r.types[key] = t
		r.names[t] = name
	}

	return r, nil
}

// MustTypeRegistry is like NewTypeRegistry but panics on error
func MustTypeRegistry(entries ...TypeEntry) *TypeRegistry {
	r, err := NewTypeRegistry(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

// TypeName implements TypeResolver
func (r *TypeRegistry) TypeName(t reflect.Type) (string, bool) {
	if name, ok := r.names[Normalize(t)]; ok {
		return name, true
	}
	return r.fallback.TypeName(t)
}

// Resolve implements TypeResolver
func (r *TypeRegistry) Resolve(name string) (reflect.Type, bool) {
	if t, ok := r.types[strings.ToLower(name)]; ok {
		return t, true
	}
	return r.fallback.Resolve(name)
}

// Observe forwards unregistered types to the fallback resolver
func (r *TypeRegistry) Observe(t reflect.Type) {
	if _, ok := r.names[Normalize(t)]; ok {
		return
	}
	r.fallback.Observe(t)
}

// IsRegistered reports whether name is in the explicit table
func (r *TypeRegistry) IsRegistered(name string) bool {
	_, ok := r.types[strings.ToLower(name)]
	return ok
}

// ListTypes returns the registered wire names, sorted
func (r *TypeRegistry) ListTypes() []string {
	names := make([]string, 0, len(r.names))
	for _, name := range r.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FallbackResolver derives wire names from a type's package path and name.
// A type can only be resolved from its name once this process has seen it,
// either by encoding a value of it or through Observe.
type FallbackResolver struct {
	seen sync.Map // name -> reflect.Type
}

// NewFallbackResolver creates an empty fallback resolver
func NewFallbackResolver() *FallbackResolver {
	return &FallbackResolver{}
}

// QualifiedName returns "{pkgPath}.{Name}" for named types
func QualifiedName(t reflect.Type) string {
	t = Normalize(t)
	if t == nil || t.Name() == "" {
		return ""
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

// TypeName implements TypeResolver
func (f *FallbackResolver) TypeName(t reflect.Type) (string, bool) {
	name := QualifiedName(t)
	if name == "" {
		return "", false
	}
	f.seen.LoadOrStore(name, Normalize(t))
	return name, true
}

// Resolve implements TypeResolver
func (f *FallbackResolver) Resolve(name string) (reflect.Type, bool) {
	v, ok := f.seen.Load(name)
	if !ok {
		return nil, false
	}
	return v.(reflect.Type), true
}

// Observe implements Observer. Interface types are ignored since no value
// can be decoded into them.
func (f *FallbackResolver) Observe(t reflect.Type) {
	t = Normalize(t)
	if t == nil || t.Kind() == reflect.Interface {
		return
	}
	f.TypeName(t)
}
