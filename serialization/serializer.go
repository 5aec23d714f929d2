package serialization

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/glimte/xbus/contracts"
)

// Serializer composes a TypeResolver and a Codec into the message
// serialization strategy used by the bus. The two halves can be swapped
// independently.
type Serializer struct {
	types  TypeResolver
	codec  Codec
	logger *slog.Logger
}

// SerializerOption configures the Serializer
type SerializerOption func(*Serializer)

// WithCodec sets the payload codec
func WithCodec(codec Codec) SerializerOption {
	return func(s *Serializer) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithSerializerLogger sets the logger
func WithSerializerLogger(logger *slog.Logger) SerializerOption {
	return func(s *Serializer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSerializer creates a serializer. A nil resolver falls back to an empty
// TypeRegistry; the codec defaults to JSON.
func NewSerializer(types TypeResolver, options ...SerializerOption) *Serializer {
	if types == nil {
		types = MustTypeRegistry()
	}

	s := &Serializer{
		types:  types,
		codec:  NewJSONCodec(),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Types returns the type resolver
func (s *Serializer) Types() TypeResolver {
	return s.types
}

// Codec returns the payload codec
func (s *Serializer) Codec() Codec {
	return s.codec
}

// Observe lets the resolver learn t if it supports it
func (s *Serializer) Observe(t reflect.Type) {
	if o, ok := s.types.(Observer); ok {
		o.Observe(t)
	}
}

// Encode returns the wire type name and payload for msg
func (s *Serializer) Encode(msg interface{}) (string, []byte, error) {
	if msg == nil {
		return "", nil, contracts.ErrNilMessage
	}

	typeName, ok := s.types.TypeName(reflect.TypeOf(msg))
	if !ok {
		return "", nil, fmt.Errorf("%w: %T", contracts.ErrUnknownType, msg)
	}

	body, err := s.codec.Marshal(msg)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s: %w", typeName, err)
	}

	return typeName, body, nil
}

// Decode resolves typeName and decodes data into a new instance of that type.
// The value is always a pointer. Failures are logged and reported through
// ok=false; callers drop the message.
func (s *Serializer) Decode(typeName string, data []byte) (reflect.Type, interface{}, bool) {
	t, ok := s.types.Resolve(typeName)
	if !ok {
		s.logger.Error("message type name not resolved", "typeName", typeName)
		return nil, nil, false
	}

	instance := reflect.New(t).Interface()
	if err := s.codec.Unmarshal(data, instance); err != nil {
		s.logger.Error("data deserialization failed",
			"typeName", typeName,
			"error", err,
		)
		return nil, nil, false
	}

	return t, instance, true
}

// DecodeInto decodes data into v with the payload codec
func (s *Serializer) DecodeInto(data []byte, v interface{}) error {
	return s.codec.Unmarshal(data, v)
}
