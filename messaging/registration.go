package messaging

import (
	"context"
	"fmt"
	"reflect"

	"github.com/glimte/xbus/contracts"
)

// On registers a handler for messages of type T
func On[T any](r *HandlerRegistry, handler func(ctx context.Context, msg T) error) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", contracts.ErrInvalidRegistration)
	}
	return r.Register(reflect.TypeFor[T](), func(ctx context.Context, msg interface{}, _ ReplyFunc) error {
		typed, err := As[T](msg)
		if err != nil {
			return err
		}
		return handler(ctx, typed)
	})
}

// OnRequest registers a handler for T that may reply, possibly several times
func OnRequest[T any](r *HandlerRegistry, handler func(ctx context.Context, msg T, reply ReplyFunc) error) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", contracts.ErrInvalidRegistration)
	}
	return r.Register(reflect.TypeFor[T](), func(ctx context.Context, msg interface{}, reply ReplyFunc) error {
		typed, err := As[T](msg)
		if err != nil {
			return err
		}
		return handler(ctx, typed, reply)
	})
}

// OnReply registers an RPC reply handler for T. Returning done=false keeps
// the call open for further replies.
func OnReply[T any](r *HandlerRegistry, handler func(ctx context.Context, msg T) (bool, error)) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", contracts.ErrInvalidRegistration)
	}
	return r.Register(reflect.TypeFor[T](), func(ctx context.Context, msg interface{}, more ReplyFunc) error {
		typed, err := As[T](msg)
		if err != nil {
			return err
		}
		done, err := handler(ctx, typed)
		if err != nil {
			return err
		}
		if !done {
			return more(ctx, nil)
		}
		return nil
	})
}

// OnResponse registers an RPC reply handler for T that completes the call
func OnResponse[T any](r *HandlerRegistry, handler func(ctx context.Context, msg T) error) error {
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", contracts.ErrInvalidRegistration)
	}
	return OnReply(r, func(ctx context.Context, msg T) (bool, error) {
		return true, handler(ctx, msg)
	})
}

// OnError registers the error handler for T
func OnError[T any](r *HandlerRegistry, handler ErrorHandlerFunc) error {
	return r.RegisterErrorHandler(reflect.TypeFor[T](), handler)
}

// As converts a decoded message to T. Decoded values are pointers, so a
// registration for a struct value type receives a copy of the pointee.
func As[T any](msg interface{}) (T, error) {
	if typed, ok := msg.(T); ok {
		return typed, nil
	}

	var zero T
	rv := reflect.ValueOf(msg)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() {
		if typed, ok := rv.Elem().Interface().(T); ok {
			return typed, nil
		}
	}
	return zero, fmt.Errorf("%w: expected %v, got %T", contracts.ErrUnexpectedMessage, reflect.TypeFor[T](), msg)
}
