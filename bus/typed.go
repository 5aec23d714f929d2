package bus

import (
	"context"
	"fmt"
	"reflect"

	"github.com/glimte/xbus/contracts"
	"github.com/glimte/xbus/messaging"
)

// MessageName returns the channel name T declares through contracts.Named
func MessageName[T any]() (string, bool) {
	var zero T
	if named, ok := any(zero).(contracts.Named); ok && !isNilPointer(zero) {
		return named.MessageName(), true
	}

	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() == reflect.Interface {
		return "", false
	}
	if named, ok := reflect.New(t).Interface().(contracts.Named); ok {
		return named.MessageName(), true
	}
	return "", false
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

func nameFor[T any](name string) (string, error) {
	if name != "" {
		return name, nil
	}
	if derived, ok := MessageName[T](); ok && derived != "" {
		return derived, nil
	}
	return "", fmt.Errorf("%w: channel name for %v", contracts.ErrMissingConfiguration, reflect.TypeFor[T]())
}

// ConsumeEvent subscribes handler to events of type T. An empty name is
// taken from T's MessageName.
func ConsumeEvent[T any](ctx context.Context, c *Connection, name string, handler func(ctx context.Context, msg T) error) (*Subscription, error) {
	name, err := nameFor[T](name)
	if err != nil {
		return nil, err
	}
	return c.ConsumeEvents(ctx, name, func(r *messaging.HandlerRegistry) error {
		return messaging.On(r, handler)
	})
}

// ConsumeCommand consumes commands of type T. An empty name is taken from
// T's MessageName.
func ConsumeCommand[T any](ctx context.Context, c *Connection, name string, handler func(ctx context.Context, msg T) error) (*Subscription, error) {
	name, err := nameFor[T](name)
	if err != nil {
		return nil, err
	}
	return c.ConsumeCommands(ctx, name, func(r *messaging.HandlerRegistry) error {
		return messaging.On(r, handler)
	})
}

// ConsumeRpcRequest serves RPC requests of type T. An empty name is taken
// from T's MessageName.
func ConsumeRpcRequest[T any](ctx context.Context, c *Connection, name string, handler func(ctx context.Context, msg T, reply messaging.ReplyFunc) error) (*Subscription, error) {
	name, err := nameFor[T](name)
	if err != nil {
		return nil, err
	}
	return c.ConsumeRpcRequests(ctx, name, func(r *messaging.HandlerRegistry) error {
		return messaging.OnRequest(r, handler)
	})
}

// Publish publishes a self-named message as an event
func Publish(ctx context.Context, c *Connection, msg contracts.Named) error {
	if msg == nil {
		return contracts.ErrNilMessage
	}
	return c.PublishEvent(ctx, msg.MessageName(), msg)
}

// Send publishes a self-named message as a command
func Send(ctx context.Context, c *Connection, msg contracts.Named) error {
	if msg == nil {
		return contracts.ErrNilMessage
	}
	return c.PublishCommand(ctx, msg.MessageName(), msg)
}
