package bus

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/xbus/messaging"
)

// Exchange is a declared exchange
type Exchange struct {
	Name string
	Kind string
}

// IsZero reports whether the handle is empty, i.e. the declaration failed
func (e Exchange) IsZero() bool {
	return e.Name == ""
}

// Queue is a declared queue
type Queue struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	MessageTTL time.Duration
	Expires    time.Duration
}

// IsZero reports whether the handle is empty, i.e. the declaration failed
func (q Queue) IsZero() bool {
	return q.Name == ""
}

func (q Queue) spec() messaging.QueueSpec {
	return messaging.QueueSpec{
		Name:       q.Name,
		Durable:    q.Durable,
		Exclusive:  q.Exclusive,
		AutoDelete: q.AutoDelete,
		MessageTTL: q.MessageTTL,
		Expires:    q.Expires,
	}
}

// Binding routes messages from an exchange to a queue
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Key returns the composite cache key {exchange}_{queue}_{routingKey}
func (b Binding) Key() string {
	return b.Exchange + "_" + b.Queue + "_" + b.RoutingKey
}

// IsZero reports whether the handle is empty, i.e. the bind failed
func (b Binding) IsZero() bool {
	return b.Exchange == "" && b.Queue == ""
}

// cacheEntry holds one declared entity. The first caller performs the
// declaration; concurrent callers wait on once and share the result.
type cacheEntry[T any] struct {
	once  sync.Once
	value T
	ok    bool
}

// getOrDeclare returns the cached value for key, declaring it once. Failed
// declarations are evicted so a later call can retry.
func getOrDeclare[T any](cache *sync.Map, key string, declare func() (T, bool)) (T, bool) {
	actual, _ := cache.LoadOrStore(key, &cacheEntry[T]{})
	entry := actual.(*cacheEntry[T])

	entry.once.Do(func() {
		entry.value, entry.ok = declare()
		if !entry.ok {
			cache.CompareAndDelete(key, entry)
		}
	})

	return entry.value, entry.ok
}

// settled waits for a declaration in flight and reports whether it
// succeeded. An entry nobody has started declaring is settled as failed.
func (e *cacheEntry[T]) settled() bool {
	e.once.Do(func() {})
	return e.ok
}

// rangeDeclared visits every successfully declared entry, waiting for
// declarations in flight
func rangeDeclared[T any](cache *sync.Map, fn func(key string, value T)) {
	cache.Range(func(k, v any) bool {
		entry := v.(*cacheEntry[T])
		if entry.settled() {
			fn(k.(string), entry.value)
		}
		return true
	})
}

// invokeSafe runs a transport call, logging and swallowing its failure
func (c *Connection) invokeSafe(operation string, fn func() error) bool {
	if err := fn(); err != nil {
		c.logger.Warn("transport call failed",
			"operation", operation,
			"error", err,
		)
		c.metrics.topologyError(operation)
		return false
	}
	return true
}

// DeclareExchange declares a durable topic exchange once per connection
// lifetime. A failed declaration returns a zero handle.
func (c *Connection) DeclareExchange(ctx context.Context, name string) (Exchange, bool) {
	return getOrDeclare(&c.exchanges, name, func() (Exchange, bool) {
		spec := messaging.ExchangeSpec{
			Name:    name,
			Kind:    messaging.ExchangeTopic,
			Durable: true,
		}
		ok := c.invokeSafe("declare_exchange", func() error {
			return c.transport.DeclareExchange(ctx, spec)
		})
		if !ok {
			return Exchange{}, false
		}
		c.logger.Debug("exchange declared", "exchange", name)
		return Exchange{Name: name, Kind: spec.Kind}, true
	})
}

// DeclareQueue declares a queue once per connection lifetime. Exclusive
// queues are never durable. A failed declaration returns a zero handle.
func (c *Connection) DeclareQueue(ctx context.Context, queue Queue) (Queue, bool) {
	if queue.Exclusive {
		queue.Durable = false
	}
	return getOrDeclare(&c.queues, queue.Name, func() (Queue, bool) {
		ok := c.invokeSafe("declare_queue", func() error {
			return c.transport.DeclareQueue(ctx, queue.spec())
		})
		if !ok {
			return Queue{}, false
		}
		c.logger.Debug("queue declared", "queue", queue.Name)
		return queue, true
	})
}

// Bind binds queue to exchange under routingKey once. A failed bind returns
// a zero handle.
func (c *Connection) Bind(ctx context.Context, exchange Exchange, queue Queue, routingKey string) (Binding, bool) {
	binding := Binding{Exchange: exchange.Name, Queue: queue.Name, RoutingKey: routingKey}
	if exchange.IsZero() || queue.IsZero() {
		c.logger.Warn("cannot bind undeclared topology", "binding", binding.Key())
		return Binding{}, false
	}

	return getOrDeclare(&c.bindings, binding.Key(), func() (Binding, bool) {
		ok := c.invokeSafe("bind", func() error {
			return c.transport.BindQueue(ctx, binding.Queue, binding.Exchange, binding.RoutingKey)
		})
		if !ok {
			return Binding{}, false
		}
		return binding, true
	})
}

// Unbind removes a binding from the cache and from the broker. Only the
// caller that removes the cache entry talks to the broker, after a bind
// still in flight has finished.
func (c *Connection) Unbind(ctx context.Context, binding Binding) {
	actual, loaded := c.bindings.LoadAndDelete(binding.Key())
	if !loaded {
		return
	}
	if entry := actual.(*cacheEntry[Binding]); !entry.settled() {
		return
	}

	c.invokeSafe("unbind", func() error {
		return c.transport.UnbindQueue(ctx, binding.Queue, binding.Exchange, binding.RoutingKey)
	})
}

// removeQueue deletes a queue if it is unused and empty
func (c *Connection) removeQueue(ctx context.Context, name string) {
	actual, loaded := c.queues.LoadAndDelete(name)
	if !loaded {
		return
	}
	if entry := actual.(*cacheEntry[Queue]); !entry.settled() {
		return
	}

	c.invokeSafe("delete_queue", func() error {
		return c.transport.DeleteQueue(ctx, name, true, true)
	})
}

// removeAll deletes every cached queue and exchange. Individual failures are
// logged and do not stop the rest.
func (c *Connection) removeAll(ctx context.Context) {
	c.bindings.Range(func(k, _ any) bool {
		c.bindings.Delete(k)
		return true
	})

	rangeDeclared(&c.queues, func(name string, _ Queue) {
		c.invokeSafe("delete_queue", func() error {
			return c.transport.DeleteQueue(ctx, name, true, true)
		})
		c.queues.Delete(name)
	})

	rangeDeclared(&c.exchanges, func(name string, _ Exchange) {
		c.invokeSafe("delete_exchange", func() error {
			return c.transport.DeleteExchange(ctx, name, true)
		})
		c.exchanges.Delete(name)
	})
}

// forgetTopology clears the caches without touching the broker
func (c *Connection) forgetTopology() {
	for _, cache := range []*sync.Map{&c.exchanges, &c.queues, &c.bindings} {
		cache.Range(func(k, _ any) bool {
			cache.Delete(k)
			return true
		})
	}
}
