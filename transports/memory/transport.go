// Package memory provides an in-process messaging.Transport with topic
// routing. It is meant for tests, demos and single-process deployments;
// nothing survives the process and queue TTL arguments are not enforced.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/xbus/contracts"
	"github.com/glimte/xbus/messaging"
	"github.com/google/uuid"
)

var (
	// ErrNotConnected is returned by operations on a closed transport
	ErrNotConnected = errors.New("memory: transport is not connected")
	// ErrNotFound is returned for unknown exchanges and queues
	ErrNotFound = errors.New("memory: not found")
	// ErrPreconditionFailed is returned for conflicting declarations and
	// refused deletions
	ErrPreconditionFailed = errors.New("memory: precondition failed")
)

const defaultQueueCapacity = 1024

type exchange struct {
	spec     messaging.ExchangeSpec
	bindings map[binding]struct{}
}

type binding struct {
	queue      string
	routingKey string
}

type queue struct {
	spec      messaging.QueueSpec
	messages  chan contracts.Delivery
	deleted   chan struct{}
	consumers map[string]*consumer
}

// Transport is an in-process broker
type Transport struct {
	mu        sync.RWMutex
	connected bool
	exchanges map[string]*exchange
	queues    map[string]*queue
	capacity  int
	logger    *slog.Logger
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithQueueCapacity sets how many messages a queue buffers before Publish blocks
func WithQueueCapacity(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// NewTransport creates a disconnected in-process broker
func NewTransport(options ...Option) *Transport {
	t := &Transport{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		capacity:  defaultQueueCapacity,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Connect marks the broker as available
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Close stops all consumers. Declared topology is kept, like a broker that
// outlives its clients.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, q := range t.queues {
		for _, c := range q.consumers {
			c.stop()
		}
		q.consumers = make(map[string]*consumer)
	}
	t.connected = false
	return nil
}

// DeclareExchange creates an exchange if it doesn't exist
func (t *Transport) DeclareExchange(ctx context.Context, spec messaging.ExchangeSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return ErrNotConnected
	}
	if spec.Kind == "" {
		spec.Kind = messaging.ExchangeTopic
	}

	if existing, ok := t.exchanges[spec.Name]; ok {
		if existing.spec.Kind != spec.Kind {
			return fmt.Errorf("%w: exchange %s already declared as %s", ErrPreconditionFailed, spec.Name, existing.spec.Kind)
		}
		return nil
	}

	t.exchanges[spec.Name] = &exchange{spec: spec, bindings: make(map[binding]struct{})}
	return nil
}

// DeclareQueue creates a queue if it doesn't exist
func (t *Transport) DeclareQueue(ctx context.Context, spec messaging.QueueSpec) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return ErrNotConnected
	}
	if _, ok := t.queues[spec.Name]; ok {
		return nil
	}

	t.queues[spec.Name] = &queue{
		spec:      spec,
		messages:  make(chan contracts.Delivery, t.capacity),
		deleted:   make(chan struct{}),
		consumers: make(map[string]*consumer),
	}
	return nil
}

// BindQueue routes messages matching routingKey from exchange to queue
func (t *Transport) BindQueue(ctx context.Context, queueName, exchangeName, routingKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return ErrNotConnected
	}
	ex, ok := t.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: exchange %s", ErrNotFound, exchangeName)
	}
	if _, ok := t.queues[queueName]; !ok {
		return fmt.Errorf("%w: queue %s", ErrNotFound, queueName)
	}

	ex.bindings[binding{queue: queueName, routingKey: routingKey}] = struct{}{}
	return nil
}

// UnbindQueue removes a binding. Removing a missing binding succeeds.
func (t *Transport) UnbindQueue(ctx context.Context, queueName, exchangeName, routingKey string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return ErrNotConnected
	}
	if ex, ok := t.exchanges[exchangeName]; ok {
		delete(ex.bindings, binding{queue: queueName, routingKey: routingKey})
	}
	return nil
}

// Publish routes env to every queue bound to exchange with a matching key.
// Unroutable messages are dropped.
func (t *Transport) Publish(ctx context.Context, exchangeName, routingKey string, env contracts.Envelope) error {
	targets, err := t.route(exchangeName, routingKey)
	if err != nil {
		return err
	}

	for _, q := range targets {
		d := contracts.Delivery{
			Envelope:   env,
			Exchange:   exchangeName,
			Queue:      q.spec.Name,
			RoutingKey: routingKey,
		}
		select {
		case q.messages <- d:
		case <-q.deleted:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(targets) == 0 {
		t.logger.Debug("message unroutable, dropping",
			"exchange", exchangeName,
			"routingKey", routingKey,
		)
	}
	return nil
}

func (t *Transport) route(exchangeName, routingKey string) ([]*queue, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.connected {
		return nil, ErrNotConnected
	}
	ex, ok := t.exchanges[exchangeName]
	if !ok {
		return nil, fmt.Errorf("%w: exchange %s", ErrNotFound, exchangeName)
	}

	seen := make(map[string]bool)
	var targets []*queue
	for b := range ex.bindings {
		if seen[b.queue] || !routes(ex.spec.Kind, b.routingKey, routingKey) {
			continue
		}
		if q, ok := t.queues[b.queue]; ok {
			seen[b.queue] = true
			targets = append(targets, q)
		}
	}
	return targets, nil
}

// Consume starts delivering messages from queue to handler. Several
// consumers on one queue compete for its messages.
func (t *Transport) Consume(ctx context.Context, queueName string, handler messaging.DeliveryHandler) (messaging.Consumer, error) {
	if handler == nil {
		return nil, errors.New("memory: handler cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, ErrNotConnected
	}
	q, ok := t.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: queue %s", ErrNotFound, queueName)
	}

	c := &consumer{
		tag:       uuid.NewString(),
		transport: t,
		queue:     q,
		handler:   handler,
		done:      make(chan struct{}),
	}
	q.consumers[c.tag] = c
	go c.run()

	return c, nil
}

// DeleteQueue deletes a queue and its bindings. Deleting a missing queue
// succeeds.
func (t *Transport) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return ErrNotConnected
	}
	q, ok := t.queues[name]
	if !ok {
		return nil
	}
	if ifUnused && len(q.consumers) > 0 {
		return fmt.Errorf("%w: queue %s has %d consumers", ErrPreconditionFailed, name, len(q.consumers))
	}
	if ifEmpty && len(q.messages) > 0 {
		return fmt.Errorf("%w: queue %s has %d messages", ErrPreconditionFailed, name, len(q.messages))
	}

	for _, c := range q.consumers {
		c.stop()
	}
	for _, ex := range t.exchanges {
		for b := range ex.bindings {
			if b.queue == name {
				delete(ex.bindings, b)
			}
		}
	}
	close(q.deleted)
	delete(t.queues, name)
	return nil
}

// DeleteExchange deletes an exchange. Deleting a missing exchange succeeds.
func (t *Transport) DeleteExchange(ctx context.Context, name string, ifUnused bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return ErrNotConnected
	}
	ex, ok := t.exchanges[name]
	if !ok {
		return nil
	}
	if ifUnused && len(ex.bindings) > 0 {
		return fmt.Errorf("%w: exchange %s has %d bindings", ErrPreconditionFailed, name, len(ex.bindings))
	}

	delete(t.exchanges, name)
	return nil
}

// QueueDepth returns the number of messages waiting in a queue
func (t *Transport) QueueDepth(name string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if q, ok := t.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// HasQueue reports whether a queue exists
func (t *Transport) HasQueue(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.queues[name]
	return ok
}

// HasExchange reports whether an exchange exists
func (t *Transport) HasExchange(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.exchanges[name]
	return ok
}

// HasBinding reports whether queue is bound to exchange under routingKey
func (t *Transport) HasBinding(queueName, exchangeName, routingKey string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ex, ok := t.exchanges[exchangeName]
	if !ok {
		return false
	}
	_, ok = ex.bindings[binding{queue: queueName, routingKey: routingKey}]
	return ok
}

type consumer struct {
	tag       string
	transport *Transport
	queue     *queue
	handler   messaging.DeliveryHandler
	done      chan struct{}
	once      sync.Once
}

func (c *consumer) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-c.done:
			return
		case <-c.queue.deleted:
			return
		case d := <-c.queue.messages:
			select {
			case <-c.done:
				c.requeue(d)
				return
			default:
			}
			if err := c.handler(ctx, d); err != nil {
				c.transport.logger.Warn("delivery handler failed",
					"queue", d.Queue,
					"error", err,
				)
			}
		}
	}
}

// requeue hands a message taken after cancellation back to the queue
func (c *consumer) requeue(d contracts.Delivery) {
	select {
	case c.queue.messages <- d:
	default:
		c.transport.logger.Warn("queue full, dropping message taken by a cancelled consumer", "queue", d.Queue)
	}
}

// stop ends the delivery loop
func (c *consumer) stop() {
	c.once.Do(func() { close(c.done) })
}

// Cancel stops the consumer. A handler already running finishes on its own.
func (c *consumer) Cancel() error {
	c.transport.mu.Lock()
	delete(c.queue.consumers, c.tag)
	c.transport.mu.Unlock()

	c.stop()
	return nil
}
