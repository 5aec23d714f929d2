package bus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/xbus/contracts"
	"github.com/glimte/xbus/messaging"
	"github.com/glimte/xbus/serialization"
	"github.com/google/uuid"
)

// Connection is the bus endpoint of one process. It owns the topology
// caches, the running consumers and the RPC correlation table.
type Connection struct {
	cfg        *Config
	transport  messaging.Transport
	serializer *serialization.Serializer
	logger     *slog.Logger
	metrics    *Metrics
	names      Names
	rpcTimeout time.Duration

	mu        sync.Mutex
	connected atomic.Bool
	replyQ    Queue

	exchanges  sync.Map // name -> *cacheEntry[Exchange]
	queues     sync.Map // name -> *cacheEntry[Queue]
	bindings   sync.Map // key -> *cacheEntry[Binding]
	consumers  sync.Map // name -> *consumerEntry
	registries sync.Map // name -> *messaging.HandlerRegistry
	pending    sync.Map // correlation id -> *pendingCall
}

// New creates a connection over transport. Call Connect before use.
func New(cfg *Config, transport messaging.Transport) (*Connection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config", contracts.ErrMissingConfiguration)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport", contracts.ErrMissingConfiguration)
	}

	return &Connection{
		cfg:        cfg,
		transport:  transport,
		serializer: cfg.serializer,
		logger:     cfg.logger.With("component", "xbus", "client", cfg.clientID),
		metrics:    NewMetrics(cfg.registerer),
		names:      cfg.names,
		rpcTimeout: cfg.timeouts.RpcRequest(),
	}, nil
}

// Config returns the configuration the connection was built with
func (c *Connection) Config() *Config {
	return c.cfg
}

// ClientID returns the id naming this connection's reply queue
func (c *Connection) ClientID() string {
	return c.cfg.clientID
}

// ReplyQueue returns the name of this connection's RPC reply queue
func (c *Connection) ReplyQueue() string {
	return c.names.ReplyQueueName(c.cfg.clientID)
}

// IsConnected returns connection status
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// Connect establishes the transport session, declares the exchanges, starts
// the RPC reply consumer and runs the endpoint registrations in order.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected.Load() {
		c.mu.Unlock()
		return contracts.ErrAlreadyConnected
	}

	connectCtx := ctx
	if timeout := c.cfg.timeouts.Connect(); timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.transport.Connect(connectCtx); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	c.DeclareExchange(ctx, c.names.EventsExchange)
	c.DeclareExchange(ctx, c.names.CommandsExchange)
	c.DeclareExchange(ctx, c.names.RpcRequestExchange)

	if err := c.startReplyConsumer(ctx); err != nil {
		c.forgetTopology()
		c.mu.Unlock()
		if cerr := c.transport.Close(); cerr != nil {
			c.logger.Warn("failed to close transport after aborted connect", "error", cerr)
		}
		return err
	}

	c.connected.Store(true)
	c.mu.Unlock()

	c.logger.Info("connected to bus", "replyQueue", c.replyQ.Name)

	for i, endpoint := range c.cfg.endpoints {
		if err := endpoint(ctx, c); err != nil {
			c.abort(ctx)
			return fmt.Errorf("endpoint registration %d failed: %w", i, err)
		}
	}
	for _, module := range c.cfg.modules {
		if err := module.RegisterEndpoints(ctx, c); err != nil {
			c.abort(ctx)
			return fmt.Errorf("module %s registration failed: %w", module.Name(), err)
		}
		c.logger.Info("module registered", "module", module.Name())
	}

	return nil
}

func (c *Connection) abort(ctx context.Context) {
	if err := c.Close(ctx); err != nil {
		c.logger.Warn("failed to close connection after aborted connect", "error", err)
	}
}

// Close stops every consumer, finalizes pending RPC calls, deletes the
// cached queues and exchanges best-effort and releases the transport.
// Closing a connection that is not connected returns ErrNotConnected. RPC
// reply and timeout handlers may call it.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Swap(false) {
		return contracts.ErrNotConnected
	}

	c.consumers.Range(func(k, v any) bool {
		c.consumers.Delete(k)
		v.(*consumerEntry).cancel(c.logger)
		return true
	})

	c.pending.Range(func(_, v any) bool {
		v.(*pendingCall).abandon()
		return true
	})

	c.removeAll(ctx)

	c.registries.Range(func(k, _ any) bool {
		c.registries.Delete(k)
		return true
	})

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}

	c.logger.Info("disconnected from bus")
	return nil
}

func (c *Connection) requireConnected() error {
	if !c.connected.Load() {
		return contracts.ErrNotConnected
	}
	return nil
}

// PublishEvent publishes msg on the events exchange with name as routing key
func (c *Connection) PublishEvent(ctx context.Context, name string, msg interface{}) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	exchange, _ := c.DeclareExchange(ctx, c.names.EventsExchange)
	return c.publish(ctx, channelEvent, exchange.Name, name, msg, outboundProps{mode: contracts.Persistent})
}

// PublishCommand publishes msg on the commands exchange with name as routing key
func (c *Connection) PublishCommand(ctx context.Context, name string, msg interface{}) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	exchange, _ := c.DeclareExchange(ctx, c.names.CommandsExchange)
	return c.publish(ctx, channelCommand, exchange.Name, name, msg, outboundProps{mode: contracts.Persistent})
}

// SendRpcResponse publishes a reply for correlationID on the response exchange
func (c *Connection) SendRpcResponse(ctx context.Context, correlationID string, msg interface{}) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	exchange, _ := c.DeclareExchange(ctx, c.names.RpcResponseExchange)
	return c.publish(ctx, channelRpcResponse, exchange.Name, correlationID, msg, outboundProps{
		mode:          contracts.Transient,
		correlationID: correlationID,
	})
}

type outboundProps struct {
	mode          contracts.DeliveryMode
	correlationID string
	replyTo       string
}

func (c *Connection) publish(ctx context.Context, channel, exchange, routingKey string, msg interface{}, props outboundProps) (err error) {
	ctx, span := startPublishSpan(ctx, channel, exchange, routingKey)
	defer func() { endSpan(span, err) }()

	if exchange == "" {
		return fmt.Errorf("cannot publish %s %q: exchange not declared", channel, routingKey)
	}

	typeName, body, err := c.serializer.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s %q: %w", channel, routingKey, err)
	}

	env := contracts.Envelope{
		Body:          body,
		Type:          typeName,
		ContentType:   c.serializer.Codec().ContentType(),
		CorrelationID: props.correlationID,
		ReplyTo:       props.replyTo,
		DeliveryMode:  props.mode,
	}

	if err := c.transport.Publish(ctx, exchange, routingKey, env); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", typeName, exchange, err)
	}

	c.metrics.messagePublished(channel)
	c.logger.Debug("message published",
		"channel", channel,
		"exchange", exchange,
		"routingKey", routingKey,
		"type", typeName,
	)
	return nil
}

// ConsumeEvents subscribes to name with a queue of its own. Every subscriber
// of an event receives a copy.
func (c *Connection) ConsumeEvents(ctx context.Context, name string, registrar messaging.Registrar) (*Subscription, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	queueName := EventQueueName(name, uuid.NewString())
	return c.subscribe(ctx, subscribeSpec{
		channel:   channelEvent,
		consumer:  queueName,
		exchange:  c.names.EventsExchange,
		queue:     Queue{Name: queueName, Durable: true, Expires: c.cfg.timeouts.EventQueue()},
		key:       name,
		ephemeral: true,
	}, registrar)
}

// ConsumeCommands consumes the shared command queue for name
func (c *Connection) ConsumeCommands(ctx context.Context, name string, registrar messaging.Registrar) (*Subscription, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	return c.subscribe(ctx, subscribeSpec{
		channel:  channelCommand,
		consumer: name,
		exchange: c.names.CommandsExchange,
		queue:    Queue{Name: name, Durable: true},
		key:      name,
	}, registrar)
}

// ConsumeRpcRequests consumes the request queue for name. Handlers receive a
// reply func that answers the caller, any number of times.
func (c *Connection) ConsumeRpcRequests(ctx context.Context, name string, registrar messaging.Registrar) (*Subscription, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	return c.subscribe(ctx, subscribeSpec{
		channel:  channelRpcRequest,
		consumer: name,
		exchange: c.names.RpcRequestExchange,
		queue:    Queue{Name: name, Durable: true},
		key:      name,
	}, registrar)
}

type subscribeSpec struct {
	channel   string
	consumer  string
	exchange  string
	queue     Queue
	key       string
	ephemeral bool
}

func (c *Connection) subscribe(ctx context.Context, spec subscribeSpec, registrar messaging.Registrar) (*Subscription, error) {
	entry := &consumerEntry{}
	if _, exists := c.consumers.LoadOrStore(spec.consumer, entry); exists {
		return nil, fmt.Errorf("%w: %s", contracts.ErrConsumerExists, spec.consumer)
	}

	registry, err := c.registry(spec.consumer, registrar)
	if err != nil {
		c.consumers.CompareAndDelete(spec.consumer, entry)
		return nil, err
	}

	exchange, _ := c.DeclareExchange(ctx, spec.exchange)
	queue, ok := c.DeclareQueue(ctx, spec.queue)
	if !ok {
		c.consumers.CompareAndDelete(spec.consumer, entry)
		c.registries.Delete(spec.consumer)
		return nil, fmt.Errorf("failed to declare queue %s", spec.queue.Name)
	}
	binding, _ := c.Bind(ctx, exchange, queue, spec.key)

	var handler messaging.DeliveryHandler
	if spec.channel == channelRpcRequest {
		handler = c.rpcRequestHandler(registry)
	} else {
		handler = c.dispatchHandler(spec.channel, registry)
	}

	consumer, err := c.transport.Consume(ctx, queue.Name, handler)
	if err != nil {
		c.consumers.CompareAndDelete(spec.consumer, entry)
		c.registries.Delete(spec.consumer)
		return nil, fmt.Errorf("failed to consume %s: %w", queue.Name, err)
	}
	entry.set(consumer, c.logger)

	c.logger.Info("consumer started",
		"channel", spec.channel,
		"consumer", spec.consumer,
		"queue", queue.Name,
	)

	sub := &Subscription{
		conn:     c,
		name:     spec.consumer,
		registry: spec.consumer,
		entry:    entry,
	}
	if spec.ephemeral {
		sub.binding = binding
		sub.queue = queue.Name
	}
	return sub, nil
}

// registry creates the handler registry for name and populates it
func (c *Connection) registry(name string, registrar messaging.Registrar) (*messaging.HandlerRegistry, error) {
	registry := messaging.NewHandlerRegistry(messaging.WithRegistryLogger(c.logger))
	if registrar != nil {
		if err := registrar(registry); err != nil {
			return nil, fmt.Errorf("handler registration for %s failed: %w", name, err)
		}
	}
	for _, t := range registry.Types() {
		c.serializer.Observe(t)
	}

	actual, _ := c.registries.LoadOrStore(name, registry)
	return actual.(*messaging.HandlerRegistry), nil
}

// dispatchHandler handles event and command deliveries. Failures never reach
// the publisher.
func (c *Connection) dispatchHandler(channel string, registry *messaging.HandlerRegistry) messaging.DeliveryHandler {
	return func(ctx context.Context, d contracts.Delivery) error {
		if !d.HasType() {
			c.logger.Warn(d.Source()+" message does not contain type header, dropping message",
				"routingKey", d.RoutingKey)
			c.metrics.messageDropped(channel, "missing_type")
			return nil
		}

		t, msg, ok := c.serializer.Decode(d.Type, d.Body)
		if !ok {
			c.logger.Error(d.Source()+" message deserialization failed, dropping message", "type", d.Type)
			c.metrics.messageDropped(channel, "decode")
			return nil
		}

		c.invoke(ctx, channel, d, registry, t, msg, messaging.NoReply)
		return nil
	}
}

// rpcRequestHandler handles RPC requests. The reply func publishes to the
// response exchange keyed by the inbound correlation id.
func (c *Connection) rpcRequestHandler(registry *messaging.HandlerRegistry) messaging.DeliveryHandler {
	return func(ctx context.Context, d contracts.Delivery) error {
		if !c.validateDelivery(channelRpcRequest, d, "") {
			return nil
		}

		t, msg, ok := c.serializer.Decode(d.Type, d.Body)
		if !ok {
			c.logger.Error(d.Source()+" rpc request deserialization failed, dropping message", "type", d.Type)
			c.metrics.messageDropped(channelRpcRequest, "decode")
			return nil
		}

		correlationID := d.CorrelationID
		reply := func(ctx context.Context, resp interface{}) error {
			return c.SendRpcResponse(ctx, correlationID, resp)
		}

		c.invoke(ctx, channelRpcRequest, d, registry, t, msg, reply)
		return nil
	}
}

// validateDelivery checks the headers required on RPC channels
func (c *Connection) validateDelivery(channel string, d contracts.Delivery, expectedCorrelationID string) bool {
	var problem, reason string
	switch {
	case !d.HasType():
		problem, reason = "message does not contain type header", "missing_type"
	case !d.HasCorrelationID():
		problem, reason = "message does not contain correlation id header", "missing_correlation_id"
	case expectedCorrelationID != "" && d.CorrelationID != expectedCorrelationID:
		problem, reason = fmt.Sprintf("correlation id mismatch (expected %q)", expectedCorrelationID), "correlation_mismatch"
	default:
		return true
	}

	c.logger.Error(d.Source()+" invalid message received, dropping message",
		"problem", problem,
		"correlationId", d.CorrelationID,
	)
	c.metrics.messageDropped(channel, reason)
	return false
}

func (c *Connection) invoke(ctx context.Context, channel string, d contracts.Delivery, registry *messaging.HandlerRegistry, t reflect.Type, msg interface{}, reply messaging.ReplyFunc) messaging.DispatchResult {
	ctx, span := startDispatchSpan(ctx, channel, d)

	result := registry.Invoke(ctx, t, msg, reply)

	outcome := "ok"
	switch {
	case !result.Found:
		outcome = "unhandled"
	case !result.OK():
		outcome = "failed"
	}
	c.metrics.messageReceived(channel, outcome)

	if result.OK() {
		endSpan(span, nil)
	} else {
		endSpan(span, result.Err())
	}
	return result
}

// consumerEntry reserves a consumer name until the transport consumer exists
type consumerEntry struct {
	mu        sync.Mutex
	consumer  messaging.Consumer
	cancelled bool
}

func (e *consumerEntry) set(consumer messaging.Consumer, logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consumer = consumer
	if e.cancelled {
		cancelConsumer(consumer, logger)
	}
}

func (e *consumerEntry) cancel(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled {
		return
	}
	e.cancelled = true
	if e.consumer != nil {
		cancelConsumer(e.consumer, logger)
	}
}

func cancelConsumer(consumer messaging.Consumer, logger *slog.Logger) {
	if err := consumer.Cancel(); err != nil {
		logger.Warn("failed to cancel consumer", "error", err)
	}
}

// Subscription is a running consumer started by one of the Consume methods
type Subscription struct {
	conn     *Connection
	name     string
	registry string
	entry    *consumerEntry
	binding  Binding
	queue    string
	once     sync.Once
}

// Name returns the consumer name
func (s *Subscription) Name() string {
	return s.name
}

// Close stops the consumer and drops its handlers. Event subscriptions also
// remove their binding and queue.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		c := s.conn
		ctx := context.Background()

		c.consumers.CompareAndDelete(s.name, s.entry)
		s.entry.cancel(c.logger)

		if !s.binding.IsZero() {
			c.Unbind(ctx, s.binding)
		}
		if s.queue != "" {
			c.removeQueue(ctx, s.queue)
		}
		c.registries.Delete(s.registry)

		c.logger.Info("consumer stopped", "consumer", s.name)
	})
	return nil
}
