// Package rabbitmq provides the messaging.Transport backed by a RabbitMQ
// broker over AMQP 0-9-1.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/xbus/contracts"
	"github.com/glimte/xbus/internal/rabbitmq"
	"github.com/glimte/xbus/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by operations on a transport that is not
// connected
var ErrNotConnected = errors.New("rabbitmq: transport is not connected")

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Logger               *slog.Logger
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	ChannelPoolSize      int
	PrefetchCount        int
	PublishRetries       int
	ConfirmTimeout       time.Duration
	EnableFIFO           bool
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ReconnectDelay = delay
	}
}

// WithMaxReconnectAttempts bounds reconnection. A negative value retries
// forever.
func WithMaxReconnectAttempts(attempts int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.MaxReconnectAttempts = attempts
	}
}

// WithChannelPoolSize sets how many channels topology and publishing share
func WithChannelPoolSize(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolSize = size
	}
}

// WithPrefetchCount sets the per-consumer prefetch
func WithPrefetchCount(count int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PrefetchCount = count
	}
}

// WithPublishRetries sets how often a failed publish is retried
func WithPublishRetries(retries int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublishRetries = retries
	}
}

// WithConfirmTimeout sets how long a publish waits for its broker confirm
func WithConfirmTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConfirmTimeout = timeout
	}
}

// WithFIFOMode declares shared queues with a single active consumer so
// messages are processed in publish order
func WithFIFOMode(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.EnableFIFO = enabled
	}
}

// session is the broker plumbing of one Connect
type session struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
}

// Transport implements messaging.Transport for RabbitMQ. It remembers what it
// declared so that consumers can restore their queues after a reconnect.
type Transport struct {
	url    string
	cfg    TransportConfig
	logger *slog.Logger

	mu      sync.RWMutex
	session *session

	declared *declarations
}

// NewTransport creates a disconnected transport for the broker at url
func NewTransport(url string, options ...TransportOption) *Transport {
	cfg := TransportConfig{
		Logger:               slog.Default(),
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: -1,
		ChannelPoolSize:      10,
		PrefetchCount:        10,
		PublishRetries:       3,
		ConfirmTimeout:       5 * time.Second,
	}

	for _, opt := range options {
		opt(&cfg)
	}

	return &Transport{
		url:      url,
		cfg:      cfg,
		logger:   cfg.Logger.With("transport", "rabbitmq"),
		declared: newDeclarations(),
	}
}

// Connect dials the broker. Connecting a connected transport is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		return nil
	}

	manager := rabbitmq.NewConnectionManager(t.url,
		rabbitmq.WithLogger(t.logger),
		rabbitmq.WithReconnectDelay(t.cfg.ReconnectDelay),
		rabbitmq.WithMaxRetries(t.cfg.MaxReconnectAttempts),
	)
	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithMaxSize(t.cfg.ChannelPoolSize),
		rabbitmq.WithChannelLogger(t.logger),
	)
	if err != nil {
		_ = manager.Close()
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	t.session = &session{
		manager: manager,
		pool:    pool,
		publisher: rabbitmq.NewPublisher(pool,
			rabbitmq.WithPublishRetries(t.cfg.PublishRetries),
			rabbitmq.WithConfirmTimeout(t.cfg.ConfirmTimeout),
			rabbitmq.WithPublisherLogger(t.logger),
		),
		consumer: rabbitmq.NewConsumer(manager,
			rabbitmq.WithPrefetchCount(t.cfg.PrefetchCount),
			rabbitmq.WithResubscribeDelay(t.cfg.ReconnectDelay),
			rabbitmq.WithRecover(t.restore),
			rabbitmq.WithConsumerLogger(t.logger),
		),
		topology: rabbitmq.NewTopologyManager(pool),
	}
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session != nil && t.session.manager.IsConnected()
}

// Close stops all consumers and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	s := t.session
	t.session = nil
	t.mu.Unlock()

	if s == nil {
		return nil
	}

	s.consumer.CancelAll()
	if err := s.pool.Close(); err != nil {
		t.logger.Warn("failed to close channel pool", "error", err)
	}
	t.declared.reset()
	return s.manager.Close()
}

func (t *Transport) current() (*session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.session == nil {
		return nil, ErrNotConnected
	}
	return t.session, nil
}

// DeclareExchange creates an exchange if it doesn't exist
func (t *Transport) DeclareExchange(ctx context.Context, spec messaging.ExchangeSpec) error {
	s, err := t.current()
	if err != nil {
		return err
	}

	decl, err := exchangeDeclaration(spec)
	if err != nil {
		return err
	}
	if err := s.topology.DeclareExchange(ctx, decl); err != nil {
		return err
	}
	t.declared.addExchange(decl)
	return nil
}

// DeclareQueue creates a queue if it doesn't exist
func (t *Transport) DeclareQueue(ctx context.Context, spec messaging.QueueSpec) error {
	s, err := t.current()
	if err != nil {
		return err
	}

	decl := t.queueDeclaration(spec)
	if _, err := s.topology.DeclareQueue(ctx, decl); err != nil {
		return err
	}
	t.declared.addQueue(decl)
	return nil
}

// BindQueue routes messages matching routingKey from exchange to queue
func (t *Transport) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	s, err := t.current()
	if err != nil {
		return err
	}

	b := rabbitmq.Binding{Queue: queue, Exchange: exchange, RoutingKey: routingKey}
	if err := s.topology.BindQueue(ctx, b); err != nil {
		return err
	}
	t.declared.addBinding(b)
	return nil
}

// UnbindQueue removes a binding
func (t *Transport) UnbindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	s, err := t.current()
	if err != nil {
		return err
	}

	b := rabbitmq.Binding{Queue: queue, Exchange: exchange, RoutingKey: routingKey}
	t.declared.removeBinding(b)
	return s.topology.UnbindQueue(ctx, b)
}

// Publish sends an envelope to an exchange and waits for the broker confirm
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, env contracts.Envelope) error {
	s, err := t.current()
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, exchange, routingKey, toPublishing(env))
}

// Consume starts delivering messages from queue to handler
func (t *Transport) Consume(ctx context.Context, queue string, handler messaging.DeliveryHandler) (messaging.Consumer, error) {
	if handler == nil {
		return nil, errors.New("rabbitmq: handler cannot be nil")
	}
	s, err := t.current()
	if err != nil {
		return nil, err
	}

	sub, err := s.consumer.Subscribe(ctx, queue, func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, fromDelivery(d, queue))
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// DeleteQueue deletes a queue
func (t *Transport) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error {
	s, err := t.current()
	if err != nil {
		return err
	}
	if err := s.topology.DeleteQueue(ctx, name, ifUnused, ifEmpty); err != nil {
		return err
	}
	t.declared.removeQueue(name)
	return nil
}

// DeleteExchange deletes an exchange
func (t *Transport) DeleteExchange(ctx context.Context, name string, ifUnused bool) error {
	s, err := t.current()
	if err != nil {
		return err
	}
	if err := s.topology.DeleteExchange(ctx, name, ifUnused); err != nil {
		return err
	}
	t.declared.removeExchange(name)
	return nil
}

// restore declares queue again together with its bindings and the exchanges
// they point at. Exclusive and auto-delete queues vanish with the old
// connection.
func (t *Transport) restore(ctx context.Context, queue string) error {
	s, err := t.current()
	if err != nil {
		return err
	}

	decl, bindings, ok := t.declared.queue(queue)
	if !ok {
		return nil
	}

	for _, b := range bindings {
		if ex, ok := t.declared.exchange(b.Exchange); ok {
			if err := s.topology.DeclareExchange(ctx, ex); err != nil {
				return err
			}
		}
	}
	if _, err := s.topology.DeclareQueue(ctx, decl); err != nil {
		return err
	}
	for _, b := range bindings {
		if err := s.topology.BindQueue(ctx, b); err != nil {
			return err
		}
	}

	t.logger.Info("queue restored", "queue", queue, "bindings", len(bindings))
	return nil
}

func exchangeDeclaration(spec messaging.ExchangeSpec) (rabbitmq.ExchangeDeclaration, error) {
	switch spec.Kind {
	case messaging.ExchangeTopic, messaging.ExchangeDirect, messaging.ExchangeFanout:
	default:
		return rabbitmq.ExchangeDeclaration{}, fmt.Errorf("%w: unsupported exchange kind %q", rabbitmq.ErrInvalidConfiguration, spec.Kind)
	}

	return rabbitmq.ExchangeDeclaration{
		Name:       spec.Name,
		Type:       spec.Kind,
		Durable:    spec.Durable,
		AutoDelete: spec.AutoDelete,
	}, nil
}

func (t *Transport) queueDeclaration(spec messaging.QueueSpec) rabbitmq.QueueDeclaration {
	args := amqp.Table(spec.Arguments())
	if t.cfg.EnableFIFO && !spec.Exclusive {
		args["x-single-active-consumer"] = true
	}
	if len(args) == 0 {
		args = nil
	}

	return rabbitmq.QueueDeclaration{
		Name:       spec.Name,
		Durable:    spec.Durable,
		AutoDelete: spec.AutoDelete,
		Exclusive:  spec.Exclusive,
		Arguments:  args,
	}
}

func toPublishing(env contracts.Envelope) amqp.Publishing {
	mode := uint8(env.DeliveryMode)
	if mode != amqp.Persistent {
		mode = amqp.Transient
	}

	msg := amqp.Publishing{
		ContentType:   env.ContentType,
		Type:          env.Type,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		DeliveryMode:  mode,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Body:          env.Body,
	}

	if len(env.Headers) > 0 {
		msg.Headers = make(amqp.Table, len(env.Headers))
		for k, v := range env.Headers {
			msg.Headers[k] = v
		}
	}

	return msg
}

func fromDelivery(d amqp.Delivery, queue string) contracts.Delivery {
	env := contracts.Envelope{
		Body:          d.Body,
		Type:          d.Type,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		DeliveryMode:  contracts.DeliveryMode(d.DeliveryMode),
	}

	if len(d.Headers) > 0 {
		env.Headers = make(map[string]interface{}, len(d.Headers))
		for k, v := range d.Headers {
			env.Headers[k] = v
		}
	}

	return contracts.Delivery{
		Envelope:   env,
		Exchange:   d.Exchange,
		Queue:      queue,
		RoutingKey: d.RoutingKey,
	}
}

// Config returns the transport settings
func (t *Transport) Config() TransportConfig {
	return t.cfg
}
