package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// RecoverFunc restores what a queue needs before consuming resumes after a
// reconnect, typically by declaring it and its bindings again
type RecoverFunc func(ctx context.Context, queue string) error

// Consumer starts queue subscriptions, each on its own channel. Every
// delivery is acknowledged after its handler returns, whatever the result.
type Consumer struct {
	manager          *ConnectionManager
	prefetchCount    int
	resubscribeDelay time.Duration
	restore          RecoverFunc
	logger           *slog.Logger
	active           sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithResubscribeDelay sets the pause between attempts to resume a
// subscription whose channel was lost
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribeDelay = delay
	}
}

// WithRecover sets the hook run before a lost subscription resumes
func WithRecover(fn RecoverFunc) ConsumerOption {
	return func(c *Consumer) {
		c.restore = fn
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:          manager,
		prefetchCount:    10,
		resubscribeDelay: time.Second,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is a running queue consumer
type Subscription struct {
	consumer *Consumer
	queue    string
	tag      string
	handler  MessageHandler
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	channel *amqp.Channel
}

// Subscribe starts consuming messages from queue. The subscription outlives
// ctx and runs until cancelled or the connection manager is closed.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrInvalidConfiguration)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		consumer: c,
		queue:    queue,
		tag:      "xbus-" + uuid.NewString(),
		handler:  handler,
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	deliveries, err := s.open()
	if err != nil {
		cancel()
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: s.tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	c.active.Store(s.tag, s)
	go s.run(deliveries)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", s.tag,
		"prefetchCount", c.prefetchCount,
	)

	return s, nil
}

// Active returns the number of running subscriptions
func (c *Consumer) Active() int {
	n := 0
	c.active.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// CancelAll stops every subscription
func (c *Consumer) CancelAll() {
	c.active.Range(func(_, value interface{}) bool {
		_ = value.(*Subscription).Cancel()
		return true
	})
}

// Queue returns the consumed queue
func (s *Subscription) Queue() string {
	return s.queue
}

// Tag returns the consumer tag
func (s *Subscription) Tag() string {
	return s.tag
}

// Done is closed once the subscription has stopped
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the subscription. A handler already running finishes on its
// own and unacknowledged prefetched messages return to the queue.
func (s *Subscription) Cancel() error {
	s.cancel()
	s.consumer.active.Delete(s.tag)
	return nil
}

// open starts consuming on a fresh channel
func (s *Subscription) open() (<-chan amqp.Delivery, error) {
	conn, err := s.consumer.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelCreationFailed, err)
	}

	if err := ch.Qos(s.consumer.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		s.queue,
		s.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	return deliveries, nil
}

func (s *Subscription) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
}

func (s *Subscription) run(deliveries <-chan amqp.Delivery) {
	defer func() {
		s.closeChannel()
		s.consumer.active.Delete(s.tag)
		close(s.done)
		s.consumer.logger.Info("consumer stopped", "queue", s.queue, "consumerTag", s.tag)
	}()

	for deliveries != nil {
		if !s.consume(deliveries) {
			return
		}
		deliveries = s.resume()
	}
}

// consume handles deliveries until the subscription is cancelled, which
// returns false, or the channel is lost, which returns true
func (s *Subscription) consume(deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-s.ctx.Done():
			return false

		case d, ok := <-deliveries:
			if !ok {
				if s.ctx.Err() != nil {
					return false
				}
				s.consumer.logger.Warn("delivery channel closed", "queue", s.queue)
				return true
			}
			s.handle(d)
		}
	}
}

func (s *Subscription) handle(d amqp.Delivery) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in message handler: %v", r)
			}
		}()
		return s.handler(s.ctx, d)
	}()
	if err != nil {
		s.consumer.logger.Error("failed to handle message",
			"error", err,
			"queue", s.queue,
			"messageType", d.Type,
			"correlationId", d.CorrelationId,
		)
	}

	if ackErr := d.Ack(false); ackErr != nil {
		s.consumer.logger.Error("failed to ack message", "error", ackErr, "queue", s.queue)
	}
}

// resume reopens a lost subscription. It returns nil when the subscription
// is cancelled or the connection manager is closed first.
func (s *Subscription) resume() <-chan amqp.Delivery {
	s.closeChannel()
	closed := s.consumer.manager.Closed()

	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(s.consumer.resubscribeDelay):
		case <-s.ctx.Done():
			return nil
		case <-closed:
			return nil
		}

		if !s.consumer.manager.IsConnected() {
			continue
		}

		if s.consumer.restore != nil {
			if err := s.consumer.restore(s.ctx, s.queue); err != nil {
				s.consumer.logger.Warn("failed to restore queue", "queue", s.queue, "attempt", attempt, "error", err)
				continue
			}
		}

		deliveries, err := s.open()
		if err != nil {
			s.consumer.logger.Warn("failed to resume consumer", "queue", s.queue, "attempt", attempt, "error", err)
			continue
		}

		s.consumer.logger.Info("consumer resumed", "queue", s.queue, "attempts", attempt)
		return deliveries
	}
}
