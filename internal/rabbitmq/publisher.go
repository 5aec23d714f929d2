package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages on pooled channels and waits for broker
// confirms
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	retryDelay     time.Duration
	maxRetries     int
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithRetryDelay sets the delay before the first retry. It grows linearly
// with each attempt.
func WithRetryDelay(delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the publisher logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		retryDelay:     time.Second,
		maxRetries:     3,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a message and waits for its confirm. Failures that may
// pass are retried.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * p.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			p.logger.Warn("retrying publish",
				"exchange", exchange,
				"routingKey", routingKey,
				"attempt", attempt+1,
				"error", lastErr,
			)
		}

		attempts++
		err := p.publishWithConfirm(ctx, exchange, routingKey, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Attempts:   attempts,
		Err:        lastErr,
		Timestamp:  time.Now(),
	}
}

// publishWithConfirm publishes a single message and waits for its confirm
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.pool.Execute(ctx, func(ch *PooledChannel) error {
		if err := ch.enableConfirms(); err != nil {
			return err
		}

		confirm, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			exchange,
			routingKey,
			false, // mandatory
			false, // immediate
			msg,
		)
		if err != nil {
			return err
		}

		waitCtx := ctx
		if p.confirmTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
			defer cancel()
		}

		acked, err := confirm.WaitContext(waitCtx)
		if err != nil {
			if ctx.Err() == nil {
				// Only the confirm wait timed out. The channel may still
				// deliver a late confirm, so it is not reused.
				return ErrPublishNotConfirmed
			}
			return err
		}
		if !acked {
			return ErrPublishNotConfirmed
		}
		return nil
	})
}
