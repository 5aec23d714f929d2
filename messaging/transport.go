package messaging

import (
	"context"
	"time"

	"github.com/glimte/xbus/contracts"
)

// Exchange kinds understood by the transports
const (
	ExchangeTopic  = "topic"
	ExchangeDirect = "direct"
	ExchangeFanout = "fanout"
)

// ExchangeSpec describes an exchange to declare
type ExchangeSpec struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
}

// QueueSpec describes a queue to declare. Zero durations leave the
// corresponding broker argument unset.
type QueueSpec struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	MessageTTL time.Duration
	Expires    time.Duration
}

// Arguments returns the broker arguments for the queue
func (q QueueSpec) Arguments() map[string]interface{} {
	args := make(map[string]interface{})
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = q.MessageTTL.Milliseconds()
	}
	if q.Expires > 0 {
		args["x-expires"] = q.Expires.Milliseconds()
	}
	return args
}

// DeliveryHandler processes one inbound delivery. Deliveries are acknowledged
// whatever the handler returns; the error is only reported.
type DeliveryHandler func(ctx context.Context, d contracts.Delivery) error

// Consumer is a running queue consumer
type Consumer interface {
	// Cancel stops the consumer. In-flight handlers finish first.
	Cancel() error
}

// Transport is the set of broker capabilities the bus relies on
type Transport interface {
	// Connect establishes the broker connection
	Connect(ctx context.Context) error

	// IsConnected returns connection status
	IsConnected() bool

	// Close closes all resources
	Close() error

	// DeclareExchange creates an exchange if it doesn't exist
	DeclareExchange(ctx context.Context, spec ExchangeSpec) error

	// DeclareQueue creates a queue if it doesn't exist
	DeclareQueue(ctx context.Context, spec QueueSpec) error

	// BindQueue routes messages matching routingKey from exchange to queue
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	// UnbindQueue removes a binding
	UnbindQueue(ctx context.Context, queue, exchange, routingKey string) error

	// Publish sends an envelope to an exchange
	Publish(ctx context.Context, exchange, routingKey string, env contracts.Envelope) error

	// Consume starts delivering messages from queue to handler
	Consume(ctx context.Context, queue string, handler DeliveryHandler) (Consumer, error)

	// DeleteQueue deletes a queue
	DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error

	// DeleteExchange deletes an exchange
	DeleteExchange(ctx context.Context, name string, ifUnused bool) error
}
