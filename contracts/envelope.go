package contracts

// DeliveryMode controls whether the broker persists a message.
type DeliveryMode uint8

const (
	// Transient messages are kept in memory only (AMQP delivery mode 1)
	Transient DeliveryMode = 1
	// Persistent messages are written to disk by the broker (AMQP delivery mode 2)
	Persistent DeliveryMode = 2
)

// String returns the delivery mode name
func (m DeliveryMode) String() string {
	switch m {
	case Transient:
		return "transient"
	case Persistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// Envelope wraps a serialized message for transport
type Envelope struct {
	Body          []byte
	Type          string
	ContentType   string
	CorrelationID string
	ReplyTo       string
	DeliveryMode  DeliveryMode
	Headers       map[string]interface{}
}

// HasType reports whether the type-name header is present
func (e Envelope) HasType() bool {
	return e.Type != ""
}

// HasCorrelationID reports whether the correlation id header is present
func (e Envelope) HasCorrelationID() bool {
	return e.CorrelationID != ""
}

// Delivery is an envelope received from a queue
type Delivery struct {
	Envelope
	Exchange   string
	Queue      string
	RoutingKey string
}

// Source returns a short "[exchange/queue]" prefix for log lines
func (d Delivery) Source() string {
	return "[" + d.Exchange + "/" + d.Queue + "]"
}
