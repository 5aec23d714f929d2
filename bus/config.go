package bus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/glimte/xbus/contracts"
	"github.com/glimte/xbus/serialization"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Environment variables read by ConfigFromEnv
const (
	EnvURL               = "XBUS_URL"
	EnvEventQueueTimeout = "XBUS_EVENT_QUEUE_TIMEOUT"
	EnvRpcQueueTimeout   = "XBUS_RPC_QUEUE_TIMEOUT"
	EnvRpcRequestTimeout = "XBUS_RPC_REQUEST_TIMEOUT"
	EnvReconnectInterval = "XBUS_RECONNECT_INTERVAL"
	EnvConnectTimeout    = "XBUS_CONNECT_TIMEOUT"
)

var validate = validator.New()

// Timeouts holds the bus timeouts in seconds
type Timeouts struct {
	// EventQueueTimeout is how long an unused event queue survives
	EventQueueTimeout int `validate:"gte=0"`
	// RpcQueueTimeout is how long an unused RPC reply queue survives
	RpcQueueTimeout int `validate:"gte=0"`
	// RpcRequestTimeout is the deadline for each RPC reply
	RpcRequestTimeout int `validate:"gt=0"`
	// ReconnectInterval is the pause between broker reconnection attempts
	ReconnectInterval int `validate:"gte=0"`
	// ConnectTimeout bounds the initial connection; 0 disables it
	ConnectTimeout int `validate:"gte=0"`
}

// DefaultTimeouts returns 300/300/60/3/0
func DefaultTimeouts() Timeouts {
	return Timeouts{
		EventQueueTimeout: 300,
		RpcQueueTimeout:   300,
		RpcRequestTimeout: 60,
		ReconnectInterval: 3,
		ConnectTimeout:    0,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// EventQueue returns EventQueueTimeout as a duration
func (t Timeouts) EventQueue() time.Duration { return seconds(t.EventQueueTimeout) }

// RpcQueue returns RpcQueueTimeout as a duration
func (t Timeouts) RpcQueue() time.Duration { return seconds(t.RpcQueueTimeout) }

// RpcRequest returns RpcRequestTimeout as a duration
func (t Timeouts) RpcRequest() time.Duration { return seconds(t.RpcRequestTimeout) }

// Reconnect returns ReconnectInterval as a duration
func (t Timeouts) Reconnect() time.Duration { return seconds(t.ReconnectInterval) }

// Connect returns ConnectTimeout as a duration
func (t Timeouts) Connect() time.Duration { return seconds(t.ConnectTimeout) }

// Endpoint registers consumers once the connection is established
type Endpoint func(ctx context.Context, c *Connection) error

// Module bundles endpoints with the message types they exchange
type Module interface {
	// Name identifies the module in logs
	Name() string

	// MessageTypes lists the types added to the type registry
	MessageTypes() []serialization.TypeEntry

	// RegisterEndpoints starts the module's consumers
	RegisterEndpoints(ctx context.Context, c *Connection) error
}

// Config is the bus configuration. It is immutable once NewConfig returns.
type Config struct {
	connectionString string
	timeouts         Timeouts
	names            Names
	clientID         string
	types            []serialization.TypeEntry
	resolver         serialization.TypeResolver
	codec            serialization.Codec
	endpoints        []Endpoint
	modules          []Module
	logger           *slog.Logger
	registerer       prometheus.Registerer
	serializer       *serialization.Serializer
}

// Option configures the bus
type Option func(*Config)

// WithConnectionString sets the broker URL
func WithConnectionString(url string) Option {
	return func(c *Config) {
		c.connectionString = url
	}
}

// WithTimeouts replaces the default timeouts
func WithTimeouts(timeouts Timeouts) Option {
	return func(c *Config) {
		c.timeouts = timeouts
	}
}

// WithNames overrides the exchange and queue names
func WithNames(names Names) Option {
	return func(c *Config) {
		c.names = names
	}
}

// WithClientID sets the id used to name this connection's reply queue
func WithClientID(id string) Option {
	return func(c *Config) {
		c.clientID = id
	}
}

// WithMessageTypes adds message types to the type registry
func WithMessageTypes(entries ...serialization.TypeEntry) Option {
	return func(c *Config) {
		c.types = append(c.types, entries...)
	}
}

// WithTypeResolver replaces the registry built from WithMessageTypes
func WithTypeResolver(resolver serialization.TypeResolver) Option {
	return func(c *Config) {
		c.resolver = resolver
	}
}

// WithCodec sets the payload codec
func WithCodec(codec serialization.Codec) Option {
	return func(c *Config) {
		c.codec = codec
	}
}

// WithEndpoints adds endpoint registrations run after Connect
func WithEndpoints(endpoints ...Endpoint) Option {
	return func(c *Config) {
		c.endpoints = append(c.endpoints, endpoints...)
	}
}

// WithModule adds a module and its message types
func WithModule(module Module) Option {
	return func(c *Config) {
		if module != nil {
			c.modules = append(c.modules, module)
		}
	}
}

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetricsRegisterer sets where the bus metrics are registered
func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return func(c *Config) {
		c.registerer = registerer
	}
}

// NewConfig applies options to the defaults and validates the result.
// Missing configuration and duplicate type names fail here.
func NewConfig(options ...Option) (*Config, error) {
	c := &Config{
		timeouts: DefaultTimeouts(),
		names:    DefaultNames(),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.connectionString == "" {
		return nil, fmt.Errorf("%w: connection string", contracts.ErrMissingConfiguration)
	}
	if err := validate.Struct(c.timeouts); err != nil {
		return nil, fmt.Errorf("invalid timeouts: %w", err)
	}
	if err := c.names.validate(); err != nil {
		return nil, err
	}
	if c.clientID == "" {
		c.clientID = uuid.NewString()
	}
	if c.registerer == nil {
		c.registerer = prometheus.DefaultRegisterer
	}

	resolver := c.resolver
	if resolver == nil {
		entries := append([]serialization.TypeEntry(nil), c.types...)
		for _, m := range c.modules {
			entries = append(entries, m.MessageTypes()...)
		}
		registry, err := serialization.NewTypeRegistry(entries...)
		if err != nil {
			return nil, err
		}
		resolver = registry
	}

	serializerOpts := []serialization.SerializerOption{serialization.WithSerializerLogger(c.logger)}
	if c.codec != nil {
		serializerOpts = append(serializerOpts, serialization.WithCodec(c.codec))
	}
	c.serializer = serialization.NewSerializer(resolver, serializerOpts...)

	return c, nil
}

// ConfigFromEnv builds a config from XBUS_* environment variables. Options
// are applied after the environment and win over it.
func ConfigFromEnv(options ...Option) (*Config, error) {
	timeouts := DefaultTimeouts()
	fields := []struct {
		env    string
		target *int
	}{
		{EnvEventQueueTimeout, &timeouts.EventQueueTimeout},
		{EnvRpcQueueTimeout, &timeouts.RpcQueueTimeout},
		{EnvRpcRequestTimeout, &timeouts.RpcRequestTimeout},
		{EnvReconnectInterval, &timeouts.ReconnectInterval},
		{EnvConnectTimeout, &timeouts.ConnectTimeout},
	}

	for _, f := range fields {
		raw := os.Getenv(f.env)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f.env, err)
		}
		*f.target = n
	}

	base := []Option{
		WithConnectionString(os.Getenv(EnvURL)),
		WithTimeouts(timeouts),
	}
	return NewConfig(append(base, options...)...)
}

// ConnectionString returns the broker URL
func (c *Config) ConnectionString() string { return c.connectionString }

// Timeouts returns the configured timeouts
func (c *Config) Timeouts() Timeouts { return c.timeouts }

// Names returns the exchange and queue names
func (c *Config) Names() Names { return c.names }

// ClientID returns the connection's client id
func (c *Config) ClientID() string { return c.clientID }

// Serializer returns the serialization strategy
func (c *Config) Serializer() *serialization.Serializer { return c.serializer }

// Logger returns the configured logger
func (c *Config) Logger() *slog.Logger { return c.logger }

// Endpoints returns a copy of the endpoint registrations
func (c *Config) Endpoints() []Endpoint {
	return append([]Endpoint(nil), c.endpoints...)
}

// Modules returns a copy of the configured modules
func (c *Config) Modules() []Module {
	return append([]Module(nil), c.modules...)
}
