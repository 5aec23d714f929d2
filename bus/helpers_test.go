package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/xbus/contracts"
	"github.com/glimte/xbus/messaging"
	"github.com/glimte/xbus/serialization"
	"github.com/glimte/xbus/transports/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// Test message types
type ping struct {
	N int `json:"n"`
}

type pong struct {
	N int `json:"n"`
}

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

func (orderPlaced) MessageName() string { return "orders.placed" }

type shipOrder struct {
	OrderID string `json:"orderId"`
}

func (*shipOrder) MessageName() string { return "orders.ship" }

var errInjected = errors.New("injected transport failure")

// recordingTransport counts calls to the in-memory broker and can fail or
// slow down selected operations
type recordingTransport struct {
	*memory.Transport

	mu       sync.Mutex
	calls    map[string]int
	failing  map[string]error
	delay    time.Duration
	keepOpen bool
}

func newRecordingTransport() *recordingTransport {
	return wrapTransport(memory.NewTransport(memory.WithLogger(quietLogger())))
}

func wrapTransport(broker *memory.Transport) *recordingTransport {
	return &recordingTransport{
		Transport: broker,
		calls:     make(map[string]int),
		failing:   make(map[string]error),
	}
}

func (r *recordingTransport) record(op string) error {
	r.mu.Lock()
	r.calls[op]++
	err := r.failing[op]
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (r *recordingTransport) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *recordingTransport) slowDown(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = delay
}

func (r *recordingTransport) fail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failing, op)
		return
	}
	r.failing[op] = err
}

func (r *recordingTransport) DeclareExchange(ctx context.Context, spec messaging.ExchangeSpec) error {
	if err := r.record("declare_exchange"); err != nil {
		return err
	}
	return r.Transport.DeclareExchange(ctx, spec)
}

func (r *recordingTransport) DeclareQueue(ctx context.Context, spec messaging.QueueSpec) error {
	if err := r.record("declare_queue"); err != nil {
		return err
	}
	return r.Transport.DeclareQueue(ctx, spec)
}

func (r *recordingTransport) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := r.record("bind"); err != nil {
		return err
	}
	return r.Transport.BindQueue(ctx, queue, exchange, routingKey)
}

func (r *recordingTransport) UnbindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := r.record("unbind"); err != nil {
		return err
	}
	return r.Transport.UnbindQueue(ctx, queue, exchange, routingKey)
}

func (r *recordingTransport) Publish(ctx context.Context, exchange, routingKey string, env contracts.Envelope) error {
	if err := r.record("publish"); err != nil {
		return err
	}
	return r.Transport.Publish(ctx, exchange, routingKey, env)
}

func (r *recordingTransport) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error {
	if err := r.record("delete_queue"); err != nil {
		return err
	}
	return r.Transport.DeleteQueue(ctx, name, ifUnused, ifEmpty)
}

// Close leaves a shared broker running for the other connections
func (r *recordingTransport) Close() error {
	r.record("close")
	if r.keepOpen {
		return nil
	}
	return r.Transport.Close()
}

func (r *recordingTransport) DeleteExchange(ctx context.Context, name string, ifUnused bool) error {
	if err := r.record("delete_exchange"); err != nil {
		return err
	}
	return r.Transport.DeleteExchange(ctx, name, ifUnused)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, options ...Option) *Config {
	t.Helper()

	base := []Option{
		WithConnectionString("memory://"),
		WithLogger(quietLogger()),
		WithMetricsRegisterer(prometheus.NewRegistry()),
		WithMessageTypes(
			serialization.Type[ping](),
			serialization.Type[pong](),
			serialization.NamedType[orderPlaced]("order.placed"),
			serialization.NamedType[shipOrder]("order.ship"),
		),
	}
	cfg, err := NewConfig(append(base, options...)...)
	require.NoError(t, err)
	return cfg
}

// newTestConnection returns an unconnected connection over a recording
// in-memory broker
func newTestConnection(t *testing.T, options ...Option) (*Connection, *recordingTransport) {
	t.Helper()

	transport := newRecordingTransport()
	conn, err := New(testConfig(t, options...), transport)
	require.NoError(t, err)
	return conn, transport
}

// connectedPair returns two connected clients of one broker
func connectedPair(t *testing.T) (*Connection, *Connection, *memory.Transport) {
	t.Helper()

	broker := memory.NewTransport(memory.WithLogger(quietLogger()))
	firstTransport := wrapTransport(broker)
	firstTransport.keepOpen = true
	secondTransport := wrapTransport(broker)
	secondTransport.keepOpen = true

	first, err := New(testConfig(t), firstTransport)
	require.NoError(t, err)
	second, err := New(testConfig(t), secondTransport)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, first.Connect(ctx))
	require.NoError(t, second.Connect(ctx))
	t.Cleanup(func() {
		_ = second.Close(ctx)
		_ = first.Close(ctx)
		_ = broker.Close()
	})
	return first, second, broker
}

func connect(t *testing.T, options ...Option) (*Connection, *recordingTransport) {
	t.Helper()

	conn, transport := newTestConnection(t, options...)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn, transport
}
