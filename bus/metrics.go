package bus

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Channel labels
const (
	channelEvent       = "event"
	channelCommand     = "command"
	channelRpcRequest  = "rpc_request"
	channelRpcResponse = "rpc_response"
)

// Metrics holds the bus Prometheus collectors
type Metrics struct {
	published      *prometheus.CounterVec
	received       *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	topologyErrors *prometheus.CounterVec
	pendingCalls   prometheus.Gauge
	rpcDuration    *prometheus.HistogramVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xbus",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors and registers them. Collectors already
// registered by another connection are reused.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		published:      newCounterVec("messages_published_total", "Messages published by channel", []string{"channel"}),
		received:       newCounterVec("messages_received_total", "Messages dispatched by channel and outcome", []string{"channel", "outcome"}),
		dropped:        newCounterVec("messages_dropped_total", "Inbound messages dropped before dispatch", []string{"channel", "reason"}),
		topologyErrors: newCounterVec("transport_errors_total", "Failed transport calls by operation", []string{"operation"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xbus",
			Subsystem: "rpc",
			Name:      "pending_calls",
			Help:      "Outstanding RPC calls",
		}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xbus",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC call duration from send to teardown",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	m.published = register(registerer, m.published)
	m.received = register(registerer, m.received)
	m.dropped = register(registerer, m.dropped)
	m.topologyErrors = register(registerer, m.topologyErrors)
	m.pendingCalls = register(registerer, m.pendingCalls)
	m.rpcDuration = register(registerer, m.rpcDuration)

	return m
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) C {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) messagePublished(channel string) {
	m.published.WithLabelValues(channel).Inc()
}

func (m *Metrics) messageReceived(channel, outcome string) {
	m.received.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) messageDropped(channel, reason string) {
	m.dropped.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) topologyError(operation string) {
	m.topologyErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) callStarted() {
	m.pendingCalls.Inc()
}

func (m *Metrics) callFinished(outcome string, elapsed time.Duration) {
	m.pendingCalls.Dec()
	m.rpcDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
