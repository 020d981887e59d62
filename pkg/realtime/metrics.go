package realtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/realtime/pkg/protocol"
)

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "realtime").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for publish latency.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "realtime",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics records client activity. A nil *Metrics records nothing.
type Metrics struct {
	connectionTransitions *prometheus.CounterVec
	reconnectAttempts     prometheus.Counter
	framesReceived        *prometheus.CounterVec
	framesSent            *prometheus.CounterVec
	framesDropped         *prometheus.CounterVec
	channelTransitions    *prometheus.CounterVec
	queuedPublishes       prometheus.Gauge
	publishDuration       *prometheus.HistogramVec
}

// NewMetrics registers the client metrics:
//   - realtime_connection_transitions_total{from,to}
//   - realtime_reconnect_attempts_total
//   - realtime_frames_received_total{action}
//   - realtime_frames_sent_total{action}
//   - realtime_frames_dropped_total{reason}
//   - realtime_channel_transitions_total{to}
//   - realtime_queued_publishes
//   - realtime_publish_duration_seconds{result}
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		connectionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connection_transitions_total",
			Help:        "Connection state transitions",
			ConstLabels: config.ConstLabels,
		}, []string{"from", "to"}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "reconnect_attempts_total",
			Help:        "Connection attempts after a disconnect or suspension",
			ConstLabels: config.ConstLabels,
		}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_received_total",
			Help:        "Inbound protocol frames by action",
			ConstLabels: config.ConstLabels,
		}, []string{"action"}),

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_sent_total",
			Help:        "Outbound protocol frames by action",
			ConstLabels: config.ConstLabels,
		}, []string{"action"}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_dropped_total",
			Help:        "Inbound frames dropped as malformed or duplicate",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		channelTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "channel_transitions_total",
			Help:        "Channel state transitions by target state",
			ConstLabels: config.ConstLabels,
		}, []string{"to"}),

		queuedPublishes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queued_publishes",
			Help:        "Publishes waiting for a channel to attach",
			ConstLabels: config.ConstLabels,
		}),

		publishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "publish_duration_seconds",
			Help:        "Time from publish to acknowledgement",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"result"}),
	}
}

func (m *Metrics) connectionTransition(from, to ConnectionState) {
	if m == nil {
		return
	}
	m.connectionTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) channelTransition(to ChannelState) {
	if m == nil {
		return
	}
	m.channelTransitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) queued(delta int) {
	if m == nil {
		return
	}
	m.queuedPublishes.Add(float64(delta))
}

func (m *Metrics) publishDone(start time.Time, now time.Time, err error) {
	if m == nil {
		return
	}
	result := "ack"
	if err != nil {
		result = "error"
	}
	m.publishDuration.WithLabelValues(result).Observe(now.Sub(start).Seconds())
}

// FrameReceived implements transport.Observer.
func (m *Metrics) FrameReceived(action protocol.Action, _ int) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(action.String()).Inc()
}

// FrameSent implements transport.Observer.
func (m *Metrics) FrameSent(action protocol.Action, _ int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(action.String()).Inc()
}

// FrameDropped implements transport.Observer.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}
