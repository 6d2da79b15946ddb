// Package metrics exposes framelink's Prometheus collectors. Every recording
// method is safe to call on a nil *Metrics, so components run without metrics
// unless the caller wires them in.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	// RTTBuckets are the histogram buckets for probe round trips, in seconds.
	RTTBuckets []float64
	Registry   prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

func WithRTTBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.RTTBuckets = buckets
	}
}

// WithRegistry sets the registerer, prometheus.DefaultRegisterer by default.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace:  "framelink",
		RTTBuckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		Registry:   prometheus.DefaultRegisterer,
	}
}

type Metrics struct {
	packetsReceived    *prometheus.CounterVec
	packetsSent        *prometheus.CounterVec
	bytesReceived      prometheus.Counter
	bytesSent          prometheus.Counter
	framingErrors      *prometheus.CounterVec
	rejected           prometheus.Counter
	slotsBound         prometheus.Gauge
	rtt                prometheus.Histogram
	transfersCompleted prometheus.Counter
	chunksReceived     prometheus.Counter
}

func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}
	}

	return &Metrics{
		packetsReceived: factory.NewCounterVec(counterOpts(
			"packets_received_total", "Packets decoded from the wire by variant",
		), []string{"variant"}),
		packetsSent: factory.NewCounterVec(counterOpts(
			"packets_sent_total", "Packets written to the wire by variant",
		), []string{"variant"}),
		bytesReceived: factory.NewCounter(counterOpts(
			"bytes_received_total", "Bytes read from connections",
		)),
		bytesSent: factory.NewCounter(counterOpts(
			"bytes_sent_total", "Bytes written to connections",
		)),
		framingErrors: factory.NewCounterVec(counterOpts(
			"framing_errors_total", "Connections dropped because framing broke down",
		), []string{"reason"}),
		rejected: factory.NewCounter(counterOpts(
			"connections_rejected_total", "Inbound connections closed because every slot was bound",
		)),
		slotsBound: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "slots_bound",
			Help:        "Server slots currently bound to a connection",
			ConstLabels: config.ConstLabels,
		}),
		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "rtt_seconds",
			Help:        "Probe round trip times",
			ConstLabels: config.ConstLabels,
			Buckets:     config.RTTBuckets,
		}),
		transfersCompleted: factory.NewCounter(counterOpts(
			"transfers_completed_total", "File transfers fully reassembled",
		)),
		chunksReceived: factory.NewCounter(counterOpts(
			"chunks_received_total", "File transfer chunks written to a sink",
		)),
	}
}

func (m *Metrics) PacketReceived(variant string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(variant).Inc()
}

func (m *Metrics) PacketSent(variant string, bytes int) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(variant).Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) BytesReceived(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) FramingError(reason string) {
	if m == nil {
		return
	}
	m.framingErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) SlotBound() {
	if m == nil {
		return
	}
	m.slotsBound.Inc()
}

func (m *Metrics) SlotReleased() {
	if m == nil {
		return
	}
	m.slotsBound.Dec()
}

func (m *Metrics) ObserveRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.rtt.Observe(d.Seconds())
}

func (m *Metrics) ChunkReceived() {
	if m == nil {
		return
	}
	m.chunksReceived.Inc()
}

func (m *Metrics) TransferCompleted() {
	if m == nil {
		return
	}
	m.transfersCompleted.Inc()
}
