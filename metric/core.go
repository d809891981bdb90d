package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core protocol-level metrics shared by every mKTL
// process role. Domain-specific metrics register separately through the
// Registry.
type Metrics struct {
	// Request transport
	RequestsReceived *prometheus.CounterVec
	RequestsServed   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	AcksSent         prometheus.Counter
	FramesDropped    prometheus.Counter

	// Publish transport
	BroadcastsPublished *prometheus.CounterVec
	BroadcastsReceived  *prometheus.CounterVec

	// Discovery
	DiscoveryResponses prometheus.Counter
	DiscoveryThrottled prometheus.Counter

	// Configuration cache
	CacheAdmissions *prometheus.CounterVec
	CacheBlocks     prometheus.Gauge
}

// NewMetrics creates a Metrics instance with every core metric defined.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mktl",
				Subsystem: "request",
				Name:      "received_total",
				Help:      "Inbound requests by type.",
			},
			[]string{"type"},
		),

		RequestsServed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mktl",
				Subsystem: "request",
				Name:      "served_total",
				Help:      "Completed requests by type and status.",
			},
			[]string{"type", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mktl",
				Subsystem: "request",
				Name:      "duration_seconds",
				Help:      "Request handling duration from dispatch to REP.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		AcksSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mktl",
				Subsystem: "request",
				Name:      "acks_sent_total",
				Help:      "Acknowledgements sent before request dispatch.",
			},
		),

		FramesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mktl",
				Subsystem: "request",
				Name:      "frames_dropped_total",
				Help:      "Malformed or unroutable frames dropped.",
			},
		),

		BroadcastsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mktl",
				Subsystem: "publish",
				Name:      "broadcasts_total",
				Help:      "Broadcasts published by kind (plain, bulk, bundle).",
			},
			[]string{"kind"},
		),

		BroadcastsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mktl",
				Subsystem: "subscribe",
				Name:      "broadcasts_total",
				Help:      "Broadcasts received by kind (plain, bulk, bundle).",
			},
			[]string{"kind"},
		),

		DiscoveryResponses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mktl",
				Subsystem: "discovery",
				Name:      "responses_total",
				Help:      "Discovery datagrams answered.",
			},
		),

		DiscoveryThrottled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "mktl",
				Subsystem: "discovery",
				Name:      "throttled_total",
				Help:      "Discovery datagrams suppressed by the rate limit.",
			},
		),

		CacheAdmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mktl",
				Subsystem: "config",
				Name:      "admissions_total",
				Help:      "Configuration block admissions by outcome.",
			},
			[]string{"outcome"},
		),

		CacheBlocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mktl",
				Subsystem: "config",
				Name:      "cached_blocks",
				Help:      "Configuration blocks currently cached.",
			},
		),
	}
}

// RecordRequestReceived increments the inbound request counter.
func (m *Metrics) RecordRequestReceived(requestType string) {
	m.RequestsReceived.WithLabelValues(requestType).Inc()
}

// RecordRequestServed increments the completed request counter.
func (m *Metrics) RecordRequestServed(requestType, status string, duration time.Duration) {
	m.RequestsServed.WithLabelValues(requestType, status).Inc()
	m.RequestDuration.WithLabelValues(requestType).Observe(duration.Seconds())
}

// RecordAck increments the acknowledgement counter.
func (m *Metrics) RecordAck() { m.AcksSent.Inc() }

// RecordDroppedFrame increments the dropped frame counter.
func (m *Metrics) RecordDroppedFrame() { m.FramesDropped.Inc() }

// RecordBroadcast increments the published broadcast counter.
func (m *Metrics) RecordBroadcast(kind string) {
	m.BroadcastsPublished.WithLabelValues(kind).Inc()
}

// RecordBroadcastReceived increments the received broadcast counter.
func (m *Metrics) RecordBroadcastReceived(kind string) {
	m.BroadcastsReceived.WithLabelValues(kind).Inc()
}

// RecordDiscoveryResponse increments the discovery response counter.
func (m *Metrics) RecordDiscoveryResponse() { m.DiscoveryResponses.Inc() }

// RecordDiscoveryThrottled increments the discovery throttle counter.
func (m *Metrics) RecordDiscoveryThrottled() { m.DiscoveryThrottled.Inc() }

// RecordAdmission increments the cache admission counter for an outcome
// (admitted, duplicate, stale, collision, loop).
func (m *Metrics) RecordAdmission(outcome string) {
	m.CacheAdmissions.WithLabelValues(outcome).Inc()
}

// RecordCachedBlocks sets the cached block gauge.
func (m *Metrics) RecordCachedBlocks(count int) {
	m.CacheBlocks.Set(float64(count))
}
