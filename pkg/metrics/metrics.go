package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Session tracking
	ActiveSessions atomic.Int64
	TotalSessions  atomic.Uint64

	// Upstream connection state
	UpstreamConnections atomic.Int64

	// Last observed round trip in ms
	TransformLatencyMs atomic.Uint64

	requests   *prometheus.CounterVec
	replies    *prometheus.CounterVec
	discarded  *prometheus.CounterVec
	rollbacks  prometheus.Counter
	throttled  prometheus.Counter
	roundTrips prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facepoke_transform_requests_total",
			Help: "Requests sent to the transform service",
		}, []string{"type"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facepoke_transform_replies_total",
			Help: "Replies received from the transform service",
		}, []string{"kind"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facepoke_discarded_total",
			Help: "Inputs dropped without changing session state",
		}, []string{"reason"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facepoke_rollbacks_total",
			Help: "Previews reverted after a transform error",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facepoke_gestures_throttled_total",
			Help: "Gestures superseded by a newer sample while throttled",
		}),
		roundTrips: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "facepoke_transform_round_trip_seconds",
			Help:    "Time between a transform request and its image reply",
			Buckets: []float64{0.02, 0.05, 0.1, 0.19, 0.35, 0.75, 1.5, 4},
		}),
	}

	m.registry.MustRegister(m.requests, m.replies, m.discarded, m.rollbacks, m.throttled, m.roundTrips)
	m.registerGauges()

	return m
}

func (m *Metrics) registerGauges() {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "facepoke_active_sessions",
			Help: "Number of open editing sessions",
		},
		func() float64 { return float64(m.ActiveSessions.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "facepoke_sessions_total",
			Help: "Total editing sessions opened",
		},
		func() float64 { return float64(m.TotalSessions.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "facepoke_upstream_connections",
			Help: "Open connections to the transform service",
		},
		func() float64 { return float64(m.UpstreamConnections.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "facepoke_transform_latency_ms",
			Help: "Last observed transform round trip in milliseconds",
		},
		func() float64 { return float64(m.TransformLatencyMs.Load()) },
	))
}

func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Add(1)
	m.TotalSessions.Add(1)
}

func (m *Metrics) SessionClosed() {
	m.ActiveSessions.Add(-1)
}

func (m *Metrics) RequestSent(kind string) {
	m.requests.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReplyReceived(kind string) {
	m.replies.WithLabelValues(kind).Inc()
}

func (m *Metrics) Discarded(reason string) {
	m.discarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) RolledBack() {
	m.rollbacks.Inc()
}

func (m *Metrics) Throttled() {
	m.throttled.Inc()
}

// ObserveRoundTrip records one request/reply cycle
func (m *Metrics) ObserveRoundTrip(d time.Duration) {
	m.roundTrips.Observe(d.Seconds())
	m.TransformLatencyMs.Store(uint64(d.Milliseconds()))
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
