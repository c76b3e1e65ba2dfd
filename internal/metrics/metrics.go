// Package metrics holds the Prometheus collectors shared by the engines, the forwarder and the
// rendering service. All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultNamespace = "ssr"

type Config struct {
	Namespace   string
	ConstLabels prometheus.Labels
	Buckets     []float64
	Registry    prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(ns string) Option {
	return func(c *Config) { c.Namespace = ns }
}

func WithConstLabels(l prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = l }
}

func WithBuckets(b []float64) Option {
	return func(c *Config) { c.Buckets = b }
}

type Metrics struct {
	renders        *prometheus.CounterVec
	renderDuration *prometheus.HistogramVec
	streams        *prometheus.CounterVec
	streamBytes    prometheus.Counter

	checkoutWait     prometheus.Histogram
	checkoutTimeouts prometheus.Counter
	workersSpawned   prometheus.Counter
	workersDiscarded *prometheus.CounterVec
	workersInUse     prometheus.Gauge

	requests *prometheus.CounterVec
}

// New registers the collectors on reg. Registering twice on the same registry panics,
// so build one Metrics per registry.
func New(reg prometheus.Registerer, opts ...Option) *Metrics {
	cfg := Config{
		Namespace: DefaultNamespace,
		Buckets:   prometheus.DefBuckets,
		Registry:  reg,
	}
	for _, o := range opts {
		o(&cfg)
	}
	f := promauto.With(cfg.Registry)
	ns, cl := cfg.Namespace, cfg.ConstLabels

	return &Metrics{
		renders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "engine", Name: "renders_total", ConstLabels: cl,
			Help: "Buffered renders by engine and outcome",
		}, []string{"engine", "outcome"}),
		renderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "engine", Name: "render_duration_seconds", ConstLabels: cl,
			Help:    "Buffered render duration in seconds",
			Buckets: cfg.Buckets,
		}, []string{"engine"}),
		streams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "stream", Name: "sessions_total", ConstLabels: cl,
			Help: "Stream sessions by terminal outcome",
		}, []string{"outcome"}),
		streamBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "stream", Name: "relayed_bytes_total", ConstLabels: cl,
			Help: "Bytes relayed from render streams to clients",
		}),
		checkoutWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "pool", Name: "checkout_wait_seconds", ConstLabels: cl,
			Help:    "Time spent waiting for a worker process",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		checkoutTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pool", Name: "checkout_timeouts_total", ConstLabels: cl,
			Help: "Checkouts that gave up waiting for a worker",
		}),
		workersSpawned: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pool", Name: "workers_spawned_total", ConstLabels: cl,
			Help: "Worker processes started",
		}),
		workersDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pool", Name: "workers_discarded_total", ConstLabels: cl,
			Help: "Worker processes killed or found dead, by reason",
		}, []string{"reason"}),
		workersInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "pool", Name: "workers_in_use", ConstLabels: cl,
			Help: "Worker processes currently checked out",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "server", Name: "requests_total", ConstLabels: cl,
			Help: "Rendering service requests by route and status code",
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) ObserveRender(engine, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.renders.WithLabelValues(engine, outcome).Inc()
	m.renderDuration.WithLabelValues(engine).Observe(d.Seconds())
}

func (m *Metrics) StreamOutcome(outcome string) {
	if m == nil {
		return
	}
	m.streams.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StreamBytes(n int) {
	if m == nil {
		return
	}
	m.streamBytes.Add(float64(n))
}

func (m *Metrics) ObserveCheckout(wait time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.checkoutWait.Observe(wait.Seconds())
	if timedOut {
		m.checkoutTimeouts.Inc()
		return
	}
	m.workersInUse.Inc()
}

func (m *Metrics) Released() {
	if m == nil {
		return
	}
	m.workersInUse.Dec()
}

func (m *Metrics) WorkerSpawned() {
	if m == nil {
		return
	}
	m.workersSpawned.Inc()
}

func (m *Metrics) WorkerDiscarded(reason string) {
	if m == nil {
		return
	}
	m.workersDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
