package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "embedproxy"

// Metrics holds every collector the proxy exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheWriteFailures prometheus.Counter
	CacheConflicts     prometheus.Counter
	CacheEntries       prometheus.Gauge
	UpstreamDuration   *prometheus.HistogramVec
	PassthroughTotal   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Embedding inputs served from the cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Embedding inputs sent upstream",
		}),
		CacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "write_failures_total",
			Help:      "Embedding inserts that failed",
		}),
		CacheConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "write_conflicts_total",
			Help:      "Embedding inserts that found the row already written",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Rows in the durable store at the last stats refresh",
		}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),
		PassthroughTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "passthrough",
			Name:      "requests_total",
			Help:      "Requests forwarded without caching",
		}, []string{"stream"}),
	}
	m.registry.MustRegister(
		m.CacheHits,
		m.CacheMisses,
		m.CacheWriteFailures,
		m.CacheConflicts,
		m.CacheEntries,
		m.UpstreamDuration,
		m.PassthroughTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Hit(n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheHits.Add(float64(n))
}

func (m *Metrics) Miss(n int) {
	if m == nil || n == 0 {
		return
	}
	m.CacheMisses.Add(float64(n))
}

func (m *Metrics) WriteFailure() {
	if m == nil {
		return
	}
	m.CacheWriteFailures.Inc()
}

func (m *Metrics) WriteConflict() {
	if m == nil {
		return
	}
	m.CacheConflicts.Inc()
}

func (m *Metrics) SetEntries(n int64) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

func (m *Metrics) ObserveUpstream(endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.UpstreamDuration.WithLabelValues(endpoint, status).Observe(seconds)
}

func (m *Metrics) Passthrough(stream bool) {
	if m == nil {
		return
	}
	label := "false"
	if stream {
		label = "true"
	}
	m.PassthroughTotal.WithLabelValues(label).Inc()
}
