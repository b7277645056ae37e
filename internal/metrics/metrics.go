// Package metrics exposes Prometheus collectors for the HTTP server, the
// delivery gateway, the metadata cache and the object store.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/classhub/media/internal/storage"
)

const namespace = "media"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	inflight prometheus.Gauge
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	deliveries *prometheus.CounterVec
	deliveredB *prometheus.CounterVec
	cache      *prometheus.CounterVec

	storageOps     *prometheus.CounterVec
	storageLatency *prometheus.HistogramVec
}

// New creates a Metrics instance with a fresh registry and registers collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of inflight HTTP requests.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed, partitioned by status code and method.",
		}, []string{"code", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of latencies for HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "requests_total",
			Help:      "Object deliveries by tier, terminal state and authorization reason.",
		}, []string{"tier", "state", "reason"}),
		deliveredB: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "bytes_total",
			Help:      "Object bytes written to clients.",
		}, []string{"tier"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metacache",
			Name:      "lookups_total",
			Help:      "Metadata cache lookups by result.",
		}, []string{"result"}),
		storageOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "ops_total",
			Help:      "Total number of object store operations by result.",
		}, []string{"op", "result"}),
		storageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "op_duration_seconds",
			Help:      "Histogram of object store operation durations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inflight, m.requests, m.latency,
		m.deliveries, m.deliveredB, m.cache,
		m.storageOps, m.storageLatency,
	)
	return m
}

// Handler returns an http.Handler that serves Prometheus metrics using the internal registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Middleware collects the inflight gauge, request counter and latency
// histogram for every request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		m.requests.WithLabelValues(code, r.Method).Inc()
		m.latency.WithLabelValues(code, r.Method).Observe(time.Since(start).Seconds())
	})
}

// ObserveDelivery records one finished delivery.
func (m *Metrics) ObserveDelivery(tier, state, reason string, bytes int64) {
	m.deliveries.WithLabelValues(tier, state, reason).Inc()
	if bytes > 0 {
		m.deliveredB.WithLabelValues(tier).Add(float64(bytes))
	}
}

// CacheLookup records a metadata cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

// ObserveStorage records an object store operation.
func (m *Metrics) ObserveStorage(op string, err error, dur time.Duration) {
	result := "ok"
	switch {
	case errors.Is(err, storage.ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	m.storageOps.WithLabelValues(op, result).Inc()
	m.storageLatency.WithLabelValues(op).Observe(dur.Seconds())
}
