package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Metrics holds the Prometheus collectors of one server instance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connections   prometheus.Gauge
	messages      *prometheus.CounterVec
	events        *prometheus.CounterVec
	dropped       prometheus.Counter
	persistence   prometheus.Histogram
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	httpInFlight  prometheus.Gauge
	rateLimited   prometheus.Counter
	filterRejects prometheus.Counter
	dependencyUp  *prometheus.GaugeVec
}

// NewMetrics registers all collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently registered websocket connections",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Send attempts by outcome",
		}, []string{"kind", "result"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events enqueued to connection outboxes",
		}, []string{"type"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because an outbox was full or closed",
		}),
		persistence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_append_seconds",
			Help:      "Latency of message store appends",
			Buckets:   prometheus.DefBuckets,
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests received",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rate_limited_total",
			Help:      "Inbound frames refused by the per-connection rate limiter",
		}),
		filterRejects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_filtered_total",
			Help:      "Messages rejected by a message filter hook",
		}),
		dependencyUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_up",
			Help:      "1 when the last health probe of a dependency succeeded",
		}, []string{"dependency"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// MessageSent counts one send attempt. kind is "room" or "private".
func (m *Metrics) MessageSent(kind, result string) {
	if m != nil {
		m.messages.WithLabelValues(kind, result).Inc()
	}
}

// MessageFiltered counts one filter rejection.
func (m *Metrics) MessageFiltered() {
	if m != nil {
		m.filterRejects.Inc()
	}
}

// EventDelivered counts one event enqueued to an outbox.
func (m *Metrics) EventDelivered(eventType string) {
	if m != nil {
		m.events.WithLabelValues(eventType).Inc()
	}
}

// EventDropped counts one event that could not be enqueued.
func (m *Metrics) EventDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

// ObserveAppend records the latency of one store append.
func (m *Metrics) ObserveAppend(d time.Duration) {
	if m != nil {
		m.persistence.Observe(d.Seconds())
	}
}

// FrameRateLimited counts one inbound frame refused by the rate limiter.
func (m *Metrics) FrameRateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

// DependencyHealth records the outcome of one dependency health probe.
func (m *Metrics) DependencyHealth(name string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.dependencyUp.WithLabelValues(name).Set(v)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request count, latency and in-flight requests, labelled
// by the chi route pattern so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(rec.status),
		}
		m.httpRequests.With(labels).Inc()
		m.httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
