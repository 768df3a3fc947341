// Package metrics exposes Prometheus collectors for the extraction service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	wsSessionsActive           prometheus.Gauge
	wsMessagesSentTotal        *prometheus.CounterVec
	wsSnapshotsDroppedTotal    prometheus.Counter
	eventExportDroppedTotal    prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		wsSessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ws_sessions_active",
				Help: "Number of WebSocket stream sessions currently open.",
			},
		)

		wsMessagesSentTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_messages_sent_total",
				Help: "Total stream messages written, labeled by message type.",
			},
			[]string{"type"},
		)

		wsSnapshotsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ws_snapshots_dropped_total",
				Help: "Total bot_snapshot messages coalesced away under backpressure.",
			},
		)

		eventExportDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "event_export_dropped_total",
				Help: "Total domain events dropped by the export buffer.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncWSSessions increments the open-sessions gauge.
func IncWSSessions() {
	wsSessionsActive.Inc()
}

// DecWSSessions decrements the open-sessions gauge.
func DecWSSessions() {
	wsSessionsActive.Dec()
}

// ObserveWSMessage counts one outbound stream message by type.
func ObserveWSMessage(msgType string) {
	wsMessagesSentTotal.WithLabelValues(msgType).Inc()
}

// ObserveWSSnapshotDrop counts one snapshot coalesced under backpressure.
func ObserveWSSnapshotDrop() {
	wsSnapshotsDroppedTotal.Inc()
}

// ObserveExportDrop counts one event discarded by the export buffer.
func ObserveExportDrop() {
	eventExportDroppedTotal.Inc()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
