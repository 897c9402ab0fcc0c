// Package metrics provides Prometheus instrumentation for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InvoiceChecksTotal counts payment checks, partitioned by outcome
	// ("paid", "unpaid", "error").
	InvoiceChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opacore_invoice_checks_total",
		Help: "Total invoice payment checks",
	}, []string{"outcome"})

	// PaymentsDetectedTotal counts payments the watcher applied.
	PaymentsDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opacore_payments_detected_total",
		Help: "Payments detected and applied to invoices",
	})

	// InvoicesExpiredTotal counts invoices bulk-expired by the watcher.
	InvoicesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opacore_invoices_expired_total",
		Help: "Sent invoices transitioned to expired",
	})

	// WatcherCycleDuration tracks full reconciliation cycle duration.
	WatcherCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "opacore_watcher_cycle_duration_seconds",
		Help:    "Payment watcher cycle duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// TaxReportsTotal counts generated tax reports, partitioned by method.
	TaxReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opacore_tax_reports_total",
		Help: "Tax reports generated",
	}, []string{"method"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opacore_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opacore_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opacore_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
