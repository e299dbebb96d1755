package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the HTTP surface.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics initialises the registry and the base HTTP metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harborview_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harborview_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	registry.MustRegister(requests, duration)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for domain-specific metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

// BillingMetrics counts ledger operations. A nil receiver is a no-op so the
// service can run without a registry in tests.
type BillingMetrics struct {
	payments     prometheus.Counter
	applications prometheus.Counter
	lateFees     *prometheus.CounterVec
	conflicts    prometheus.Counter
}

// NewBillingMetrics registers the ledger counters.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &BillingMetrics{
		payments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harborview_billing_payments_total",
			Help: "Payments recorded against invoices.",
		}),
		applications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harborview_billing_credit_applications_total",
			Help: "Credit applications written to the ledger.",
		}),
		lateFees: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harborview_billing_late_fee_attempts_total",
			Help: "Late fee attempts by outcome.",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harborview_billing_tx_conflicts_total",
			Help: "Serialization conflicts that triggered a retry.",
		}),
	}
	reg.MustRegister(m.payments, m.applications, m.lateFees, m.conflicts)
	return m
}

// PaymentRecorded counts one recorded payment.
func (m *BillingMetrics) PaymentRecorded() {
	if m == nil {
		return
	}
	m.payments.Inc()
}

// ApplicationsWritten counts credit applications committed in one operation.
func (m *BillingMetrics) ApplicationsWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.applications.Add(float64(n))
}

// LateFeeOutcome counts one late fee attempt by its outcome.
func (m *BillingMetrics) LateFeeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.lateFees.WithLabelValues(outcome).Inc()
}

// ConflictRetried counts one conflict-triggered transaction retry.
func (m *BillingMetrics) ConflictRetried() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}
