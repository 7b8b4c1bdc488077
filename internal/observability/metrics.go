package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics of the intake service. It also
// satisfies the engine's observer hooks, so fail-open guard checks and
// parked mirror writes stay visible even though they never reject a scan.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	scansAccepted      *prometheus.CounterVec
	scansRejected      *prometheus.CounterVec
	checksInconclusive *prometheus.CounterVec
	mirrorFailures     *prometheus.CounterVec
	mirrorRecoveries   *prometheus.CounterVec
}

// NewMetrics initialises the registry and collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "galpao_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "galpao_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	accepted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "galpao_intake_scans_accepted_total",
		Help: "Accepted scans by operational area.",
	}, []string{"area"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "galpao_intake_scans_rejected_total",
		Help: "Rejected scans by operational area and rule.",
	}, []string{"area", "rule"})
	inconclusive := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "galpao_intake_checks_inconclusive_total",
		Help: "Guard checks skipped because the store failed or timed out.",
	}, []string{"check", "timeout"})
	mirrorFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "galpao_intake_mirror_failures_total",
		Help: "Mirror writes parked on the pending-sync list.",
	}, []string{"op"})
	mirrorRecovered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "galpao_intake_mirror_recoveries_total",
		Help: "Parked mirror writes that later succeeded.",
	}, []string{"op"})
	registry.MustRegister(requests, duration, accepted, rejected, inconclusive, mirrorFailed, mirrorRecovered)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		scansAccepted:      accepted,
		scansRejected:      rejected,
		checksInconclusive: inconclusive,
		mirrorFailures:     mirrorFailed,
		mirrorRecoveries:   mirrorRecovered,
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

// ScanAccepted counts an accepted scan.
func (m *Metrics) ScanAccepted(area string) {
	if m == nil {
		return
	}
	m.scansAccepted.WithLabelValues(area).Inc()
}

// ScanRejected counts a rejected scan by rule.
func (m *Metrics) ScanRejected(area, rule string) {
	if m == nil {
		return
	}
	m.scansRejected.WithLabelValues(area, rule).Inc()
}

// CheckInconclusive counts a guard check that failed open.
func (m *Metrics) CheckInconclusive(check string, timedOut bool) {
	if m == nil {
		return
	}
	m.checksInconclusive.WithLabelValues(check, strconv.FormatBool(timedOut)).Inc()
}

// MirrorFailed counts a mirror write parked after exhausting retries.
func (m *Metrics) MirrorFailed(op string) {
	if m == nil {
		return
	}
	m.mirrorFailures.WithLabelValues(op).Inc()
}

// MirrorRecovered counts a parked write that eventually synced.
func (m *Metrics) MirrorRecovered(op string) {
	if m == nil {
		return
	}
	m.mirrorRecoveries.WithLabelValues(op).Inc()
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Middleware records request counters and durations.
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
