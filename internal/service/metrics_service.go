package service

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP layer
// and the enrollment engine.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	reservations    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	lockWait        prometheus.Histogram
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	inconsistencies prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capacity_reservations_total",
		Help: "Capacity ledger operations by outcome",
	}, []string{"outcome"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_transitions_total",
		Help: "Enrollment status transitions by target status",
	}, []string{"status"})

	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "resource_lock_wait_seconds",
		Help:    "Time spent waiting for a per-resource lock",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "occupancy_cache_hits_total",
		Help: "Occupancy snapshot cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "occupancy_cache_misses_total",
		Help: "Occupancy snapshot cache misses",
	})

	inconsistencies := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inconsistent_state_total",
		Help: "Reserve/rollback sequences that left state requiring operator reconciliation",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, reservations, transitions, lockWait, cacheHits, cacheMisses, inconsistencies, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		reservations:    reservations,
		transitions:     transitions,
		lockWait:        lockWait,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		inconsistencies: inconsistencies,
	}
}

// Handler exposes the Prometheus scrape endpoint.
func (s *MetricsService) Handler() http.Handler {
	return s.handler
}

// ObserveHTTPRequest records one served request.
func (s *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	labels := prometheus.Labels{"method": method, "path": path, "status": strconv.Itoa(status)}
	s.requestDuration.With(labels).Observe(duration.Seconds())
	s.requestTotal.With(labels).Inc()
}

// ObserveReservation records a ledger operation outcome: reserved, rejected
// or released.
func (s *MetricsService) ObserveReservation(outcome string) {
	s.reservations.WithLabelValues(outcome).Inc()
}

// ObserveTransition records an enrollment status transition.
func (s *MetricsService) ObserveTransition(status string) {
	s.transitions.WithLabelValues(status).Inc()
}

// ObserveLockWait records time spent acquiring a resource lock.
func (s *MetricsService) ObserveLockWait(d time.Duration) {
	s.lockWait.Observe(d.Seconds())
}

// ObserveCache records an occupancy cache lookup.
func (s *MetricsService) ObserveCache(hit bool) {
	if hit {
		s.cacheHits.Inc()
		return
	}
	s.cacheMisses.Inc()
}

// ObserveInconsistency records a failed rollback.
func (s *MetricsService) ObserveInconsistency() {
	s.inconsistencies.Inc()
}
