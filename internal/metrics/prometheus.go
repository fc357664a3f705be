// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LockAcquireAttempts tracks acquisition attempts by mode (try/blocking) and result.
	LockAcquireAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquire_attempts_total",
			Help: "Total lock acquisition attempts by mode and result",
		},
		[]string{"mode", "result"},
	)

	// LockAcquireDuration tracks how long AcquireLock calls take.
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_acquire_duration_seconds",
			Help:    "Lock acquisition duration in seconds by result",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"},
	)

	// LockReleases tracks releases by trigger (explicit/cancel/health) and result.
	LockReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_release_total",
			Help: "Total lock releases by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// LocksHeld tracks the number of locks currently held by this process.
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "locks_held",
			Help: "Current number of locks held by this process",
		},
	)

	// LockHealthProbes tracks liveness probes of held lock connections.
	LockHealthProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_health_probes_total",
			Help: "Total health probes of held lock connections by result",
		},
		[]string{"result"},
	)

	// LockLeader is 1 while this instance leads for the named lock.
	LockLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lock_leader",
			Help: "Whether this instance is leader for the lock (1) or not (0)",
		},
		[]string{"lock"},
	)

	// HTTPRequestsTotal tracks total HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RecordAcquireAttempt records one acquisition attempt.
func RecordAcquireAttempt(mode, result string) {
	LockAcquireAttempts.WithLabelValues(mode, result).Inc()
}

// RecordAcquireDuration records the duration of an AcquireLock call.
func RecordAcquireDuration(result string, seconds float64) {
	LockAcquireDuration.WithLabelValues(result).Observe(seconds)
}

// RecordRelease records a lock release.
func RecordRelease(trigger, result string) {
	LockReleases.WithLabelValues(trigger, result).Inc()
}

// IncLocksHeld records a newly held lock.
func IncLocksHeld() {
	LocksHeld.Inc()
}

// DecLocksHeld records a lock that is no longer held.
func DecLocksHeld() {
	LocksHeld.Dec()
}

// RecordHealthProbe records a health probe result.
func RecordHealthProbe(result string) {
	LockHealthProbes.WithLabelValues(result).Inc()
}

// SetLeader sets the leadership gauge for a lock.
func SetLeader(lock string, leader bool) {
	v := 0.0
	if leader {
		v = 1
	}
	LockLeader.WithLabelValues(lock).Set(v)
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(method, path string, seconds float64) {
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
