package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Rotation metrics
	RotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keymaster_rotations_total",
			Help: "Total number of rotation attempts by outcome",
		},
		[]string{"outcome"},
	)

	RotationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keymaster_rotation_duration_seconds",
			Help:    "Duration of a single domain rotation",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	SchedulerSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keymaster_scheduler_sweeps_total",
			Help: "Total number of scheduler sweeps over due domains",
		},
	)

	// Lock metrics
	LockAcquireFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keymaster_lock_acquire_failures_total",
			Help: "Lock acquisitions that returned no lock, by reason",
		},
		[]string{"reason"},
	)

	ActiveLocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keymaster_active_locks",
			Help: "Locks currently tracked in the shared lock index",
		},
	)

	// Janitor metrics
	KeysReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keymaster_keys_reaped_total",
			Help: "Expired public keys removed by the janitor",
		},
	)

	JanitorFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keymaster_janitor_failures_total",
			Help: "Per-item janitor failures (logged and skipped)",
		},
	)

	// Read-side metrics
	TokensSignedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keymaster_tokens_signed_total",
			Help: "Tokens signed by domain",
		},
		[]string{"domain"},
	)

	JwksRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keymaster_jwks_requests_total",
			Help: "JWKS lookups by domain",
		},
		[]string{"domain"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keymaster_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		RotationsTotal,
		RotationDuration,
		SchedulerSweepsTotal,
		LockAcquireFailures,
		ActiveLocks,
		KeysReapedTotal,
		JanitorFailuresTotal,
		TokensSignedTotal,
		JwksRequestsTotal,
		APIRequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
