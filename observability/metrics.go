// Package observability exposes Polaris' Prometheus metrics, grounded on
// the teacher's observability package: one promauto-registered metric per
// concern, collected in a single struct rather than scattered package
// globals.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge/histogram Polaris records. Construct
// once at startup and thread it through the components that need it.
type Metrics struct {
	BreakersByStatus      *prometheus.GaugeVec
	BreakerTransitions    *prometheus.CounterVec
	ProbesTotal           *prometheus.CounterVec
	ProbeDuration         prometheus.Histogram
	RepublishBatchSize    prometheus.Histogram
	RepublishOutcomes     *prometheus.CounterVec
	ClaimAttempts         *prometheus.CounterVec
	ClaimContention       prometheus.Counter
	CooldownMinutes       prometheus.Histogram
	GlobalLockWaitSeconds prometheus.Histogram
	ReconcilerPoolDepth   prometheus.Gauge
	RepublishPoolDepth    prometheus.Gauge
	ScanCyclesTotal       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		BreakersByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "polaris_breakers_by_status",
			Help: "Current count of BreakerRecords per status.",
		}, []string{"status"}),
		BreakerTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "polaris_breaker_transitions_total",
			Help: "Breaker state transitions observed by this member.",
		}, []string{"from", "to"}),
		ProbesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "polaris_probes_total",
			Help: "Health probes executed, labeled by outcome.",
		}, []string{"outcome"}),
		ProbeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "polaris_probe_duration_seconds",
			Help:    "HTTP probe request duration.",
			Buckets: prometheus.DefBuckets,
		}),
		RepublishBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "polaris_republish_batch_size",
			Help:    "Number of MessageCoords processed per Republisher call.",
			Buckets: []float64{1, 5, 10, 20, 50, 100},
		}),
		RepublishOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "polaris_republish_outcomes_total",
			Help: "Per-record republish outcomes.",
		}, []string{"outcome"}),
		ClaimAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "polaris_claim_attempts_total",
			Help: "tryClaim outcomes, labeled claimed/denied.",
		}, []string{"outcome"}),
		ClaimContention: promauto.NewCounter(prometheus.CounterOpts{
			Name: "polaris_claim_contention_total",
			Help: "Claims denied because another member already owns the key.",
		}),
		CooldownMinutes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "polaris_cooldown_minutes",
			Help:    "Computed cooldown delay before the next probe.",
			Buckets: []float64{0, 2, 4, 8, 16, 32, 60},
		}),
		GlobalLockWaitSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "polaris_global_lock_wait_seconds",
			Help:    "Time spent waiting to acquire the cluster-wide lock.",
			Buckets: prometheus.DefBuckets,
		}),
		ReconcilerPoolDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "polaris_reconciler_pool_queue_depth",
			Help: "Pending tasks in the reconciler worker pool.",
		}),
		RepublishPoolDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "polaris_republish_pool_queue_depth",
			Help: "Pending tasks in the republisher worker pool.",
		}),
		ScanCyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "polaris_scan_cycles_total",
			Help: "Completed scan cycles per scan kind.",
		}, []string{"scan"}),
	}
}
