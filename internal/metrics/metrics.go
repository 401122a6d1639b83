package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "checkout_sessions_created_total",
			Help: "Number of checkout sessions created",
		},
	)

	SessionsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "checkout_sessions_completed_total",
			Help: "Number of checkout sessions that reached COMPLETE",
		},
	)

	SessionsCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkout_sessions_cancelled_total",
			Help: "Number of cancelled checkout sessions by reason",
		},
		[]string{"reason"},
	)

	DiscountClips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "checkout_discount_clips_total",
			Help: "Number of lock operations whose discount was clipped to remaining cap headroom",
		},
	)

	LockDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "checkout_lock_duration_seconds",
			Help: "Time taken by the lock transition including the cap reservation",
		},
	)

	ReconciliationConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "checkout_reconciliation_conflicts_total",
			Help: "Number of offline sales whose discount could not be honored at reconciliation",
		},
	)
)

func Register() {
	prometheus.MustRegister(
		SessionsCreated,
		SessionsCompleted,
		SessionsCancelled,
		DiscountClips,
		LockDuration,
		ReconciliationConflicts,
	)
}
