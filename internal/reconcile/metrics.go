package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	passDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudsync_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes, partitioned by resource kind",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"},
	)

	passesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_reconcile_passes_total",
			Help: "Reconciliation passes, partitioned by resource kind and result",
		}, []string{"kind", "result"},
	)

	itemsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_reconcile_items_skipped_total",
			Help: "Provider items left out of a pass, partitioned by resource kind and reason",
		}, []string{"kind", "reason"},
	)

	hookErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_reconcile_hook_errors_total",
			Help: "Post-parse hooks that failed; the item was stored without their adjustments",
		}, []string{"kind"},
	)

	markedMissing = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_reconcile_marked_missing_total",
			Help: "Records whose provider stopped reporting them",
		}, []string{"kind"},
	)

	patchOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudsync_reconcile_patch_operations_total",
			Help: "JSON patch operations produced by reconciliation passes",
		}, []string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(passDuration, passesTotal, itemsSkipped, hookErrors, markedMissing, patchOps)
}
