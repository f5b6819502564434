package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardguard",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Reconciliation runs by result.",
	}, []string{"result"})

	reconcileRepaired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cardguard",
		Subsystem: "reconciliation",
		Name:      "repaired_cards_total",
		Help:      "Card positions advanced by reconciliation.",
	})

	reconcileTruncated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cardguard",
		Subsystem: "reconciliation",
		Name:      "truncated_runs_total",
		Help:      "Runs that hit the record limit before covering the lookback window.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cardguard",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		reconcileRuns,
		reconcileRepaired,
		reconcileTruncated,
		reconcileDuration,
	)
}
