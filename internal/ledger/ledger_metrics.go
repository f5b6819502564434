package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerAppendsTotal counts appends by result (created, duplicate, error).
	LedgerAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cardguard",
			Name:      "ledger_appends_total",
			Help:      "Ledger appends by result.",
		},
		[]string{"result"},
	)

	// LedgerOpDuration observes store latency by operation.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cardguard",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(LedgerAppendsTotal, LedgerOpDuration)
}
