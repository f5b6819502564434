package fraud

import "github.com/prometheus/client_golang/prometheus"

var (
	transactionsEvaluated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardguard",
		Name:      "transactions_evaluated_total",
		Help:      "Transactions scored, by verdict.",
	}, []string{"status"})

	transactionsReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cardguard",
		Name:      "transactions_replayed_total",
		Help:      "Redelivered transactions answered from the ledger.",
	})

	evaluationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardguard",
		Name:      "evaluation_errors_total",
		Help:      "Transactions that could not be scored, by error kind.",
	}, []string{"kind"})

	evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cardguard",
		Name:      "evaluation_duration_seconds",
		Help:      "Time to score one transaction, including lock wait and store calls.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	stateAdvances = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardguard",
		Name:      "state_advances_total",
		Help:      "Card state advances after genuine verdicts, by result (committed, stale, error).",
	}, []string{"result"})

	storeRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardguard",
		Name:      "store_retries_total",
		Help:      "Store calls retried after a transient failure, by store.",
	}, []string{"store"})

	rulesFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardguard",
		Name:      "rules_fired_total",
		Help:      "Fraud rules that fired, by rule.",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		transactionsEvaluated,
		transactionsReplayed,
		evaluationErrors,
		evaluationDuration,
		stateAdvances,
		storeRetries,
		rulesFired,
	)
}
