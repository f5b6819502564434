package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	batchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cardguard",
		Name:      "ingest_batches_total",
		Help:      "Micro-batches read from the feed.",
	})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cardguard",
		Name:      "ingest_batch_size",
		Help:      "Messages per micro-batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cardguard",
		Name:      "ingest_batch_duration_seconds",
		Help:      "Time to settle one micro-batch.",
		Buckets:   prometheus.DefBuckets,
	})

	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cardguard",
		Name:      "ingest_messages_total",
		Help:      "Feed messages by outcome (verdict status or dead-letter reason).",
	}, []string{"outcome"})

	deliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cardguard",
		Name:      "kafka_delivery_failures_total",
		Help:      "Produced messages the broker did not acknowledge.",
	})
)

func init() {
	prometheus.MustRegister(batchesTotal, batchSize, batchDuration, messagesTotal, deliveryFailures)
}
