package queue

import "github.com/prometheus/client_golang/prometheus"

// Follow-up queue collectors, labelled by task kind (invoice, membership,
// access-code and so on).
var (
	FollowUpDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "followup",
		Name:      "queue_depth",
		Help:      "Ready follow-up tasks waiting per kind.",
	}, []string{"kind"})
	FollowUpOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "followup",
		Name:      "outcomes_total",
		Help:      "Follow-up deliveries by outcome: ok, retry or dead.",
	}, []string{"kind", "outcome"})
	FollowUpAttempts = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paycore",
		Subsystem: "followup",
		Name:      "attempts",
		Help:      "Attempts a follow-up took before it settled as ok or dead.",
		Buckets:   []float64{1, 2, 3, 5, 8, 13},
	}, []string{"kind", "outcome"})
	FollowUpDLQSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "followup",
		Name:      "dlq_size",
		Help:      "Follow-up tasks parked in the dead letter queue.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(FollowUpDepth, FollowUpOutcomes, FollowUpAttempts, FollowUpDLQSize)
}

func recordOutcome(kind, outcome string, attempt int) {
	FollowUpOutcomes.WithLabelValues(kind, outcome).Inc()
	if outcome != "retry" {
		FollowUpAttempts.WithLabelValues(kind, outcome).Observe(float64(attempt))
	}
}
