package resilience

import "github.com/prometheus/client_golang/prometheus"

const (
	metricsNamespace = "paycore"
	metricsSubsystem = "gateway"
)

// Breaker and gateway call metrics, labelled by gateway target.
var (
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "breaker_state",
		Help:      "Breaker state per gateway (0 closed, 1 open, 2 half-open).",
	}, []string{"target"})

	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "breaker_transitions_total",
		Help:      "Breaker state changes.",
	}, []string{"target", "from", "to"})

	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "breaker_opened_total",
		Help:      "Times a breaker tripped open.",
	}, []string{"target"})

	GatewayRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "requests_total",
		Help:      "Outbound gateway calls by outcome (ok, 5xx, error, timeout, open).",
	}, []string{"target", "outcome"})
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal, GatewayRequestsTotal)
}
