package obs

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentOperationsTotal counts engine operations (calculate, initiate, verify) by outcome.
	PaymentOperationsTotal *prometheus.CounterVec
	// PaymentCompletionsTotal counts COMPLETED transitions by the path that won them.
	PaymentCompletionsTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// SideEffectsTotal counts follow-up task outcomes.
	SideEffectsTotal *prometheus.CounterVec
	// GatewayLatency records gateway call latency in milliseconds.
	GatewayLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_operations_total",
			Help:      "Count of payment engine operations by outcome.",
		}, []string{"operation", "reference_type", "result"})
		PaymentCompletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_completions_total",
			Help:      "Count of completion attempts by path and result.",
		}, []string{"path", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"provider", "result"})
		SideEffectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_side_effects_total",
			Help:      "Count of post-completion follow-up outcomes.",
		}, []string{"kind", "result"})
		GatewayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_gateway_duration_ms",
			Help:      "Latency of payment gateway calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "operation"})

		PaymentOperationsTotal = register(reg, PaymentOperationsTotal)
		PaymentCompletionsTotal = register(reg, PaymentCompletionsTotal)
		PaymentWebhookTotal = register(reg, PaymentWebhookTotal)
		SideEffectsTotal = register(reg, SideEffectsTotal)
		GatewayLatency = register(reg, GatewayLatency)
	})
}

// CountOperation increments PaymentOperationsTotal when domain metrics are registered.
func CountOperation(operation, referenceType, result string) {
	if PaymentOperationsTotal == nil {
		return
	}
	PaymentOperationsTotal.WithLabelValues(operation, Label(referenceType), result).Inc()
}

// CountCompletion increments PaymentCompletionsTotal when registered.
func CountCompletion(path, result string) {
	if PaymentCompletionsTotal == nil {
		return
	}
	PaymentCompletionsTotal.WithLabelValues(path, result).Inc()
}

// CountWebhook increments PaymentWebhookTotal when registered.
func CountWebhook(provider, result string) {
	if PaymentWebhookTotal == nil {
		return
	}
	PaymentWebhookTotal.WithLabelValues(Label(provider), result).Inc()
}

// CountSideEffect increments SideEffectsTotal when registered.
func CountSideEffect(kind, result string) {
	if SideEffectsTotal == nil {
		return
	}
	SideEffectsTotal.WithLabelValues(Label(kind), result).Inc()
}

// ObserveGateway records a gateway call latency when registered.
func ObserveGateway(provider, operation string, ms float64) {
	if GatewayLatency == nil {
		return
	}
	GatewayLatency.WithLabelValues(Label(provider), operation).Observe(ms)
}

// Label normalises a metric label value.
func Label(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

// register adds c to reg, returning the collector already registered under
// the same descriptor when there is one.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(fmt.Errorf("obs: register collector: %w", err))
}
