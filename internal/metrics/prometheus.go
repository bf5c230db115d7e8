package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector for Prometheus.
type PrometheusCollector struct {
	namespace string

	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec

	otpIssued   *prometheus.CounterVec
	otpVerified *prometheus.CounterVec
	rateLimited *prometheus.CounterVec

	outboxPublished *prometheus.CounterVec
	consumed        *prometheus.CounterVec

	circuitState *prometheus.GaugeVec
}

// NewPrometheusCollector creates a collector whose metric names live under namespace.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		namespace: namespace,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of funds operations per operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Funds operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"operation"},
		),
		otpIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "otp_issued_total",
				Help:      "Total number of one-time codes issued per purpose",
			},
			[]string{"purpose"},
		),
		otpVerified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "otp_verifications_total",
				Help:      "Total number of one-time code verifications per purpose and result",
			},
			[]string{"purpose", "result"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total number of requests rejected by a rate limiter",
			},
			[]string{"scope"},
		),
		outboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_publish_total",
				Help:      "Total number of outbox publish attempts per routing key and result",
			},
			[]string{"routing_key", "result"},
		),
		consumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "side_effects_consumed_total",
				Help:      "Total number of side-effect messages handled per routing key and result",
			},
			[]string{"routing_key", "result"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_open",
				Help:      "Whether a circuit breaker is open (1) or not (0)",
			},
			[]string{"name"},
		),
	}
}

// Register registers all metrics with the given registerer.
func (pc *PrometheusCollector) Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.operations,
		pc.operationLatency,
		pc.otpIssued,
		pc.otpVerified,
		pc.rateLimited,
		pc.outboxPublished,
		pc.consumed,
		pc.circuitState,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// RecordOperation records one funds operation and its latency.
func (pc *PrometheusCollector) RecordOperation(operation, outcome string, duration time.Duration) {
	pc.operations.WithLabelValues(operation, outcome).Inc()
	pc.operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOtpIssued records an issued code.
func (pc *PrometheusCollector) RecordOtpIssued(purpose string) {
	pc.otpIssued.WithLabelValues(purpose).Inc()
}

// RecordOtpVerification records a verification result.
func (pc *PrometheusCollector) RecordOtpVerification(purpose string, success bool) {
	pc.otpVerified.WithLabelValues(purpose, successLabel(success)).Inc()
}

// RecordRateLimited records a rejected request.
func (pc *PrometheusCollector) RecordRateLimited(scope string) {
	pc.rateLimited.WithLabelValues(scope).Inc()
}

// RecordOutboxPublish records an outbox publish attempt.
func (pc *PrometheusCollector) RecordOutboxPublish(routingKey string, success bool) {
	pc.outboxPublished.WithLabelValues(routingKey, successLabel(success)).Inc()
}

// RecordSideEffectConsumed records a consumed side-effect message.
func (pc *PrometheusCollector) RecordSideEffectConsumed(routingKey string, success bool) {
	pc.consumed.WithLabelValues(routingKey, successLabel(success)).Inc()
}

// RecordCircuitState records whether the named breaker is open.
func (pc *PrometheusCollector) RecordCircuitState(name string, open bool) {
	value := 0.0
	if open {
		value = 1
	}
	pc.circuitState.WithLabelValues(name).Set(value)
}
