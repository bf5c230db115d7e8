package metrics

import (
	"time"
)

// Operation outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomePending  = "pending"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Collector records funds-service metrics. Implementations may export to any backend.
type Collector interface {
	// Funds movement
	RecordOperation(operation, outcome string, duration time.Duration)

	// Step-up verification
	RecordOtpIssued(purpose string)
	RecordOtpVerification(purpose string, success bool)
	RecordRateLimited(scope string)

	// Side-effect pipeline
	RecordOutboxPublish(routingKey string, success bool)
	RecordSideEffectConsumed(routingKey string, success bool)

	// Outbound dependencies
	RecordCircuitState(name string, open bool)
}

// NoOpCollector is the default collector when metrics are not needed.
type NoOpCollector struct{}

// RecordOperation does nothing.
func (NoOpCollector) RecordOperation(operation, outcome string, duration time.Duration) {}

// RecordOtpIssued does nothing.
func (NoOpCollector) RecordOtpIssued(purpose string) {}

// RecordOtpVerification does nothing.
func (NoOpCollector) RecordOtpVerification(purpose string, success bool) {}

// RecordRateLimited does nothing.
func (NoOpCollector) RecordRateLimited(scope string) {}

// RecordOutboxPublish does nothing.
func (NoOpCollector) RecordOutboxPublish(routingKey string, success bool) {}

// RecordSideEffectConsumed does nothing.
func (NoOpCollector) RecordSideEffectConsumed(routingKey string, success bool) {}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(name string, open bool) {}

func successLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
