package metrics

import (
	"time"
)

// Collector receives ledger and settlement measurements.
// Implementations can export metrics to any backend; Prometheus is the default.
type Collector interface {
	// Transfers
	RecordTransfer(kind, outcome string)

	// Reconciliation
	RecordReconciliation(trigger, result string)
	RecordConflict(trigger string)

	// Provider adapter
	RecordProviderCall(operation, outcome string, duration time.Duration)
	RecordCircuitState(state CircuitState)

	// Settlement worker queue
	RecordQueueDepth(depth int)
	RecordTaskDropped()
	RecordTask(success bool, duration time.Duration)

	// Sweep
	RecordSweep(outcome string, examined int)

	// HTTP
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
}

// CircuitState represents the state of the provider circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector discards everything. It is the default when metrics are disabled.
type NoOpCollector struct{}

func (NoOpCollector) RecordTransfer(kind, outcome string) {}
func (NoOpCollector) RecordReconciliation(trigger, result string) {}
func (NoOpCollector) RecordConflict(trigger string) {}
func (NoOpCollector) RecordProviderCall(operation, outcome string, duration time.Duration) {}
func (NoOpCollector) RecordCircuitState(state CircuitState) {}
func (NoOpCollector) RecordQueueDepth(depth int) {}
func (NoOpCollector) RecordTaskDropped() {}
func (NoOpCollector) RecordTask(success bool, duration time.Duration) {}
func (NoOpCollector) RecordSweep(outcome string, examined int) {}
func (NoOpCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {}
