package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector for Prometheus.
type PrometheusCollector struct {
	namespace string

	transfers       *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	conflicts       *prometheus.CounterVec

	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	circuitState    prometheus.Gauge
	circuitOpens    prometheus.Counter

	queueDepth   prometheus.Gauge
	droppedTasks prometheus.Counter
	tasks        *prometheus.CounterVec
	taskLatency  prometheus.Histogram

	sweeps       *prometheus.CounterVec
	sweptEntries prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		namespace: namespace,
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Transfer initiations by receiver kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Reconciliation attempts by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_conflicts_total",
				Help:      "Outcomes that contradicted an already terminal entry",
			},
			[]string{"trigger"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Settlement provider calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Settlement provider call latency",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
			},
			[]string{"operation"},
		),
		circuitState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_circuit_state",
				Help:      "Provider circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		circuitOpens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_circuit_opens_total",
				Help:      "Number of times the provider circuit breaker opened",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "settlement_queue_depth",
				Help:      "Settlement tasks waiting for a worker",
			},
		),
		droppedTasks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_tasks_dropped_total",
				Help:      "Settlement tasks rejected because the queue was full or closed",
			},
		),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_tasks_total",
				Help:      "Settlement tasks executed by status",
			},
			[]string{"status"},
		),
		taskLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "settlement_task_duration_seconds",
				Help:      "Settlement task execution time",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
			},
		),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Pending sweep runs by outcome",
			},
			[]string{"outcome"},
		),
		sweptEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "swept_entries_total",
				Help:      "Stale pending entries examined by the sweep",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.transfers,
		pc.reconciliations,
		pc.conflicts,
		pc.providerCalls,
		pc.providerLatency,
		pc.circuitState,
		pc.circuitOpens,
		pc.queueDepth,
		pc.droppedTasks,
		pc.tasks,
		pc.taskLatency,
		pc.sweeps,
		pc.sweptEntries,
		pc.httpRequests,
		pc.httpLatency,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordTransfer records a transfer initiation outcome.
func (pc *PrometheusCollector) RecordTransfer(kind, outcome string) {
	pc.transfers.WithLabelValues(kind, outcome).Inc()
}

// RecordReconciliation records one confirmSuccess/confirmFailure attempt.
func (pc *PrometheusCollector) RecordReconciliation(trigger, result string) {
	pc.reconciliations.WithLabelValues(trigger, result).Inc()
}

// RecordConflict records an outcome that disagreed with the terminal state.
func (pc *PrometheusCollector) RecordConflict(trigger string) {
	pc.conflicts.WithLabelValues(trigger).Inc()
}

// RecordProviderCall records a provider round trip.
func (pc *PrometheusCollector) RecordProviderCall(operation, outcome string, duration time.Duration) {
	pc.providerCalls.WithLabelValues(operation, outcome).Inc()
	pc.providerLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(state CircuitState) {
	pc.circuitState.Set(float64(state))
	if state == CircuitOpen {
		pc.circuitOpens.Inc()
	}
}

// RecordQueueDepth records the current settlement queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(depth int) {
	pc.queueDepth.Set(float64(depth))
}

// RecordTaskDropped records a rejected submission.
func (pc *PrometheusCollector) RecordTaskDropped() {
	pc.droppedTasks.Inc()
}

// RecordTask records a finished settlement task.
func (pc *PrometheusCollector) RecordTask(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.tasks.WithLabelValues(status).Inc()
	pc.taskLatency.Observe(duration.Seconds())
}

// RecordSweep records a sweep run.
func (pc *PrometheusCollector) RecordSweep(outcome string, examined int) {
	pc.sweeps.WithLabelValues(outcome).Inc()
	pc.sweptEntries.Add(float64(examined))
}

// RecordHTTPRequest records a served request.
func (pc *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	pc.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	pc.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}
