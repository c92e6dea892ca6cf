//go:build metrics

package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector provides Prometheus metrics for engram operations.
type PrometheusCollector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	retrievalsTotal   *prometheus.CounterVec
	graphCount        *prometheus.GaugeVec
	rolloutMode       *prometheus.GaugeVec
	registry          *prometheus.Registry
}

// NewCollector creates a Prometheus metrics collector with its own registry.
func NewCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_operations_total",
			Help: "Total number of engram operations by type and status",
		},
		[]string{"operation", "status"},
	)

	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_operation_duration_seconds",
			Help:    "Duration of engram operations by type and stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"operation", "stage"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_errors_total",
			Help: "Total number of errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	retrievalsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_retrievals_total",
			Help: "Retrieval requests by applied strategy and fallback reason",
		},
		[]string{"strategy", "fallback_reason"},
	)

	graphCount := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engram_graph_count",
			Help: "Current count of graph objects by kind",
		},
		[]string{"kind"},
	)

	rolloutMode := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engram_rollout_mode",
			Help: "Active rollout mode (1 for the current mode, 0 otherwise)",
		},
		[]string{"mode"},
	)

	registry.MustRegister(operationsTotal)
	registry.MustRegister(operationDuration)
	registry.MustRegister(errorsTotal)
	registry.MustRegister(retrievalsTotal)
	registry.MustRegister(graphCount)
	registry.MustRegister(rolloutMode)

	return &PrometheusCollector{
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
		errorsTotal:       errorsTotal,
		retrievalsTotal:   retrievalsTotal,
		graphCount:        graphCount,
		rolloutMode:       rolloutMode,
		registry:          registry,
	}
}

// RecordOperation records the completion of an operation.
func (m *PrometheusCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordStage records the duration of one stage within an operation.
func (m *PrometheusCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
	m.operationDuration.WithLabelValues(operation, stage).Observe(float64(durationMs) / 1000.0)
}

// RecordError records an error occurrence.
func (m *PrometheusCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordRetrieval records one retrieval request outcome.
func (m *PrometheusCollector) RecordRetrieval(ctx context.Context, strategy string, fallbackReason string) {
	m.retrievalsTotal.WithLabelValues(strategy, fallbackReason).Inc()
}

// SetGraphCount sets the current count for a graph object kind.
func (m *PrometheusCollector) SetGraphCount(ctx context.Context, kind string, count int64) {
	m.graphCount.WithLabelValues(kind).Set(float64(count))
}

// SetRolloutMode marks the active rollout mode.
func (m *PrometheusCollector) SetRolloutMode(ctx context.Context, mode string) {
	for _, known := range []string{"off", "shadow", "canary"} {
		v := 0.0
		if known == mode {
			v = 1.0
		}
		m.rolloutMode.WithLabelValues(known).Set(v)
	}
}

// Registry returns the Prometheus registry for HTTP exposure.
func (m *PrometheusCollector) Registry() *prometheus.Registry {
	return m.registry
}

// Default returns the collector for this build: the Prometheus collector.
func Default() Collector {
	return NewCollector()
}
