package metrics

import "context"

// Collector is the interface for metrics collection.
// Implementations include the Prometheus-backed collector (when built with
// -tags metrics) and the no-op collector (default build).
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, durationMs int64)
	RecordStage(ctx context.Context, operation string, stage string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	RecordRetrieval(ctx context.Context, strategy string, fallbackReason string)
	SetGraphCount(ctx context.Context, kind string, count int64)
	SetRolloutMode(ctx context.Context, mode string)
}
