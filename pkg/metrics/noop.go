//go:build !metrics

package metrics

import "context"

// NoopCollector is the default collector when metrics are disabled.
// This file is only compiled when the 'metrics' build tag is NOT present.
type NoopCollector struct{}

// NewNoopCollector creates a no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// Default returns the collector for this build: the no-op collector.
func Default() Collector {
	return NewNoopCollector()
}

func (n *NoopCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
}

func (n *NoopCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
}

func (n *NoopCollector) RecordError(ctx context.Context, operation string, errorType string) {}

func (n *NoopCollector) RecordRetrieval(ctx context.Context, strategy string, fallbackReason string) {
}

func (n *NoopCollector) SetGraphCount(ctx context.Context, kind string, count int64) {}

func (n *NoopCollector) SetRolloutMode(ctx context.Context, mode string) {}
