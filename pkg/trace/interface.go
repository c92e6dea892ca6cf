// Package trace exports retrieval decision traces as JSON Lines. The file
// exporter is compiled in with -tags tracing; the default build ships a
// zero-overhead no-op so the hot path never pays for disabled tracing.
package trace

import (
	"context"
	"time"
)

// Exporter writes decision records. Implementations must be safe for
// concurrent use.
type Exporter interface {
	// Export writes one record to the configured destination.
	Export(ctx context.Context, record *Record) error

	// Close flushes buffered records and releases resources.
	Close() error
}

// Record is one sanitized retrieval decision. It carries counts, modes, and
// reason codes only; memory content never leaves the store through a trace.
type Record struct {
	Timestamp time.Time `json:"timestamp"`

	// OperationID correlates this record with logs and metrics.
	OperationID string `json:"operationId"`

	// Operation is "retrieve", "sync", or "remove".
	Operation string `json:"operation"`

	DurationMs int64 `json:"durationMs"`

	Mode              string   `json:"mode,omitempty"`
	RequestedStrategy string   `json:"requestedStrategy,omitempty"`
	AppliedStrategy   string   `json:"appliedStrategy,omitempty"`
	ShadowExecuted    bool     `json:"shadowExecuted,omitempty"`
	GateStatus        string   `json:"gateStatus,omitempty"`
	GateReasons       []string `json:"gateReasons,omitempty"`

	BaselineCount int `json:"baselineCount"`
	GraphCount    int `json:"graphCount"`
	MergedCount   int `json:"mergedCount"`
	ConflictCount int `json:"conflictCount"`

	Fallback       bool   `json:"fallback"`
	FallbackReason string `json:"fallbackReason,omitempty"`

	// ErrorType classifies a failure: validation, not_found, schema_missing,
	// storage, classification, rollout, unknown.
	ErrorType string `json:"errorType,omitempty"`
}

// FileExporterOption configures a FileExporter. The type exists in both
// builds so call sites compile with and without the tracing tag.
type FileExporterOption func(interface{})
