//go:build !tracing

package trace

import "context"

// NoopExporter discards all records.
type NoopExporter struct{}

// NewNoopExporter creates a no-op exporter.
func NewNoopExporter() Exporter {
	return &NoopExporter{}
}

// Export does nothing.
func (e *NoopExporter) Export(ctx context.Context, record *Record) error {
	return nil
}

// Close does nothing.
func (e *NoopExporter) Close() error {
	return nil
}

// NewFileExporter returns a no-op exporter when the binary is built without
// the tracing tag, so wiring code compiles identically in both builds.
func NewFileExporter(filePath string, opts ...FileExporterOption) (Exporter, error) {
	return &NoopExporter{}, nil
}
