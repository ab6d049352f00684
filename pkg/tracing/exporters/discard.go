package exporters

import (
	"context"

	"go.opentelemetry.io/otel/sdk/trace"
)

// DiscardExporter drops every span. Used when OTLP export is disabled.
type DiscardExporter struct{}

func (d *DiscardExporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	return nil
}

func (d *DiscardExporter) Shutdown(ctx context.Context) error {
	return nil
}
