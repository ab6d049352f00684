package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/clover/pkg/tracing/exporters"
)

// ProviderConfig controls how spans leave the process.
type ProviderConfig struct {
	ServiceName string
	Enabled     bool
	OTLP        exporters.OTLPConfig
}

// Setup installs a global tracer provider and returns its shutdown function.
// When export is disabled spans are still created so trace IDs reach logs and responses.
func Setup(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter = &exporters.DiscardExporter{}
	if cfg.Enabled {
		otlp, err := exporters.NewOTLPExporter(ctx, cfg.OTLP)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = otlp
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	SetTracer(provider.Tracer(cfg.ServiceName))

	return provider.Shutdown, nil
}
