package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with mission-specific spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		// Return a tracer with no-op provider
		return &Tracer{
			provider: sdktrace.NewTracerProvider(),
			tracer:   otel.Tracer(serviceName),
			config:   cfg,
		}, nil
	}

	// Create resource with service information
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	// Create exporter based on configuration
	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = createStdoutExporter(cfg)
	case "none":
		// No exporter - traces are generated but not exported
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Configure sampler
	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(cfg.SamplingRate),
	)

	// Create trace provider
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}

	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)

	// Set global trace provider
	otel.SetTracerProvider(provider)

	// Set global propagator for context propagation
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	// Add custom headers if provided
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	// Add dial options for connection timeout
	opts = append(opts, otlptracegrpc.WithDialOption(
		grpc.WithBlock(),
	))

	return otlptracegrpc.New(context.Background(), opts...)
}

// createStdoutExporter creates a stdout exporter for debugging.
func createStdoutExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithPrettyPrint(),
	)
}

// noopTracer serves span calls on a nil *Tracer.
var noopTracer = noop.NewTracerProvider().Tracer("missionctl")

// Start begins a new span with the given name.
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil {
		return noopTracer.Start(ctx, spanName, opts...)
	}
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartSpan is a convenience method that starts a span with common attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartMissionSpan starts a span for a mission execution.
func (t *Tracer) StartMissionSpan(ctx context.Context, missionID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "mission.execute",
		AttrMissionID.String(missionID),
		attribute.String("span.kind", "mission"),
	)
}

// StartStepSpan starts a span for a step execution.
func (t *Tracer) StartStepSpan(ctx context.Context, missionID, stepID, componentType string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "step.execute",
		AttrMissionID.String(missionID),
		AttrStepID.String(stepID),
		AttrLayer.String(componentType),
		attribute.String("span.kind", "step"),
	)
}

// StartRolloutSpan starts a span for a multi-region rollout.
func (t *Tracer) StartRolloutSpan(ctx context.Context, rolloutID, strategy string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "rollout.execute",
		AttrRolloutID.String(rolloutID),
		AttrRolloutStrategy.String(strategy),
		attribute.String("span.kind", "rollout"),
	)
}

// StartRegionSpan starts a span for one region of a rollout.
func (t *Tracer) StartRegionSpan(ctx context.Context, rolloutID, region string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "region.deploy",
		AttrRolloutID.String(rolloutID),
		AttrRegion.String(region),
		attribute.String("span.kind", "region"),
	)
}

// StartRollbackSpan starts a span for a rollback run.
func (t *Tracer) StartRollbackSpan(ctx context.Context, missionID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "mission.rollback",
		AttrMissionID.String(missionID),
		attribute.String("span.kind", "rollback"),
	)
}

// RecordError records an error on the current span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddFailureEvent records a classified step failure on the span carried by ctx.
func AddFailureEvent(ctx context.Context, stepID, category, message string) {
	trace.SpanFromContext(ctx).AddEvent("step.failed", trace.WithAttributes(
		AttrStepID.String(stepID),
		AttrErrorCategory.String(category),
		AttrErrorMessage.String(message),
	))
}

// AddEvent adds an event to the span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// AddStepEvent adds a step-related event to the span.
func AddStepEvent(span trace.Span, stepID, eventType, message string) {
	span.AddEvent(eventType, trace.WithAttributes(
		AttrStepID.String(stepID),
		attribute.String("event.message", message),
		attribute.String("event.category", "step"),
	))
}

// Shutdown gracefully shuts down the tracer, flushing any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Common attribute keys for mission tracing.
var (
	// Mission attributes
	AttrMissionID     = attribute.Key("mission.id")
	AttrMissionStatus = attribute.Key("mission.status")
	AttrPlanID        = attribute.Key("plan.id")

	// Step attributes
	AttrStepID   = attribute.Key("step.id")
	AttrLayer    = attribute.Key("layer")
	AttrAttempts = attribute.Key("step.attempts")

	// Rollout attributes
	AttrRolloutID       = attribute.Key("rollout.id")
	AttrRolloutStrategy = attribute.Key("rollout.strategy")
	AttrRegion          = attribute.Key("region")

	// Error attributes
	AttrErrorCategory = attribute.Key("error.category")
	AttrErrorMessage  = attribute.Key("error.message")
)
