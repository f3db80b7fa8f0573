package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps the OpenTelemetry tracer for this process.
//
// A run owns one trace: the supervisor segments, every LLM call and every
// worker job spawned for the run hang off the same trace id, which is also
// persisted on the run row so operators can jump from an event stream to
// the trace.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures trace export. An empty Endpoint disables export;
// spans still exist but record nothing.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP gRPC collector address ("localhost:4317").
	Endpoint string

	// SamplingRate is the fraction of traces recorded, 0..1. Zero means 1.
	SamplingRate float64

	// Attributes are extra resource attributes stamped on every span.
	Attributes map[string]string

	EnableInsecure bool
}

// NewTracer builds the tracer and its shutdown hook. Exporter construction
// failures degrade to a non-recording tracer rather than failing startup;
// tracing is never load-bearing.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "foreman"
	}
	noop := func(context.Context) error { return nil }

	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	exporter, err := newExporter(config)
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(config)),
		sdktrace.WithSampler(newSampler(config.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}
	return t, provider.Shutdown
}

func newExporter(config TraceConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
}

func newResource(config TraceConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return resource.Default()
	}
	return res
}

func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0 || rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Start opens a child span. The caller ends it.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// RecordError records err on the span and flips the span status. Nil is a
// no-op so callers can record unconditionally on the way out.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceRun opens the root span for one supervisor segment.
func (t *Tracer) TraceRun(ctx context.Context, runID string, ownerID int64) (context.Context, trace.Span) {
	return t.Start(ctx, "run.supervise",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int64("run.owner_id", ownerID),
		))
}

// TraceWorkerJob opens the root span for one worker job execution.
func (t *Tracer) TraceWorkerJob(ctx context.Context, jobID int64, runID, mode string) (context.Context, trace.Span) {
	return t.Start(ctx, "worker.execute",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int64("job.id", jobID),
			attribute.String("run.id", runID),
			attribute.String("job.mode", mode),
		))
}

// GetTraceID returns the active trace id as hex, or "" when nothing is
// recording. Persisted on the run row at launch.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
