package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/opyter/cromqc"

// Metrics holds the pipeline instruments
type Metrics struct {
	RecordsEnriched     metric.Int64Counter
	RecordsFailed       metric.Int64Counter
	InferenceDuration   metric.Float64Histogram
	ChunkUpsertDuration metric.Float64Histogram
	StreamPublished     metric.Int64Counter
}

// Setup initializes OpenTelemetry tracing, metrics and runtime instrumentation
func Setup(ctx context.Context, serviceName, serviceVersion, endpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(15 * time.Second)); err != nil {
		_ = tracerProvider.Shutdown(ctx)
		_ = meterProvider.Shutdown(ctx)
		return nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(tracerProvider.Shutdown(ctx), meterProvider.Shutdown(ctx))
	}

	return shutdown, nil
}

// InitMetrics creates the pipeline instruments on the global meter provider
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	recordsEnriched, err := meter.Int64Counter(
		"crom.records.enriched",
		metric.WithDescription("Number of readings enriched successfully"),
	)
	if err != nil {
		return nil, err
	}

	recordsFailed, err := meter.Int64Counter(
		"crom.records.failed",
		metric.WithDescription("Number of readings that failed enrichment, by stage"),
	)
	if err != nil {
		return nil, err
	}

	inferenceDuration, err := meter.Float64Histogram(
		"crom.inference.duration",
		metric.WithDescription("Classifier call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	chunkUpsertDuration, err := meter.Float64Histogram(
		"crom.chunk.upsert.duration",
		metric.WithDescription("Chunk upsert duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	streamPublished, err := meter.Int64Counter(
		"crom.stream.published",
		metric.WithDescription("Number of enriched records published to the output channel"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RecordsEnriched:     recordsEnriched,
		RecordsFailed:       recordsFailed,
		InferenceDuration:   inferenceDuration,
		ChunkUpsertDuration: chunkUpsertDuration,
		StreamPublished:     streamPublished,
	}, nil
}

// StartSpan starts a new trace span
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, spanName)
}

// RecordError records an error in the current span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
}

// RecordEnriched counts a successfully enriched reading for a driver path
func RecordEnriched(ctx context.Context, metrics *Metrics, path string) {
	if metrics == nil {
		return
	}
	metrics.RecordsEnriched.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordFailure counts a failed reading by pipeline stage
func RecordFailure(ctx context.Context, metrics *Metrics, path, stage string) {
	if metrics == nil {
		return
	}
	metrics.RecordsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("stage", stage),
	))
}

// RecordInference records the duration of one classifier call
func RecordInference(ctx context.Context, metrics *Metrics, duration time.Duration, ok bool) {
	if metrics == nil {
		return
	}
	metrics.InferenceDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attribute.Bool("ok", ok)))
}

// RecordChunkUpsert records the duration of one chunk upsert
func RecordChunkUpsert(ctx context.Context, metrics *Metrics, tier string, rows int, duration time.Duration) {
	if metrics == nil {
		return
	}
	metrics.ChunkUpsertDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.Int("rows", rows),
	))
}

// RecordPublished counts a record published on the output channel
func RecordPublished(ctx context.Context, metrics *Metrics, transport string) {
	if metrics == nil {
		return
	}
	metrics.StreamPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}
