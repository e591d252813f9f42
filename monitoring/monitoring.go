package monitoring

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dumende-payments/logging"
)

var (
	InitiationCounter   metric.Int64Counter
	CallbackCounter     metric.Int64Counter
	PollAttemptCounter  metric.Int64Counter
	OutcomeCounter      metric.Int64Counter
	BackendCallDuration metric.Float64Histogram
	HTTPServerDuration  metric.Float64Histogram
)

// Instruments start as no-ops so packages can record before InitMeter runs.
func init() {
	if err := registerInstruments(noop.NewMeterProvider().Meter("noop")); err != nil {
		panic(err)
	}
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(serviceName, endpoint string) (*sdktrace.TracerProvider, trace.Tracer, error) {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	tracer := tp.Tracer(serviceName)

	logging.Info("Tracing initialized", zap.String("service_name", serviceName))

	return tp, tracer, nil
}

// InitMeter initializes OpenTelemetry metrics with an OTLP exporter and a
// Prometheus reader served by MetricsHandler.
func InitMeter(serviceName, endpoint string) (*sdkmetric.MeterProvider, metric.Meter, error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)
	meter := mp.Meter(serviceName)

	if err := registerInstruments(meter); err != nil {
		return nil, nil, err
	}

	logging.Info("Metrics initialized with OTLP and Prometheus exporters", zap.String("endpoint", endpoint))

	return mp, meter, nil
}

// MetricsHandler serves the Prometheus scrape endpoint
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func registerInstruments(meter metric.Meter) error {
	var err error

	InitiationCounter, err = meter.Int64Counter(
		"payment_initiations_total",
		metric.WithDescription("3DS initiation calls by result"),
	)
	if err != nil {
		return err
	}

	CallbackCounter, err = meter.Int64Counter(
		"payment_callbacks_total",
		metric.WithDescription("Supplementary callbacks by result, including suppressed duplicates"),
	)
	if err != nil {
		return err
	}

	PollAttemptCounter, err = meter.Int64Counter(
		"payment_poll_attempts_total",
		metric.WithDescription("Status reconciliation poll attempts by classification"),
	)
	if err != nil {
		return err
	}

	OutcomeCounter, err = meter.Int64Counter(
		"payment_outcomes_total",
		metric.WithDescription("Final reconciliation outcomes"),
	)
	if err != nil {
		return err
	}

	BackendCallDuration, err = meter.Float64Histogram(
		"backend_call_duration_seconds",
		metric.WithDescription("Duration of booking backend calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	HTTPServerDuration, err = meter.Float64Histogram(
		"http_server_duration_milliseconds",
		metric.WithDescription("HTTP server request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return err
}
