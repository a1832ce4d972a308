package monitoring

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
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
)

const TracerName = "paymentswitch"

var (
	// OpenTelemetry metrics. They start as no-ops so packages can record
	// before InitMeter runs, e.g. in tests.
	ConnectorCallDuration metric.Float64Histogram
	AttemptsTotal         metric.Int64Counter
	TransitionsTotal      metric.Int64Counter
	RoutingDecisions      metric.Int64Counter
	WebhooksTotal         metric.Int64Counter
	InFlightExecutions    metric.Int64UpDownCounter
	HTTPServerDuration    metric.Float64Histogram
)

func init() {
	if err := registerInstruments(noop.NewMeterProvider().Meter(TracerName)); err != nil {
		panic(err)
	}
}

func registerInstruments(meter metric.Meter) error {
	var err error

	ConnectorCallDuration, err = meter.Float64Histogram(
		"connector_call_duration_seconds",
		metric.WithDescription("Duration of outbound connector calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	AttemptsTotal, err = meter.Int64Counter(
		"payment_attempts_total",
		metric.WithDescription("Payment attempts by connector and final attempt status"),
	)
	if err != nil {
		return err
	}

	TransitionsTotal, err = meter.Int64Counter(
		"payment_transitions_total",
		metric.WithDescription("Payment intent status transitions by source and outcome"),
	)
	if err != nil {
		return err
	}

	RoutingDecisions, err = meter.Int64Counter(
		"routing_decisions_total",
		metric.WithDescription("Routing decisions by algorithm and result"),
	)
	if err != nil {
		return err
	}

	WebhooksTotal, err = meter.Int64Counter(
		"webhooks_total",
		metric.WithDescription("Inbound webhooks by connector and reconciliation result"),
	)
	if err != nil {
		return err
	}

	InFlightExecutions, err = meter.Int64UpDownCounter(
		"executions_in_flight",
		metric.WithDescription("Admitted payment operations that have not finished"),
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

// InitMeter installs a meter provider backed by the Prometheus exporter and
// returns the scrape handler.
func InitMeter(serviceName string, logger *zap.Logger) (*sdkmetric.MeterProvider, http.Handler, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	exporter, err := otelprom.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	if err := registerInstruments(mp.Meter(serviceName)); err != nil {
		return nil, nil, fmt.Errorf("failed to register instruments: %w", err)
	}

	logger.Info("Metrics initialized with Prometheus exporter")
	return mp, promhttp.Handler(), nil
}

// InitTracer installs a tracer provider. Spans are exported over OTLP gRPC
// when endpoint is set and dropped otherwise.
func InitTracer(serviceName, endpoint string, logger *zap.Logger) (*sdktrace.TracerProvider, trace.Tracer, error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	logger.Info("Tracing initialized", zap.String("service_name", serviceName), zap.String("endpoint", endpoint))
	return tp, tp.Tracer(serviceName), nil
}

// Tracer returns the process tracer. It is a no-op until InitTracer runs.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
