package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/svarah/svarah-core/internal/config"
)

const (
	exporterOTLP   = "otlp"
	exporterStdout = "stdout"
	exporterNone   = "none"
)

// telemetry owns the trace and meter providers installed as otel globals.
type telemetry struct {
	resource *resource.Resource
	traces   *sdktrace.TracerProvider
	meters   *sdkmetric.MeterProvider
	exporter string
	// metrics serves the Prometheus scrape endpoint; nil when the exporter
	// could not be registered.
	metrics http.Handler
}

// setupTelemetry installs providers tagged with the runtime name, build
// version and sync device id. Spans only leave the process when an OTLP
// endpoint is configured or stdout traces are switched on.
func setupTelemetry(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) (*telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceVersion(version),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("sync.device_id", cfg.Sync.DeviceID),
			attribute.Bool("sync.enabled", cfg.Sync.Enabled),
		),
	)
	if err != nil {
		return nil, err
	}
	t := &telemetry{resource: res}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); {
	case endpoint != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
		t.exporter = exporterOTLP
	case cfg.Telemetry.StdoutTraces:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
		t.exporter = exporterStdout
	default:
		t.exporter = exporterNone
	}
	t.traces = sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(t.traces)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if promExporter, err := prometheus.New(); err != nil {
		logger.Warn("prometheus exporter unavailable, metrics will not be served", slog.String("error", err.Error()))
	} else {
		meterOpts = append(meterOpts, sdkmetric.WithReader(promExporter))
		t.metrics = promhttp.Handler()
	}
	t.meters = sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(t.meters)

	logger.Info("telemetry initialized",
		slog.String("trace_exporter", t.exporter),
		slog.String("device_id", cfg.Sync.DeviceID),
		slog.Bool("metrics", t.metrics != nil))
	return t, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.traces.Shutdown(ctx))
}
