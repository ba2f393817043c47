package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// KeyDataRoot is the resource attribute naming the workspace data root.
const KeyDataRoot = attribute.Key("neurogate.data_root")

// ProviderConfig describes the gateway process to the OpenTelemetry SDK.
type ProviderConfig struct {
	// ServiceName defaults to "neurogate".
	ServiceName    string
	ServiceVersion string

	// Instance is the gateway instance label stamped on every container it
	// launches. It is reported as service.instance.id so telemetry and
	// container labels can be joined.
	Instance string

	// Runtime names the container engine backend (docker, podman).
	Runtime string

	// DataRoot is the host directory holding session workspaces.
	DataRoot string

	// TraceExporter is optional. Without one, spans are recorded for log
	// correlation but never leave the process.
	TraceExporter sdktrace.SpanExporter
}

// Resource builds the telemetry resource for cfg. Empty fields are omitted.
func Resource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "neurogate"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.Instance))
	}
	if cfg.Runtime != "" {
		attrs = append(attrs, semconv.ContainerRuntime(cfg.Runtime))
	}
	if cfg.DataRoot != "" {
		attrs = append(attrs, KeyDataRoot.String(cfg.DataRoot))
	}
	// Schemaless, so the SDK default's newer schema URL is kept on merge.
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// InitProvider registers global meter and tracer providers for the gateway.
// Metrics are bridged to the default Prometheus registry, which the HTTP
// transport serves on /metrics. The returned function flushes and closes
// both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := Resource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
