// Package otel wires OpenTelemetry tracing and metrics for the host.
// When disabled every tracer and instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "aibo"
	MeterName  = "aibo"

	DefaultServiceName = "aibo-host"
	defaultEndpoint    = "localhost:4318"
)

// Resource attribute keys describing the host process.
var (
	AttrHome        = attribute.Key("aibo.home")
	AttrBindAddr    = attribute.Key("aibo.bind_addr")
	AttrGatewayURL  = attribute.Key("aibo.brain.gateway_url")
	AttrGatewayPort = attribute.Key("aibo.brain.gateway_port")
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// ResourceAttributes are extra key/value pairs stamped on every span and metric,
	// e.g. a device label when several hosts report to one collector.
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

// Host identifies the running host instance on exported telemetry.
type Host struct {
	Version     string
	HomeDir     string
	BindAddr    string
	GatewayURL  string
	GatewayPort int
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init sets up OpenTelemetry. The returned Provider must be Shutdown on exit.
func Init(ctx context.Context, cfg Config, host Host) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(ResourceAttributes(cfg, host)...),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcessPID(),
		resource.WithProcessRuntimeVersion(),
	)
	// A partial resource still carries our own attributes; detector gaps are fine.
	if err != nil && !errors.Is(err, resource.ErrPartialResource) {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName, trace.WithInstrumentationVersion(host.Version)),
		Meter:          mp.Meter(MeterName, metric.WithInstrumentationVersion(host.Version)),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// ResourceAttributes returns the attributes that identify this host on a collector.
// Unset host fields are left out; configured extras come last in key order and
// cannot override the built-in keys.
func ResourceAttributes(cfg Config, host Host) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if host.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(host.Version))
	}
	if hn, err := os.Hostname(); err == nil && hn != "" {
		attrs = append(attrs, attribute.String("service.instance.id", fmt.Sprintf("%s:%d", hn, os.Getpid())))
	}
	if host.HomeDir != "" {
		attrs = append(attrs, AttrHome.String(host.HomeDir))
	}
	if host.BindAddr != "" {
		attrs = append(attrs, AttrBindAddr.String(host.BindAddr))
	}
	if host.GatewayURL != "" {
		attrs = append(attrs, AttrGatewayURL.String(host.GatewayURL))
	}
	if host.GatewayPort > 0 {
		attrs = append(attrs, AttrGatewayPort.Int(host.GatewayPort))
	}

	taken := make(map[attribute.Key]bool, len(attrs))
	for _, a := range attrs {
		taken[a.Key] = true
	}
	keys := make([]string, 0, len(cfg.ResourceAttributes))
	for k := range cfg.ResourceAttributes {
		if k != "" && !taken[attribute.Key(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, cfg.ResourceAttributes[k]))
	}
	return attrs
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// discardExporter drops spans; exporter=none keeps sampling and context
// propagation without shipping anything.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
