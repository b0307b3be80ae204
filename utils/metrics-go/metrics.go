// Package metrics exports OpenTelemetry metrics over OTLP. Services share
// one process-wide MetricCreator; recording on a nil creator is a no-op so
// callers never have to guard on whether metrics are enabled.
package metrics

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"go.corp.nvidia.com/codehub/utils"
)

// MetricsConfig holds the OTLP exporter settings.
type MetricsConfig struct {
	OTLPEndpoint     string
	ExportIntervalMS int
	ServiceName      string
	ServiceVersion   string
	GlobalTags       map[string]string
	Enabled          bool
}

// MetricCreator records counters, up-down counters and histograms.
// Instruments are created lazily and cached by name. All methods are safe
// for concurrent use.
type MetricCreator struct {
	provider   *sdkmetric.MeterProvider
	meter      metric.Meter
	counters   sync.Map
	upDowns    sync.Map
	histograms sync.Map
	globalTags map[string]string
}

var (
	instance *MetricCreator
	once     sync.Once
	initErr  error
)

// InitMetricCreator initializes the process-wide creator. Only the first
// call takes effect.
func InitMetricCreator(config MetricsConfig) error {
	once.Do(func() {
		instance, initErr = newMetricCreator(config)
	})
	return initErr
}

// GetMetricCreator returns the process-wide creator, nil when metrics were
// never initialized. A nil creator records nothing.
func GetMetricCreator() *MetricCreator {
	return instance
}

func newMetricCreator(config MetricsConfig) (*MetricCreator, error) {
	ctx := context.Background()

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(time.Duration(config.ExportIntervalMS)*time.Millisecond),
		)),
		sdkmetric.WithResource(res),
	)

	// Copied so later mutation of the config map cannot change emitted tags.
	globalTags := make(map[string]string, len(config.GlobalTags))
	for k, v := range config.GlobalTags {
		globalTags[k] = v
	}

	meterName := config.ServiceName
	if config.ServiceVersion != "" {
		meterName += "@" + config.ServiceVersion
	}

	return &MetricCreator{
		provider:   provider,
		meter:      provider.Meter(meterName),
		globalTags: globalTags,
	}, nil
}

// RecordCounter adds value to the named monotonic counter.
func (mc *MetricCreator) RecordCounter(ctx context.Context, name string, value int64, unit, description string, tags map[string]string) error {
	if mc == nil {
		return nil
	}
	counter, err := getOrCreate(&mc.counters, name, func() (metric.Int64Counter, error) {
		return mc.meter.Int64Counter(name, metric.WithUnit(unit), metric.WithDescription(description))
	})
	if err != nil {
		return err
	}
	counter.Add(ctx, value, metric.WithAttributes(mc.attributes(tags)...))
	return nil
}

// RecordUpDownCounter adds value, which may be negative, to the named
// up-down counter.
func (mc *MetricCreator) RecordUpDownCounter(ctx context.Context, name string, value int64, unit, description string, tags map[string]string) error {
	if mc == nil {
		return nil
	}
	counter, err := getOrCreate(&mc.upDowns, name, func() (metric.Int64UpDownCounter, error) {
		return mc.meter.Int64UpDownCounter(name, metric.WithUnit(unit), metric.WithDescription(description))
	})
	if err != nil {
		return err
	}
	counter.Add(ctx, value, metric.WithAttributes(mc.attributes(tags)...))
	return nil
}

// RecordHistogram records value into the named histogram.
func (mc *MetricCreator) RecordHistogram(ctx context.Context, name string, value float64, unit, description string, tags map[string]string) error {
	if mc == nil {
		return nil
	}
	histogram, err := getOrCreate(&mc.histograms, name, func() (metric.Float64Histogram, error) {
		return mc.meter.Float64Histogram(name, metric.WithUnit(unit), metric.WithDescription(description))
	})
	if err != nil {
		return err
	}
	histogram.Record(ctx, value, metric.WithAttributes(mc.attributes(tags)...))
	return nil
}

// getOrCreate returns the cached instrument for name, building it on first
// use. LoadOrStore resolves the race when two goroutines build concurrently.
func getOrCreate[T any](cache *sync.Map, name string, build func() (T, error)) (T, error) {
	if cached, ok := cache.Load(name); ok {
		return cached.(T), nil
	}
	built, err := build()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("create instrument %s: %w", name, err)
	}
	actual, _ := cache.LoadOrStore(name, built)
	return actual.(T), nil
}

// attributes merges global tags with call tags; call tags win.
func (mc *MetricCreator) attributes(callTags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(mc.globalTags)+len(callTags))
	for k, v := range mc.globalTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	for k, v := range callTags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Shutdown flushes pending metrics and stops the exporter.
func (mc *MetricCreator) Shutdown(ctx context.Context) error {
	if mc == nil || mc.provider == nil {
		return nil
	}
	return mc.provider.Shutdown(ctx)
}

// MetricsFlagPointers holds the registered metrics flags until flag.Parse.
type MetricsFlagPointers struct {
	enable     *bool
	host       *string
	port       *int
	intervalMS *int
	component  *string
	version    *string
}

// RegisterMetricsFlags registers the metrics flags. defaultComponent is the
// service name reported when no override is set, e.g. "codehub-operator".
func RegisterMetricsFlags(defaultComponent string) *MetricsFlagPointers {
	return &MetricsFlagPointers{
		enable: flag.Bool("metricsOtelEnable",
			utils.GetEnvBool("METRICS_OTEL_ENABLE", true),
			"Enable OpenTelemetry metrics"),
		host: flag.String("metricsOtelCollectorHost",
			utils.GetEnv("METRICS_OTEL_COLLECTOR_HOST", "localhost"),
			"OpenTelemetry collector host"),
		port: flag.Int("metricsOtelCollectorPort",
			utils.GetEnvInt("METRICS_OTEL_COLLECTOR_PORT", 4317),
			"OpenTelemetry collector port"),
		intervalMS: flag.Int("metricsOtelCollectorIntervalInMillis",
			utils.GetEnvInt("METRICS_OTEL_COLLECTOR_INTERVAL_IN_MILLIS", 6000),
			"OpenTelemetry export interval in milliseconds"),
		component: flag.String("metricsOtelCollectorComponent",
			utils.GetEnv("METRICS_OTEL_COLLECTOR_COMPONENT", defaultComponent),
			"Service name for OpenTelemetry metrics"),
		version: flag.String("serviceVersion",
			utils.GetEnv("SERVICE_VERSION", "unknown"),
			"Service version for OpenTelemetry metrics"),
	}
}

// ToMetricsConfig resolves the parsed flags. Call after flag.Parse.
func (m *MetricsFlagPointers) ToMetricsConfig() MetricsConfig {
	return MetricsConfig{
		OTLPEndpoint:     fmt.Sprintf("%s:%d", *m.host, *m.port),
		ExportIntervalMS: *m.intervalMS,
		ServiceName:      *m.component,
		ServiceVersion:   *m.version,
		GlobalTags:       make(map[string]string),
		Enabled:          *m.enable,
	}
}
