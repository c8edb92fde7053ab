package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
)

const (
	ServiceName    = "peoplecore-license-engine"
	ServiceVersion = "v1.0.0"
	MeterName      = "peoplecore"
)

// OTelConfig holds OpenTelemetry configuration
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	MetricExporter string // "prometheus", "none"
	EnableMetrics  bool
}

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	MeterProvider  *sdkmetric.MeterProvider
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// DefaultOTelConfig returns a default OpenTelemetry configuration
func DefaultOTelConfig() *OTelConfig {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	return &OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		Environment:    env,
		MetricExporter: "prometheus",
		EnableMetrics:  true,
	}
}

// InitializeOTel builds the metric pipeline. Only the Prometheus pull
// exporter is supported; "none" leaves the providers empty so callers
// can run without a metrics endpoint.
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	if cfg == nil {
		cfg = DefaultOTelConfig()
	}

	ctx := context.Background()
	providers := &OTelProviders{Logger: logger}

	if !cfg.EnableMetrics || cfg.MetricExporter == "none" {
		return providers, nil
	}
	if cfg.MetricExporter != "prometheus" {
		return nil, fmt.Errorf("unsupported metric exporter: %s", cfg.MetricExporter)
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("service.instance.id", fmt.Sprintf("%s-%d", hostname, time.Now().Unix())),
	)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	providers.MeterProvider = mp
	providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	providers.PrometheusHTTP = promhttp.Handler()

	logger.InfoContext(ctx, "metric pipeline ready",
		slog.String("service", cfg.ServiceName),
		slog.String("environment", cfg.Environment),
		slog.String("exporter", cfg.MetricExporter))

	return providers, nil
}

// Shutdown flushes and stops the meter provider
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("meter provider shutdown: %w", err)
		}
	}

	p.Logger.InfoContext(ctx, "OpenTelemetry shutdown complete")
	return nil
}

// LicenseMetrics holds all application-specific metrics
type LicenseMetrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPActiveRequests  metric.Int64UpDownCounter

	ValidationChecksTotal   metric.Int64Counter
	ValidationFailuresTotal metric.Int64Counter
	ValidationDuration      metric.Float64Histogram

	VerdictCacheHits   metric.Int64Counter
	VerdictCacheMisses metric.Int64Counter

	RemoteCallsTotal   metric.Int64Counter
	RemoteCallDuration metric.Float64Histogram
	RemoteRetriesTotal metric.Int64Counter

	SyncAttemptsTotal      metric.Int64Counter
	SyncFailuresTotal      metric.Int64Counter
	TelemetrySnapshotsSent metric.Int64Counter

	SystemErrors metric.Int64Counter
}

// instrumentBuilder collects the first creation error so CreateLicenseMetrics
// does not need an error check per instrument.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("instrument %s: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) seconds(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("instrument %s: %w", name, err)
	}
	return h
}

func (b *instrumentBuilder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("instrument %s: %w", name, err)
	}
	return c
}

// CreateLicenseMetrics registers the application instruments
func CreateLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	b := &instrumentBuilder{meter: meter}

	m := &LicenseMetrics{
		HTTPRequestsTotal:   b.counter("http_requests_total", "Total number of HTTP requests"),
		HTTPRequestDuration: b.seconds("http_request_duration_seconds", "HTTP request duration in seconds"),
		HTTPActiveRequests:  b.upDown("http_active_requests", "Number of active HTTP requests"),

		ValidationChecksTotal:   b.counter("license_validation_checks_total", "Total number of license validation checks"),
		ValidationFailuresTotal: b.counter("license_validation_failures_total", "Total number of license validation failures"),
		ValidationDuration:      b.seconds("license_validation_duration_seconds", "License validation duration in seconds"),

		VerdictCacheHits:   b.counter("license_verdict_cache_hits_total", "Total number of enforcement verdict cache hits"),
		VerdictCacheMisses: b.counter("license_verdict_cache_misses_total", "Total number of enforcement verdict cache misses"),

		RemoteCallsTotal:   b.counter("admin_panel_calls_total", "Total number of admin panel API calls"),
		RemoteCallDuration: b.seconds("admin_panel_call_duration_seconds", "Admin panel API call duration in seconds"),
		RemoteRetriesTotal: b.counter("admin_panel_retries_total", "Total number of admin panel call retries"),

		SyncAttemptsTotal:      b.counter("license_sync_attempts_total", "Total number of background sync attempts"),
		SyncFailuresTotal:      b.counter("license_sync_failures_total", "Total number of failed background sync attempts"),
		TelemetrySnapshotsSent: b.counter("telemetry_snapshots_sent_total", "Total number of telemetry snapshots delivered"),

		SystemErrors: b.counter("system_errors_total", "Total number of system errors"),
	}

	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// RecordValidation records metrics for a single validation pass
func RecordValidation(ctx context.Context, metrics *LicenseMetrics, source string, duration time.Duration, err error) {
	if metrics == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("source", source)}

	metrics.ValidationChecksTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	metrics.ValidationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		failAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		metrics.ValidationFailuresTotal.Add(ctx, 1, metric.WithAttributes(failAttrs...))
	}
}
