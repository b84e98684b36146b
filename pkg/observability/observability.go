// Package observability provides OpenTelemetry tracing and metrics for
// gatekeeper runs.
//
// Every orchestrator step is wrapped in TrackOperation, which opens a span and
// records the RED triple (rate, errors, duration). Domain counters cover
// authorization decisions, validator verdicts and run outcomes.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

const instrumentationName = "gatekeeper"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string        `yaml:"service_name" json:"service_name"`
	ServiceVersion string        `yaml:"service_version" json:"service_version"`
	Environment    string        `yaml:"environment" json:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint" json:"otlp_endpoint"` // host:port, gRPC
	SampleRate     float64       `yaml:"sample_rate" json:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Insecure       bool          `yaml:"insecure" json:"insecure"`
	CertFile       string        `yaml:"cert_file" json:"cert_file"`
	KeyFile        string        `yaml:"key_file" json:"key_file"`
	CAFile         string        `yaml:"ca_file" json:"ca_file"`
}

// DefaultConfig returns defaults suitable for a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "gatekeeper",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
	}
}

// Provider manages OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	decisionCounter metric.Int64Counter
	verdictCounter  metric.Int64Counter
	outcomeCounter  metric.Int64Counter
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	return &Provider{config: &Config{}, logger: slog.Default().With("component", "observability")}
}

// New creates a provider exporting over OTLP/gRPC. A disabled config yields a
// no-op provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	creds, err := p.transportCredentials()
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res, creds); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res, creds); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if err := p.instrument(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)
	return p, nil
}

// NewWithProviders wraps already constructed SDK providers. Globals are left
// untouched.
func NewWithProviders(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config:         &Config{Enabled: true, ServiceName: instrumentationName},
		tracerProvider: tp,
		meterProvider:  mp,
		logger:         slog.Default().With("component", "observability"),
	}
	if err := p.instrument(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) transportCredentials() (credentials.TransportCredentials, error) {
	if p.config.Insecure {
		return nil, nil
	}
	if p.config.CAFile == "" && p.config.CertFile == "" {
		return nil, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.config.CAFile != "" {
		pem, err := os.ReadFile(p.config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", p.config.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if p.config.CertFile != "" || p.config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.CertFile, p.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsCfg), nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	switch {
	case p.config.Insecure:
		opts = append(opts, otlptracegrpc.WithInsecure())
	case creds != nil:
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	batchTimeout := p.config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource, creds credentials.TransportCredentials) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	switch {
	case p.config.Insecure:
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	case creds != nil:
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	return nil
}

func (p *Provider) instrument() error {
	version := p.config.ServiceVersion
	p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(version))
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(version))

	var err error
	if p.requestCounter, err = p.meter.Int64Counter("gatekeeper.operations.total",
		metric.WithDescription("Total number of operations started"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("gatekeeper.errors.total",
		metric.WithDescription("Total number of failed operations"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("gatekeeper.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600),
	); err != nil {
		return err
	}
	if p.activeOperations, err = p.meter.Int64UpDownCounter("gatekeeper.operations.active",
		metric.WithDescription("Number of in-flight operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.decisionCounter, err = p.meter.Int64Counter("gatekeeper.authz.decisions",
		metric.WithDescription("Authorization decisions by reason"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	if p.verdictCounter, err = p.meter.Int64Counter("gatekeeper.safety.verdicts",
		metric.WithDescription("Validator verdicts by decision"),
		metric.WithUnit("{verdict}"),
	); err != nil {
		return err
	}
	if p.outcomeCounter, err = p.meter.Int64Counter("gatekeeper.runs",
		metric.WithDescription("Finished runs by outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RecordDecision counts an authorization decision.
func (p *Provider) RecordDecision(ctx context.Context, reason string, allowed bool) {
	if p.decisionCounter != nil {
		p.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", reason),
			attribute.Bool("allowed", allowed),
		))
	}
}

// RecordVerdict counts a validator verdict. rule is empty unless the payload
// was denied.
func (p *Provider) RecordVerdict(ctx context.Context, decision, rule string) {
	if p.verdictCounter != nil {
		p.verdictCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("decision", decision),
			attribute.String("rule", rule),
		))
	}
}

// RecordOutcome counts a finished run.
func (p *Provider) RecordOutcome(ctx context.Context, outcome, reason string) {
	if p.outcomeCounter != nil {
		p.outcomeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("reason", reason),
		))
	}
}

// TrackOperation opens a span and records RED metrics. The returned function
// must be called exactly once with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	opAttrs := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)

	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(opAttrs...))
	}
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(opAttrs...))
	}

	return ctx, func(err error) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(opAttrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(opAttrs...))
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(
					append(opAttrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
			}
		}
		span.End()
	}
}
