// Package telemetry wires OpenTelemetry tracing for scan and proxy
// spans. When disabled it hands out the global no-op tracer.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // use insecure connection for OTLP
}

// Provider manages OpenTelemetry tracing.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("aegis"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "aegis"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("aegis"),
		}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("aegis"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attribute keys.
const (
	AttrScanID        = "aegis.scan.id"
	AttrSessionID     = "aegis.session.id"
	AttrRequestKind   = "aegis.request.kind"
	AttrProvider      = "aegis.provider"
	AttrModel         = "aegis.model"
	AttrVerdict       = "aegis.verdict"
	AttrRiskScore     = "aegis.risk.score"
	AttrRiskLevel     = "aegis.risk.level"
	AttrConsensus     = "aegis.council.consensus"
	AttrVoteCount     = "aegis.council.votes"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"
	AttrResponseCode  = "http.response.status_code"
)

// StartRequestSpan starts a span for one proxied HTTP request.
func (p *Provider) StartRequestSpan(ctx context.Context, sessionID, method, path string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "aegis.proxy.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
}

// EndRequestSpan ends a request span with the response outcome.
func (p *Provider) EndRequestSpan(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int(AttrResponseCode, statusCode))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordDecision attaches a scan decision to the active span and emits
// a standalone decision span for audit export.
func (p *Provider) RecordDecision(ctx context.Context, scanID, sessionID, verdict string, riskScore float64, riskLevel string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("scan.decision",
		trace.WithAttributes(
			attribute.String(AttrScanID, scanID),
			attribute.String(AttrVerdict, verdict),
			attribute.Float64(AttrRiskScore, riskScore),
			attribute.String(AttrRiskLevel, riskLevel),
		),
	)

	if !p.Enabled() {
		return
	}
	_, record := p.tracer.Start(ctx, "aegis.scan.record",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrScanID, scanID),
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrVerdict, verdict),
			attribute.Float64(AttrRiskScore, riskScore),
			attribute.String(AttrRiskLevel, riskLevel),
		),
	)
	record.End()
}

// NoopProvider returns a provider that does nothing (for testing).
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("aegis-noop"),
	}
}

// SpanFromContext extracts a span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
