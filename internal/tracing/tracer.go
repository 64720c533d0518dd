// Package tracing wires OpenTelemetry for the bot. Spans cover the chat pipeline and
// the Gemini calls behind it; with tracing disabled every helper is a no-op.
package tracing

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "geminicord"
	Version    = "0.1.0"
)

type ExporterType string

const (
	ExporterNone   ExporterType = "none"
	ExporterStdout ExporterType = "stdout"
	ExporterOTLP   ExporterType = "otlp"
)

// Config holds tracing configuration.
type Config struct {
	Enabled      bool         `yaml:"enabled"`
	ExporterType ExporterType `yaml:"exporter"`
	OTLPEndpoint string       `yaml:"otlp_endpoint"`
	ServiceName  string       `yaml:"service_name"`
	Environment  string       `yaml:"environment"`
	SampleRate   float64      `yaml:"sample_rate"`
	Output       io.Writer    `yaml:"-"` // stdout exporter destination, os.Stdout when nil
}

func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		ExporterType: ExporterNone,
		ServiceName:  "geminicord",
		Environment:  "development",
		SampleRate:   1.0,
	}
}

// Tracer wraps an OpenTelemetry tracer.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	config   Config
}

var (
	global   *Tracer
	globalMu sync.RWMutex
)

// Init builds a tracer from cfg and makes it the process default.
func Init(ctx context.Context, cfg Config) (*Tracer, error) {
	t, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	globalMu.Lock()
	global = t
	globalMu.Unlock()
	return t, nil
}

// Default returns the process tracer, or one backed by the global otel provider
// when Init has not run.
func Default() *Tracer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global == nil {
		return &Tracer{
			tracer: otel.Tracer(TracerName),
			config: DefaultConfig(),
		}
	}
	return global
}

// New creates a Tracer. A disabled config yields a no-op tracer.
func New(ctx context.Context, cfg Config) (*Tracer, error) {
	if !cfg.Enabled || cfg.ExporterType == ExporterNone || cfg.ExporterType == "" {
		return &Tracer{
			tracer: noop.NewTracerProvider().Tracer(TracerName),
			config: cfg,
		}, nil
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	// Not merged with resource.Default(): its schema URL can conflict with semconv.
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
			attribute.String("deployment.environment", cfg.Environment),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(provider)

	return &Tracer{
		tracer:   provider.Tracer(TracerName, trace.WithInstrumentationVersion(Version)),
		provider: provider,
		config:   cfg,
	}, nil
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		opts := []stdouttrace.Option{
			stdouttrace.WithPrettyPrint(),
		}
		if cfg.Output != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Output))
		}
		return stdouttrace.New(opts...)

	case ExporterOTLP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithInsecure(),
		}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// ChatSpan covers one chat request from admission to reply.
type ChatSpan struct {
	span trace.Span
}

func (t *Tracer) StartChatSpan(ctx context.Context, requestID, userID, channelID string) (context.Context, *ChatSpan) {
	ctx, span := t.tracer.Start(ctx, "chat.ask",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("chat.request_id", requestID),
			attribute.String("discord.user_id", userID),
			attribute.String("discord.channel_id", channelID),
		),
	)
	return ctx, &ChatSpan{span: span}
}

// SetOutcome records how the request was answered.
func (cs *ChatSpan) SetOutcome(outcome string) {
	cs.span.SetAttributes(attribute.String("chat.outcome", outcome))
}

func (cs *ChatSpan) SetCacheMatch(kind string, similarity float64) {
	cs.span.SetAttributes(
		attribute.String("cache.match", kind),
		attribute.Float64("cache.similarity", similarity),
	)
}

func (cs *ChatSpan) End() {
	cs.span.SetStatus(codes.Ok, "")
	cs.span.End()
}

func (cs *ChatSpan) EndWithError(err error) {
	cs.span.RecordError(err)
	cs.span.SetStatus(codes.Error, err.Error())
	cs.span.End()
}

// UpstreamSpan covers one Gemini API call, retries included.
type UpstreamSpan struct {
	span trace.Span
}

func (t *Tracer) StartUpstreamSpan(ctx context.Context, op, model string) (context.Context, *UpstreamSpan) {
	ctx, span := t.tracer.Start(ctx, "gemini."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gemini.operation", op),
			attribute.String("gemini.model", model),
		),
	)
	return ctx, &UpstreamSpan{span: span}
}

// SetAttempt records the attempt number of the last try.
func (us *UpstreamSpan) SetAttempt(n int) {
	us.span.SetAttributes(attribute.Int("gemini.attempts", n))
}

func (us *UpstreamSpan) SetUsage(promptTokens, candidateTokens int, finishReason string) {
	us.span.SetAttributes(
		attribute.Int("gemini.tokens.prompt", promptTokens),
		attribute.Int("gemini.tokens.candidates", candidateTokens),
		attribute.String("gemini.finish_reason", finishReason),
	)
}

func (us *UpstreamSpan) End() {
	us.span.SetStatus(codes.Ok, "")
	us.span.End()
}

func (us *UpstreamSpan) EndWithError(err error) {
	us.span.RecordError(err)
	us.span.SetStatus(codes.Error, err.Error())
	us.span.End()
}

// AddEvent adds an event to the span in ctx.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
