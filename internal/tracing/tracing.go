package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of the ebreplay tracer.
const TracerName = "github.com/chronos/ebreplay"

// Config holds tracing configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"` // OTLP/HTTP host:port
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
	SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"` // 0.0 to 1.0
}

// DefaultConfig returns the default tracing configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "ebreplay",
		Endpoint:    "localhost:4318",
		Insecure:    true,
		SampleRate:  1.0,
	}
}

var tracer = otel.Tracer(TracerName)

// GetTracer returns the ebreplay tracer.
func GetTracer() trace.Tracer {
	return tracer
}

// SetTracer sets a custom tracer (useful for testing).
func SetTracer(t trace.Tracer) {
	tracer = t
}

// Span attributes for replay operations.
var (
	AttrExecID      = attribute.Key("ebreplay.execution.id")
	AttrExecState   = attribute.Key("ebreplay.execution.state")
	AttrReplayName  = attribute.Key("ebreplay.replay.name")
	AttrEventID     = attribute.Key("ebreplay.event.id")
	AttrEventSource = attribute.Key("ebreplay.event.source")
	AttrBus         = attribute.Key("ebreplay.bus")
	AttrDelay       = attribute.Key("ebreplay.wait.delay_seconds")
	AttrFailed      = attribute.Key("ebreplay.publish.failed_entry_count")
)

// StartExecutionSpan starts the root span of a replay execution.
func StartExecutionSpan(ctx context.Context, execID, replayName, eventID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "replay.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrExecID.String(execID),
			AttrReplayName.String(replayName),
			AttrEventID.String(eventID),
		),
	)
}

// StartStepSpan starts a span for one workflow step, e.g. "calculate" or "wait".
func StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "replay."+step,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartPublishSpan starts a client span for a bus publish.
func StartPublishSpan(ctx context.Context, bus, source string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "replay.publish",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrBus.String(bus),
			AttrEventSource.String(source),
		),
	)
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddExecutionAttributes adds the final execution state to a span.
func AddExecutionAttributes(span trace.Span, state string, duration time.Duration) {
	span.SetAttributes(
		AttrExecState.String(state),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)
}

// Propagator returns the context propagator.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// InjectTraceContext injects trace context into a carrier.
func InjectTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	Propagator().Inject(ctx, carrier)
}

// ExtractTraceContext extracts trace context from a carrier.
func ExtractTraceContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return Propagator().Extract(ctx, carrier)
}

// MapCarrier adapts a string map, such as queue message attributes, to a carrier.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
