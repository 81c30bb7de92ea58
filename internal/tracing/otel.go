package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names, one per runtime component.
const (
	TracerAgent    = "kestrel.agent"
	TracerSession  = "kestrel.session"
	TracerMemory   = "kestrel.memory"
	TracerQueue    = "kestrel.commandqueue"
	TracerTools    = "kestrel.toolexecutor"
	TracerSubagent = "kestrel.subagent"
	TracerProvider = "kestrel.provider"
)

// Span attributes copied from the turn context onto every span.
const (
	AttrSessionID = attribute.Key("kestrel.session_id")
	AttrTurnID    = attribute.Key("kestrel.turn_id")
	AttrTaskID    = attribute.Key("kestrel.task_id")
)

// Telemetry configures the process tracer provider.
type Telemetry struct {
	ServiceName string
	Version     string
	// SampleRatio is the fraction of new traces kept; zero or less keeps all.
	SampleRatio float64
	// Exporter receives finished spans. Nil keeps spans in process, which is
	// enough for trace ids in logs.
	Exporter sdktrace.SpanExporter
}

var (
	setupOnce  sync.Once
	providerMu sync.RWMutex
	provider   *sdktrace.TracerProvider
	setupErr   error
)

// Setup installs the tracer provider once per process. Later calls return
// the first call's result.
func Setup(t Telemetry) error {
	setupOnce.Do(func() {
		attrs := []attribute.KeyValue{semconv.ServiceName(t.ServiceName)}
		if t.Version != "" {
			attrs = append(attrs, semconv.ServiceVersion(t.Version))
		}
		res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
		if err != nil {
			setupErr = err
			return
		}

		ratio := t.SampleRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
			sdktrace.WithResource(res),
		}
		if t.Exporter != nil {
			opts = append(opts, sdktrace.WithBatcher(t.Exporter))
		}
		tp := sdktrace.NewTracerProvider(opts...)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return setupErr
}

// Shutdown flushes pending spans and stops the provider installed by Setup.
func Shutdown(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span on the named tracer, stamps it with the session,
// turn and task ids found in ctx, and records the span's trace id in ctx
// when none is set yet.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	if id := GetSessionID(ctx); id != "" {
		attrs = append(attrs, AttrSessionID.String(id))
	}
	if id := GetTurnID(ctx); id != "" {
		attrs = append(attrs, AttrTurnID.String(id))
	}
	if id := GetTaskID(ctx); id != "" {
		attrs = append(attrs, AttrTaskID.String(id))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}
