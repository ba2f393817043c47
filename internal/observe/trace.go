package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/neurogate"

// Span attribute keys identifying a tool invocation.
const (
	KeyRequestID = attribute.Key("neurogate.request_id")
	KeySessionID = attribute.Key("neurogate.session_id")
	KeyTool      = attribute.Key("neurogate.tool")
)

// Tracer returns the gateway tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Invocation identifies one tool request as it moves through the gateway.
// Fields are filled in as they become known; the request identifier, for
// one, is only assigned after validation.
type Invocation struct {
	RequestID string
	SessionID string
	Tool      string
}

type invocationKey struct{}

// InvocationFrom returns the invocation carried by ctx.
func InvocationFrom(ctx context.Context) Invocation {
	inv, _ := ctx.Value(invocationKey{}).(Invocation)
	return inv
}

// merge overlays the non-empty fields of o.
func (inv Invocation) merge(o Invocation) Invocation {
	if o.RequestID != "" {
		inv.RequestID = o.RequestID
	}
	if o.SessionID != "" {
		inv.SessionID = o.SessionID
	}
	if o.Tool != "" {
		inv.Tool = o.Tool
	}
	return inv
}

func (inv Invocation) attributes() []attribute.KeyValue {
	var kv []attribute.KeyValue
	if inv.RequestID != "" {
		kv = append(kv, KeyRequestID.String(inv.RequestID))
	}
	if inv.SessionID != "" {
		kv = append(kv, KeySessionID.String(inv.SessionID))
	}
	if inv.Tool != "" {
		kv = append(kv, KeyTool.String(inv.Tool))
	}
	return kv
}

// WithInvocation merges inv into the invocation carried by ctx and tags the
// active span with the result.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	inv = InvocationFrom(ctx).merge(inv)
	trace.SpanFromContext(ctx).SetAttributes(inv.attributes()...)
	return context.WithValue(ctx, invocationKey{}, inv)
}

// StartInvocationSpan starts a span for one stage of a tool request. The
// span carries the request, session and tool of both ctx and inv, and the
// returned context carries them on to [Logger].
func StartInvocationSpan(ctx context.Context, name string, inv Invocation) (context.Context, trace.Span) {
	inv = InvocationFrom(ctx).merge(inv)
	ctx, span := StartSpan(ctx, name, trace.WithAttributes(inv.attributes()...))
	return context.WithValue(ctx, invocationKey{}, inv), span
}

// CorrelationID returns the trace ID of the span in ctx, or "". It is
// handed to HTTP clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the trace and span IDs and
// the invocation carried by ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	var args []any
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		args = append(args,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	inv := InvocationFrom(ctx)
	if inv.RequestID != "" {
		args = append(args, slog.String("request_id", inv.RequestID))
	}
	if inv.SessionID != "" {
		args = append(args, slog.String("session_id", inv.SessionID))
	}
	if inv.Tool != "" {
		args = append(args, slog.String("tool", inv.Tool))
	}
	if len(args) == 0 {
		return l
	}
	return l.With(args...)
}
