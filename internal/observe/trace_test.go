package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func spanAttrs(s tracetest.SpanStub) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range s.Attributes {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
	useTracer(t)
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	cid := CorrelationID(ctx)
	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 hex characters", cid)
	}
}

func TestStartInvocationSpan_CarriesIdentifiersToChildren(t *testing.T) {
	exp := useTracer(t)

	ctx, outer := StartInvocationSpan(context.Background(), "gateway.invoke",
		Invocation{Tool: "brain-extraction", SessionID: "s1"})
	// The request identifier is assigned after the span started.
	ctx = WithInvocation(ctx, Invocation{RequestID: "req-1"})
	_, inner := StartInvocationSpan(ctx, "execution.run", Invocation{})
	inner.End()
	outer.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	want := map[attribute.Key]string{KeyRequestID: "req-1", KeySessionID: "s1", KeyTool: "brain-extraction"}
	for _, s := range spans {
		got := spanAttrs(s)
		for k, v := range want {
			if got[k] != v {
				t.Errorf("span %s: %s = %q, want %q", s.Name, k, got[k], v)
			}
		}
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("execution span is not a child of the invocation span")
	}
}

func TestWithInvocation_KeepsEarlierFields(t *testing.T) {
	ctx := WithInvocation(context.Background(), Invocation{SessionID: "s1", Tool: "tissue-segmentation"})
	ctx = WithInvocation(ctx, Invocation{RequestID: "r9"})
	got := InvocationFrom(ctx)
	want := Invocation{RequestID: "r9", SessionID: "s1", Tool: "tissue-segmentation"}
	if got != want {
		t.Errorf("InvocationFrom = %+v, want %+v", got, want)
	}
}

func TestLogger_CarriesInvocation(t *testing.T) {
	useTracer(t)
	buf := captureLogs(t)

	ctx, span := StartInvocationSpan(context.Background(), "execution.run",
		Invocation{RequestID: "req-7", SessionID: "sub01", Tool: "linear-registration"})
	defer span.End()
	Logger(ctx).Info("execution: container running")

	logged := buf.String()
	for _, want := range []string{"trace_id=", "span_id=", "request_id=req-7", "session_id=sub01", "tool=linear-registration"} {
		if !strings.Contains(logged, want) {
			t.Errorf("log line lacks %s: %s", want, logged)
		}
	}
}

func TestLogger_PlainContext(t *testing.T) {
	buf := captureLogs(t)
	Logger(context.Background()).Info("startup")
	if logged := buf.String(); strings.Contains(logged, "trace_id") || strings.Contains(logged, "request_id") {
		t.Errorf("plain context added attributes: %s", logged)
	}
}
