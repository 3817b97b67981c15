package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every span streamrelay starts.
const tracerName = "github.com/asclepius/streamrelay"

// Attribute keys of the session span.
const (
	AttrSessionID = attribute.Key("relay.session_id")
	AttrPeerAddr  = attribute.Key("net.peer.addr")
)

// Tracer returns the streamrelay tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the root span of one relay session and returns a
// logger carrying the session id and trace ids.
//
// The span outlives the HTTP request that upgraded the connection, so it is
// parented on a context that ignores the request's cancellation.
func StartSessionSpan(ctx context.Context, sessionID, peerAddr string) (context.Context, trace.Span, *slog.Logger) {
	ctx, span := StartSpan(context.WithoutCancel(ctx), "relay.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrSessionID.String(sessionID),
			AttrPeerAddr.String(peerAddr),
		),
	)
	return ctx, span, Logger(ctx).With("session_id", sessionID)
}

// EndSpan ends span, marking it failed with msg when err is non-nil.
func EndSpan(span trace.Span, err error, msg string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}

// CorrelationID returns the trace id of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
