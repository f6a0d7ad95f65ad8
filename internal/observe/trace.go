package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every phonebridge span.
const tracerName = "github.com/MrWong99/phonebridge"

// Span attribute keys for a relayed call. The stream and call SIDs are only
// known once the telephony start event arrives.
const (
	AttrSessionID = attribute.Key("phonebridge.session.id")
	AttrStreamSID = attribute.Key("phonebridge.stream.sid")
	AttrCallSID   = attribute.Key("phonebridge.call.sid")
)

// Tracer returns the phonebridge tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span under whatever span ctx carries. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan starts the span covering one relayed call. When the call
// arrived through [Middleware] it nests under the media-stream request span.
func StartCallSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "relay.session", trace.WithAttributes(AttrSessionID.String(sessionID)))
}

// AnnotateStream tags the call span in ctx with the telephony identifiers.
// Empty values are skipped.
func AnnotateStream(ctx context.Context, streamSID, callSID string) {
	span := trace.SpanFromContext(ctx)
	if streamSID != "" {
		span.SetAttributes(AttrStreamSID.String(streamSID))
	}
	if callSID != "" {
		span.SetAttributes(AttrCallSID.String(callSID))
	}
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID is the trace ID in ctx, echoed to clients as
// X-Correlation-ID. It is empty outside a span.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id from ctx, so
// call logs can be joined with their spans, followed by args.
func Logger(ctx context.Context, args ...any) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(args) > 0 {
		l = l.With(args...)
	}
	return l
}
