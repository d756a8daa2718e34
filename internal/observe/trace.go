package observe

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/aria"

// Conversation span name and attribute keys.
const (
	SpanConversation   = "aria.conversation"
	AttrConversationID = "conversation.id"
	AttrEndReason      = "conversation.end_reason"
	AttrErrorKind      = "conversation.error_kind"
)

// Tracer returns the aria tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// ConversationSpan covers one conversation from start to teardown. Log
// carries conversation_id, trace_id and span_id.
type ConversationSpan struct {
	Log *slog.Logger

	span trace.Span
	once sync.Once
}

// StartConversation opens the span for conversation id. The returned context
// carries it; cancelling that context does not end the span.
func StartConversation(ctx context.Context, id string) (context.Context, *ConversationSpan) {
	ctx, span := Tracer().Start(ctx, SpanConversation,
		trace.WithAttributes(attribute.String(AttrConversationID, id)),
	)
	return ctx, &ConversationSpan{
		Log:  Logger(ctx).With(slog.String("conversation_id", id)),
		span: span,
	}
}

// Fail records err on the span and marks it failed with kind.
func (s *ConversationSpan) Fail(err error, kind string) {
	s.span.RecordError(err)
	s.span.SetAttributes(attribute.String(AttrErrorKind, kind))
	s.span.SetStatus(codes.Error, kind)
}

// End closes the span with the teardown reason. Only the first call counts.
func (s *ConversationSpan) End(reason string) {
	s.once.Do(func() {
		s.span.SetAttributes(attribute.String(AttrEndReason, reason))
		s.span.End()
	})
}

// CorrelationID returns the trace id in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id from ctx
// attached when a span is active.
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
