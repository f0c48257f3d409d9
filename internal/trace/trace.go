// Package trace carries causality across the triad's process boundary.
// In-process propagation rides context.Context; cross-process propagation
// rides stamped message fields, since the processes only talk through
// files. Spans are mirrored to OpenTelemetry when an OTLP endpoint is
// configured.
package trace

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Message fields used for cross-process propagation. Underscore-prefixed
// to keep them out of the way of payload fields.
const (
	fieldTraceID      = "_trace_id"
	fieldSpanID       = "_span_id"
	fieldParentSpanID = "_parent_span_id"
	fieldOperation    = "_trace_op"
)

// SpanContext identifies one operation within a trace. TraceID is shared
// by every span in the causal chain; SpanID is unique per operation.
type SpanContext struct {
	TraceID      string    `json:"trace_id"`
	SpanID       string    `json:"span_id"`
	ParentSpanID string    `json:"parent_span_id,omitempty"`
	Operation    string    `json:"operation"`
	StartedAt    time.Time `json:"started_at"`
}

// NewRoot starts a fresh trace for the given operation.
func NewRoot(operation string) SpanContext {
	return SpanContext{
		TraceID:   newTraceID(),
		SpanID:    newSpanID(),
		Operation: operation,
		StartedAt: time.Now().UTC(),
	}
}

// Child derives a new span in the same trace, parented to s.
func (s SpanContext) Child(operation string) SpanContext {
	return SpanContext{
		TraceID:      s.TraceID,
		SpanID:       newSpanID(),
		ParentSpanID: s.SpanID,
		Operation:    operation,
		StartedAt:    time.Now().UTC(),
	}
}

// Valid reports whether the span context carries usable identifiers.
func (s SpanContext) Valid() bool { return s.TraceID != "" && s.SpanID != "" }

// Stamp writes the span context into a message envelope.
func Stamp(msg map[string]any, sc SpanContext) {
	msg[fieldTraceID] = sc.TraceID
	msg[fieldSpanID] = sc.SpanID
	if sc.ParentSpanID != "" {
		msg[fieldParentSpanID] = sc.ParentSpanID
	}
	msg[fieldOperation] = sc.Operation
}

// FromMessage extracts a span context from a stamped message. Returns
// false when the message carries no trace fields, which is normal for
// messages from components predating trace stamping.
func FromMessage(msg map[string]any) (SpanContext, bool) {
	traceID, _ := msg[fieldTraceID].(string)
	spanID, _ := msg[fieldSpanID].(string)
	if traceID == "" || spanID == "" {
		return SpanContext{}, false
	}
	parent, _ := msg[fieldParentSpanID].(string)
	op, _ := msg[fieldOperation].(string)
	return SpanContext{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parent,
		Operation:    op,
	}, true
}

type ctxKey struct{}

// With attaches a span context to a Go context.
func With(ctx context.Context, sc SpanContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// FromContext extracts the current span context, if any.
func FromContext(ctx context.Context) (SpanContext, bool) {
	sc, ok := ctx.Value(ctxKey{}).(SpanContext)
	return sc, ok
}

// Tracer starts spans that propagate both through Go contexts and, when
// exporting is configured, through the global OpenTelemetry provider.
type Tracer struct {
	otel oteltrace.Tracer
}

// NewTracer returns a tracer scoped to the given instrumentation name.
func NewTracer(name string) *Tracer {
	return &Tracer{otel: OtelTracer(name)}
}

// StartSpan begins a span for operation. If ctx already carries a span
// context, the new span is its child; otherwise a new trace starts. The
// returned function ends the span.
func (t *Tracer) StartSpan(ctx context.Context, operation string) (context.Context, SpanContext, func()) {
	var sc SpanContext
	if parent, ok := FromContext(ctx); ok {
		sc = parent.Child(operation)
	} else {
		sc = NewRoot(operation)
	}
	ctx = With(ctx, sc)

	ctx, span := t.otel.Start(ctx, operation, oteltrace.WithAttributes(
		attribute.String("triad.trace_id", sc.TraceID),
		attribute.String("triad.span_id", sc.SpanID),
	))
	return ctx, sc, func() { span.End() }
}

// ContinueFromMessage resumes a trace extracted from an inbound message.
// Falls back to a new root trace when the message is unstamped.
func (t *Tracer) ContinueFromMessage(ctx context.Context, msg map[string]any, operation string) (context.Context, SpanContext, func()) {
	if remote, ok := FromMessage(msg); ok {
		ctx = With(ctx, remote)
	}
	return t.StartSpan(ctx, operation)
}

func newTraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func newSpanID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:8])
}
