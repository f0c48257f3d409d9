package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoot(t *testing.T) {
	sc := NewRoot("startup")

	assert.True(t, sc.Valid())
	assert.Len(t, sc.TraceID, 32)
	assert.Len(t, sc.SpanID, 16)
	assert.Empty(t, sc.ParentSpanID)
	assert.Equal(t, "startup", sc.Operation)
}

func TestChild(t *testing.T) {
	root := NewRoot("startup")
	child := root.Child("start_component")

	assert.Equal(t, root.TraceID, child.TraceID, "trace id is shared along the chain")
	assert.NotEqual(t, root.SpanID, child.SpanID)
	assert.Equal(t, root.SpanID, child.ParentSpanID)
	assert.Equal(t, "start_component", child.Operation)
}

func TestStampAndFromMessage(t *testing.T) {
	sc := NewRoot("publish").Child("heartbeat")
	msg := map[string]any{"component": "mind"}

	Stamp(msg, sc)

	got, ok := FromMessage(msg)
	require.True(t, ok)
	assert.Equal(t, sc.TraceID, got.TraceID)
	assert.Equal(t, sc.SpanID, got.SpanID)
	assert.Equal(t, sc.ParentSpanID, got.ParentSpanID)
	assert.Equal(t, "heartbeat", got.Operation)
	assert.Equal(t, "mind", msg["component"], "payload fields untouched")
}

func TestFromMessage_Unstamped(t *testing.T) {
	_, ok := FromMessage(map[string]any{"component": "body"})
	assert.False(t, ok)
}

func TestFromMessage_PartialStampRejected(t *testing.T) {
	_, ok := FromMessage(map[string]any{fieldTraceID: "abc"})
	assert.False(t, ok)
}

func TestContextRoundTrip(t *testing.T) {
	sc := NewRoot("op")
	ctx := With(context.Background(), sc)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, sc, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}

func TestTracer_StartSpanChainsFromContext(t *testing.T) {
	tr := NewTracer("test")

	ctx, root, end := tr.StartSpan(context.Background(), "outer")
	defer end()

	_, child, endChild := tr.StartSpan(ctx, "inner")
	defer endChild()

	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentSpanID)
}

func TestTracer_ContinueFromMessage(t *testing.T) {
	tr := NewTracer("test")
	remote := NewRoot("remote_op")
	msg := map[string]any{}
	Stamp(msg, remote)

	_, sc, end := tr.ContinueFromMessage(context.Background(), msg, "local_op")
	defer end()

	assert.Equal(t, remote.TraceID, sc.TraceID)
	assert.Equal(t, remote.SpanID, sc.ParentSpanID)
	assert.Equal(t, "local_op", sc.Operation)
}

func TestTracer_ContinueFromUnstampedMessageStartsRoot(t *testing.T) {
	tr := NewTracer("test")

	_, sc, end := tr.ContinueFromMessage(context.Background(), map[string]any{}, "local_op")
	defer end()

	assert.True(t, sc.Valid())
	assert.Empty(t, sc.ParentSpanID)
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "triad-test", "", false)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
