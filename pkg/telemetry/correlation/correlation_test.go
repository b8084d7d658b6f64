package correlation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	ctx, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "cid-1", cid)
	assert.Equal(t, "cid-1", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	require.Len(t, cid, 26)
	assert.Equal(t, cid, ExtractCorrelationID(ctx))
}

func TestInjectIntoPayloadWithRemoteSpan(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")
	ctx = ContextWithCorrelationID(ctx, "cid-2")

	payload := InjectIntoPayload(ctx, nil)
	assert.Equal(t, "cid-2", payload["correlation_id"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", payload["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", payload["span_id"])
}

func TestContextFromPayloadRoundTrip(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")
	ctx = ContextWithCorrelationID(ctx, "cid-3")
	raw, err := json.Marshal(InjectIntoPayload(ctx, map[string]any{"invoice_id": "1"}))
	require.NoError(t, err)

	restored := ContextFromPayload(context.Background(), raw)
	assert.Equal(t, "cid-3", ExtractCorrelationID(restored))
	sc := trace.SpanContextFromContext(restored)
	assert.True(t, sc.IsRemote())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
}

func TestContextFromPayloadIgnoresGarbage(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ContextFromPayload(ctx, []byte("not json")))
	assert.Equal(t, ctx, ContextFromPayload(ctx, nil))
}
