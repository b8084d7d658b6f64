// Package correlation carries one id from an engine call through its outbox
// events to the handlers that consume them.
package correlation

import (
	"context"
	"encoding/json"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

const (
	PayloadKeyCorrelationID = "correlation_id"
	PayloadKeyTraceID       = "trace_id"
	PayloadKeySpanID        = "span_id"
)

type correlationKey struct{}

func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID keeps an existing id or mints a ulid.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := ExtractCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := ulid.Make().String()
	return ContextWithCorrelationID(ctx, id), id
}

// InjectIntoPayload stamps the correlation id and the active span onto an
// outbox payload.
func InjectIntoPayload(ctx context.Context, payload map[string]any) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	if id := ExtractCorrelationID(ctx); id != "" {
		payload[PayloadKeyCorrelationID] = id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		payload[PayloadKeyTraceID] = sc.TraceID().String()
		payload[PayloadKeySpanID] = sc.SpanID().String()
	}
	return payload
}

// ContextFromPayload is the inverse of InjectIntoPayload for a stored JSON
// payload. Malformed payloads leave ctx unchanged.
func ContextFromPayload(ctx context.Context, raw []byte) context.Context {
	var ids struct {
		CorrelationID string `json:"correlation_id"`
		TraceID       string `json:"trace_id"`
		SpanID        string `json:"span_id"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &ids) != nil {
		return ctx
	}
	ctx = ContextWithRemoteSpan(ctx, ids.TraceID, ids.SpanID)
	return ContextWithCorrelationID(ctx, ids.CorrelationID)
}

func ContextWithRemoteSpan(ctx context.Context, traceIDHex, spanIDHex string) context.Context {
	if traceIDHex == "" || spanIDHex == "" {
		return ctx
	}
	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return ctx
	}
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithSpanContext(ctx, parent)
}
