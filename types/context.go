package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID       contextKey = "trace_id"
	keyRequestID     contextKey = "request_id"
	keyCurrentTaskID contextKey = "current_task_id"
	keyPrincipal     contextKey = "principal"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithRequestID adds the inbound HTTP request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithCurrentTaskID records the task an agent is working on for the
// remainder of the call chain. Nested contact requests use it as the
// parent task of whatever they create.
func WithCurrentTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, keyCurrentTaskID, taskID)
}

// CurrentTaskID extracts the current task ID from context.
func CurrentTaskID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyCurrentTaskID).(string)
	return v, ok && v != ""
}

// WithPrincipal records the authenticated agent id of an inbound request.
func WithPrincipal(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, keyPrincipal, agentID)
}

// Principal extracts the authenticated agent id from context.
func Principal(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyPrincipal).(string)
	return v, ok && v != ""
}
