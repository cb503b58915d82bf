// Package ctxkeys carries per-request identifiers through a pipeline's
// context so downstream stages and logging can read them without
// threading them through every function signature.
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey    contextKey = "request_id"
	virtualKeyIDKey contextKey = "virtual_key_id"
	backendKey      contextKey = "backend"
	modelKey        contextKey = "model"
)

// WithRequestID attaches the request id (§4.1 step 1: incoming
// x-request-id or a generated ditto-<ts>-<seq>).
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID retrieves the request id set by WithRequestID.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithVirtualKeyID attaches the authenticated virtual key's id.
func WithVirtualKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, virtualKeyIDKey, id)
}

// VirtualKeyID retrieves the virtual key id set by WithVirtualKeyID.
func VirtualKeyID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(virtualKeyIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithBackend attaches the name of the backend the router selected, so
// logging/metrics emitted deeper in the dispatch path don't need it
// passed explicitly.
func WithBackend(ctx context.Context, backend string) context.Context {
	return context.WithValue(ctx, backendKey, backend)
}

// Backend retrieves the backend name set by WithBackend.
func Backend(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(backendKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithModel attaches the request's target model name.
func WithModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, modelKey, model)
}

// Model retrieves the model name set by WithModel.
func Model(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(modelKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
