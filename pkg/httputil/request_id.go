package httputil

import "context"

// HeaderRequestID carries the request id across service hops.
const HeaderRequestID = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID stores id on ctx for outbound calls.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
