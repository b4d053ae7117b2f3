// ABOUTME: Request correlation ids carried through the request context.
// ABOUTME: The gateway middleware assigns one per request; handlers read it for logging.

package observability

import (
	"context"

	"github.com/google/uuid"
)

// RequestIDHeader is the header used to accept and return request ids.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// NewRequestID returns a fresh random request id.
func NewRequestID() string {
	return uuid.New().String()
}

// WithRequestID attaches id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id in ctx, or "" if none.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
