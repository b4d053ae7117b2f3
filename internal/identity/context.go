// ABOUTME: Request-scoped identity propagation for handlers behind bearer auth
// ABOUTME: Provides WithIdentity/FromContext; identities are never stored beyond the request

package identity

import (
	"context"
)

// identityContextKey is the key type for storing an Identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok {
		return nil
	}
	return id
}
