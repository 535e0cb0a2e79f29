// Package reqctx carries the per-request values the middleware chain
// attaches to a context.Context: the generated request ID and the
// resolved caller identity, so downstream handlers never re-derive them.
package reqctx

import (
	"context"

	"github.com/feedmesh/pricefeed/internal/authz"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	identityKey
)

// WithRequestID attaches id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID attached by the request-ID middleware,
// or "" if none was attached (e.g. in a unit test calling a handler
// directly).
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithIdentity attaches the authenticated caller to ctx.
func WithIdentity(ctx context.Context, id authz.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Identity returns the caller attached by the auth middleware.
func Identity(ctx context.Context) (authz.Identity, bool) {
	id, ok := ctx.Value(identityKey).(authz.Identity)
	return id, ok
}
