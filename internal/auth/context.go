// ABOUTME: Verified control identity carried through request handlers
// ABOUTME: Provides WithControl/FromContext for propagating token claims via context

package auth

import (
	"context"
)

// ControlContext holds the identity extracted from a verified control token.
// RequireControlToken populates it before calling the wrapped handler.
type ControlContext struct {
	Subject string // project directory the token was minted for
}

// controlContextKey is the key type for storing ControlContext in context.Context.
type controlContextKey struct{}

// WithControl returns a new context with the ControlContext attached.
func WithControl(ctx context.Context, cc *ControlContext) context.Context {
	return context.WithValue(ctx, controlContextKey{}, cc)
}

// FromContext retrieves the ControlContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *ControlContext {
	cc, _ := ctx.Value(controlContextKey{}).(*ControlContext)
	return cc
}
