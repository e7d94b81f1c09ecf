// Package auth extracts the caller identity every service scopes its work
// by. Two profiles exist: the development profile trusts X-Tenant-ID /
// X-User-ID headers; the production profile verifies a bearer JWT whose
// claims embed the tenant and user (or agent) identity.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthenticated is returned when no tenant identity can be established.
var ErrUnauthenticated = errors.New("missing tenant identity")

// Identity is the authenticated caller scope attached to every request.
// UserID may name an end user or an agent identity; AgentID is set when the
// caller authenticated as an agent.
type Identity struct {
	TenantID string
	UserID   string
	AgentID  string
}

type contextKey struct{}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext retrieves the identity set by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
