package auth

import "context"

// RoleAdmin may cross tenant boundaries like a system principal.
const RoleAdmin = "admin"

// TenantContext is the identity extracted from a validated bearer token.
type TenantContext struct {
	TenantID string
	UserID   string
	Roles    []string
	IsSystem bool
}

// HasRole reports whether the context carries the exact role.
func (tc TenantContext) HasRole(role string) bool {
	for _, r := range tc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Privileged reports whether the context may act across tenants.
func (tc TenantContext) Privileged() bool {
	return tc.IsSystem || tc.HasRole(RoleAdmin)
}

type ctxKey struct{}

// WithTenant stores the identity on the request context.
func WithTenant(ctx context.Context, tc TenantContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the identity placed by the auth middleware.
func FromContext(ctx context.Context) (TenantContext, bool) {
	tc, ok := ctx.Value(ctxKey{}).(TenantContext)
	return tc, ok
}
