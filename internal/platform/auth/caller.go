package auth

import (
	"context"
)

// Role names carried in the caller's bearer token.
const (
	RoleAdmin    = "admin"
	RoleProvider = "provider"
)

// Caller is the authenticated principal behind a request. It is built once by
// the identity middleware and travels explicitly on the request context; no
// handler reads roles or tokens from anywhere else.
type Caller struct {
	UserID     string
	Roles      []string
	ProviderID string
	TenantID   string
}

// HasRole reports whether the caller holds role. Admins hold every role.
func (c Caller) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the caller is a portal administrator.
func (c Caller) IsAdmin() bool {
	for _, r := range c.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// CanActFor reports whether the caller may drive the consent flow on behalf
// of providerID. Providers act only for their own account.
func (c Caller) CanActFor(providerID string) bool {
	if c.IsAdmin() {
		return true
	}
	return providerID != "" && c.ProviderID == providerID
}

type callerKey struct{}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the caller attached by the identity middleware.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

func UserIDFromContext(ctx context.Context) string {
	c, _ := CallerFromContext(ctx)
	return c.UserID
}
