// Package identity carries the authenticated caller through a request.
// Principals are produced by the auth middleware from verified bearer tokens;
// everything downstream only reads them.
package identity

import "context"

// Principal is an authenticated caller.
type Principal struct {
	ID    string
	Roles map[string]struct{}
}

// NewPrincipal builds a Principal with the given role names. Empty names are dropped.
func NewPrincipal(id string, roles ...string) *Principal {
	p := &Principal{ID: id, Roles: make(map[string]struct{}, len(roles))}
	for _, r := range roles {
		if r != "" {
			p.Roles[r] = struct{}{}
		}
	}
	return p
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	_, ok := p.Roles[role]
	return ok
}

// HasAnyRole reports whether the principal carries at least one of roles.
func (p *Principal) HasAnyRole(roles []string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithPrincipal returns a copy of ctx carrying p. A nil p leaves ctx unchanged.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored in ctx, or nil for anonymous callers.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextKey{}).(*Principal)
	return p
}
