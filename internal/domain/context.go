package domain

import (
	"context"
	"slices"
)

type principalKey struct{}

// ContextPrincipal carries the authenticated identity through request context.
type ContextPrincipal struct {
	Subject string
	// Teams lists the tenant ids the principal may query. Empty with
	// AllTeams=false means no access.
	Teams    []int64
	AllTeams bool
}

// CanAccess reports whether the principal may act on teamID.
func (p ContextPrincipal) CanAccess(teamID int64) bool {
	return p.AllTeams || slices.Contains(p.Teams, teamID)
}

// WithPrincipal stores a ContextPrincipal in the context.
func WithPrincipal(ctx context.Context, p ContextPrincipal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext extracts the ContextPrincipal from the context.
func PrincipalFromContext(ctx context.Context) (ContextPrincipal, bool) {
	p, ok := ctx.Value(principalKey{}).(ContextPrincipal)
	return p, ok
}
