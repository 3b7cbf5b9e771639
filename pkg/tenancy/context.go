// Package tenancy provides the tenant isolation kernel: ambient per-request
// tenant context, audited bypass scopes, strict-mode enforcement, and the
// background-task boundary. Every data-scoped read path consults Current
// and applies the tenant id as a filter predicate.
package tenancy

import "context"

// TenantContext is the ambient value carried along every request path.
// It is owned by the request frame; background tasks re-declare their own
// from explicit parameters, never inherit.
type TenantContext struct {
	TenantID        string
	ActorID         string
	Role            string
	Permissions     map[string]bool
	IsImpersonating bool
	RealActorID     string // set iff IsImpersonating
}

// Clone returns a deep copy so concurrent children never share mutable state.
func (tc *TenantContext) Clone() *TenantContext {
	if tc == nil {
		return nil
	}
	cp := *tc
	if tc.Permissions != nil {
		cp.Permissions = make(map[string]bool, len(tc.Permissions))
		for k, v := range tc.Permissions {
			cp.Permissions[k] = v
		}
	}
	return &cp
}

// HasPermission reports whether the context carries a capability token.
func (tc *TenantContext) HasPermission(perm string) bool {
	return tc != nil && tc.Permissions[perm]
}

type contextKey string

const (
	tenantKey contextKey = "fabric.tenant"
	bypassKey contextKey = "fabric.bypass"
)

// With attaches a tenant context to ctx.
func With(ctx context.Context, tc *TenantContext) context.Context {
	return context.WithValue(ctx, tenantKey, tc)
}

// Current returns the ambient tenant context, if any.
func Current(ctx context.Context) (*TenantContext, bool) {
	tc, ok := ctx.Value(tenantKey).(*TenantContext)
	if !ok || tc == nil {
		return nil, false
	}
	return tc, true
}

// CurrentTenantID returns the ambient tenant id or empty.
func CurrentTenantID(ctx context.Context) string {
	if tc, ok := Current(ctx); ok {
		return tc.TenantID
	}
	return ""
}

// bypass marks a scope in which tenant filtering is disabled.
type bypass struct {
	reason string
}

func bypassActive(ctx context.Context) (string, bool) {
	b, ok := ctx.Value(bypassKey).(*bypass)
	if !ok {
		return "", false
	}
	return b.reason, true
}

// Spawn prepares a context for a logically-independent concurrent child of
// the same request: the parent's ambient context is cloned at spawn time so
// cross-task mutation is impossible. Bypass scopes do not propagate.
func Spawn(parent context.Context) context.Context {
	child := context.WithValue(parent, bypassKey, nil)
	if tc, ok := Current(parent); ok {
		return With(child, tc.Clone())
	}
	return child
}
