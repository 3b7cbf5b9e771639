package tenancy

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/quorumgate/fabric/pkg/fabricerr"
)

// AuditHook receives bypass enter/exit notifications. Wired to the audit
// sink at startup; kept as a function type to avoid a dependency cycle.
type AuditHook func(ctx context.Context, event string, fields map[string]any)

// Kernel enforces the isolation contract. It is a scoped singleton owned by
// the application object; strict mode is fixed at construction.
type Kernel struct {
	strict bool
	logger *slog.Logger

	mu    sync.Mutex
	audit AuditHook
}

// NewKernel builds a kernel. In strict mode a data-scoped operation with an
// empty tenant id and no active bypass is a runtime error; in lenient mode
// it is a warning.
func NewKernel(strict bool, logger *slog.Logger) *Kernel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{strict: strict, logger: logger.With("component", "tenancy")}
}

// SetAuditHook wires the bypass audit emitter. Call once during startup.
func (k *Kernel) SetAuditHook(h AuditHook) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.audit = h
}

// Strict reports whether strict mode is active.
func (k *Kernel) Strict() bool { return k.strict }

// Scope is the handle returned by Enter. Exit must be called with the same
// handle; it restores nothing (contexts are immutable) but marks the frame
// closed so double-exit is detectable in tests.
type Scope struct {
	ctx    context.Context
	closed bool
}

// Context returns the context carrying the entered tenant frame.
func (s *Scope) Context() context.Context { return s.ctx }

// Exit closes the scope. Exiting twice is a bug in the caller.
func (s *Scope) Exit() {
	s.closed = true
}

// Enter installs tc as the ambient context and returns the scope handle.
func (k *Kernel) Enter(ctx context.Context, tc *TenantContext) *Scope {
	return &Scope{ctx: With(ctx, tc)}
}

// Require returns the ambient tenant context or the strict-mode error.
// Bypass scopes satisfy Require without a tenant.
func (k *Kernel) Require(ctx context.Context) (*TenantContext, error) {
	if _, ok := bypassActive(ctx); ok {
		tc, _ := Current(ctx)
		return tc, nil
	}
	tc, ok := Current(ctx)
	if !ok || tc.TenantID == "" {
		if k.strict {
			return nil, fabricerr.TenantContextRequired()
		}
		k.logger.Warn("data-scoped operation without tenant context")
		return tc, nil
	}
	return tc, nil
}

// Assert verifies that the ambient tenant matches the caller-declared one.
func (k *Kernel) Assert(ctx context.Context, tenantID string) error {
	tc, err := k.Require(ctx)
	if err != nil {
		return err
	}
	if tc == nil || tc.TenantID != tenantID {
		return fabricerr.TenantContextMismatch()
	}
	return nil
}

// Filter returns the predicate inputs for a data-scoped query: the tenant id
// to filter on and whether filtering is bypassed.
func (k *Kernel) Filter(ctx context.Context) (tenantID string, bypassed bool, err error) {
	if _, ok := bypassActive(ctx); ok {
		return "", true, nil
	}
	tc, err := k.Require(ctx)
	if err != nil {
		return "", false, err
	}
	if tc == nil {
		return "", false, nil
	}
	return tc.TenantID, false, nil
}

// ErrEmptyBypassReason rejects unexplained cross-tenant access.
var ErrEmptyBypassReason = errors.New("tenancy: bypass reason must not be empty")

// WithBypass runs fn in a scope where tenant filtering is disabled. Entry
// and exit are audited. The reason is mandatory.
func (k *Kernel) WithBypass(ctx context.Context, reason string, fn func(ctx context.Context) error) error {
	if reason == "" {
		return ErrEmptyBypassReason
	}
	bctx := context.WithValue(ctx, bypassKey, &bypass{reason: reason})

	k.emit(ctx, "bypass_entered", map[string]any{"reason": reason})
	err := fn(bctx)
	k.emit(ctx, "bypass_exited", map[string]any{"reason": reason})
	return err
}

// RunTask is the background-task boundary: tasks never inherit ambient
// context. The tenant id is an explicit required parameter; a fresh context
// is installed for the task body and torn down on exit.
func (k *Kernel) RunTask(ctx context.Context, tenantID, actorID string, fn func(ctx context.Context) error) error {
	if tenantID == "" {
		if k.strict {
			return fabricerr.TenantContextRequired()
		}
		k.logger.Warn("background task launched without tenant id")
	}
	// Detach from any ambient frame before installing the task's own.
	tctx := context.WithValue(context.WithValue(ctx, tenantKey, nil), bypassKey, nil)
	tctx = With(tctx, &TenantContext{TenantID: tenantID, ActorID: actorID})
	return fn(tctx)
}

// GoTask runs the boundary-enforced task on its own goroutine, reporting the
// result on the returned channel.
func (k *Kernel) GoTask(ctx context.Context, tenantID, actorID string, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- k.RunTask(ctx, tenantID, actorID, fn)
	}()
	return done
}

func (k *Kernel) emit(ctx context.Context, event string, fields map[string]any) {
	k.mu.Lock()
	h := k.audit
	k.mu.Unlock()
	if h != nil {
		h(ctx, event, fields)
	}
}
