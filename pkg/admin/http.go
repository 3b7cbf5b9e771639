package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/quorumgate/fabric/pkg/approval"
	"github.com/quorumgate/fabric/pkg/audit"
	"github.com/quorumgate/fabric/pkg/config"
	"github.com/quorumgate/fabric/pkg/fabricerr"
	"github.com/quorumgate/fabric/pkg/plan"
)

// Claims are the JWT claims the admin API expects. The subject is the
// operator identity recorded in every audit event. A non-empty TenantID
// confines the token to that tenant's resources; an empty one is an
// unscoped operator token.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// RoleAdmin gates operations with blast radius beyond a single tenant.
const RoleAdmin = "admin"

// HasRole reports whether the token carries the role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// JWTValidator checks HS256 admin tokens.
type JWTValidator struct {
	key []byte
}

// NewJWTValidator wraps the shared signing key.
func NewJWTValidator(key []byte) *JWTValidator {
	return &JWTValidator{key: key}
}

// Validate parses and verifies a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("admin: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("admin: invalid token")
	}
	return claims, nil
}

type claimsKey struct{}

// AuthMiddleware rejects requests without a valid bearer token. A nil
// validator rejects everything (fail closed).
func AuthMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			if validator == nil {
				writeError(w, http.StatusUnauthorized, "authentication not configured")
				return
			}
			claims, err := validator.Validate(parts[1])
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if claims.Subject == "" {
				writeError(w, http.StatusUnauthorized, "token subject is required")
				return
			}
			ctx := contextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func contextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// operatorFrom extracts the authenticated operator, falling back to the
// remote address for unauthenticated test servers.
func operatorFrom(r *http.Request) string {
	if claims := claimsFrom(r); claims != nil {
		return claims.Subject
	}
	return r.RemoteAddr
}

func claimsFrom(r *http.Request) *Claims {
	claims, _ := r.Context().Value(claimsKey{}).(*Claims)
	return claims
}

// tenantAllowed reports whether the presented token may act on tenantID.
// Unauthenticated requests and unscoped tokens are not restricted here.
func tenantAllowed(r *http.Request, tenantID string) bool {
	claims := claimsFrom(r)
	return claims == nil || claims.TenantID == "" || claims.TenantID == tenantID
}

// RateLimitMiddleware bounds per-operator request rates on the admin
// surface. Limiters are lazily created per subject.
func RateLimitMiddleware(rps rate.Limit, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(rps, burst)
			limiters[key] = l
		}
		return l
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiterFor(operatorFrom(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "admin rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handler serves the admin API over the Service.
type Handler struct {
	svc *Service
}

// NewHandler wraps svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers all admin endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/approvals", h.pendingApprovals)
	mux.HandleFunc("POST /admin/approvals/approve", h.approve)
	mux.HandleFunc("POST /admin/approvals/reject", h.reject)
	mux.HandleFunc("GET /admin/approvals/{action_id}", h.status)
	mux.HandleFunc("POST /admin/tenants/pause", h.pauseTenant)
	mux.HandleFunc("POST /admin/tenants/resume", h.resumeTenant)
	mux.HandleFunc("POST /admin/phase", h.setPhase)
	mux.HandleFunc("GET /admin/phase", h.getPhase)
	mux.HandleFunc("GET /admin/audit/export", h.exportEvidence)
}

func (h *Handler) pendingApprovals(w http.ResponseWriter, r *http.Request) {
	if !tenantAllowed(r, r.URL.Query().Get("tenant")) {
		writeError(w, http.StatusForbidden, "token is scoped to another tenant")
		return
	}
	pending, err := h.svc.PendingApprovals(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

type approveRequest struct {
	TenantID string           `json:"tenant_id"`
	ActionID string           `json:"action_id"`
	Token    string           `json:"token"`
	Plan     *plan.ActionPlan `json:"plan"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ActionID == "" || req.Token == "" || req.Plan == nil {
		writeError(w, http.StatusBadRequest, "action_id, token and plan are required")
		return
	}
	if !tenantAllowed(r, req.TenantID) {
		writeError(w, http.StatusForbidden, "token is scoped to another tenant")
		return
	}
	result, err := h.svc.Approve(r.Context(), req.TenantID, req.ActionID, operatorFrom(r), req.Token, req.Plan)
	if err != nil {
		writeFabricError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type rejectRequest struct {
	TenantID string `json:"tenant_id"`
	ActionID string `json:"action_id"`
	Reason   string `json:"reason"`
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !tenantAllowed(r, req.TenantID) {
		writeError(w, http.StatusForbidden, "token is scoped to another tenant")
		return
	}
	result, err := h.svc.Reject(r.Context(), req.TenantID, req.ActionID, operatorFrom(r), req.Reason)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "action not found")
			return
		}
		if errors.Is(err, approval.ErrNotPending) {
			writeError(w, http.StatusConflict, "action already resolved")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Status(r.Context(), r.PathValue("action_id"))
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "action not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type tenantRequest struct {
	TenantID string `json:"tenant_id"`
}

func (h *Handler) pauseTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	h.svc.PauseTenant(r.Context(), req.TenantID, operatorFrom(r))
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": req.TenantID, "paused": true})
}

func (h *Handler) resumeTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	h.svc.ResumeTenant(r.Context(), req.TenantID, operatorFrom(r))
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": req.TenantID, "paused": false})
}

type phaseRequest struct {
	Phase   string `json:"phase"`
	Enabled *bool  `json:"enabled"`
}

func (h *Handler) setPhase(w http.ResponseWriter, r *http.Request) {
	// Phase changes affect every tenant; a tenant-scoped or non-admin
	// token may not make them.
	if claims := claimsFrom(r); claims != nil && !claims.HasRole(RoleAdmin) {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	var req phaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phase == "" {
		writeError(w, http.StatusBadRequest, "phase is required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	h.svc.SetPhase(r.Context(), config.ParsePhase(req.Phase), enabled, operatorFrom(r))
	writeJSON(w, http.StatusOK, h.svc.Phase())
}

func (h *Handler) getPhase(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Phase())
}

func (h *Handler) exportEvidence(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	if !tenantAllowed(r, tenantID) {
		writeError(w, http.StatusForbidden, "token is scoped to another tenant")
		return
	}
	var from, to time.Time
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
	}

	pack, checksum, err := h.svc.ExportEvidence(r.Context(), tenantID, operatorFrom(r), from, to)
	if err != nil {
		switch {
		case errors.Is(err, audit.ErrInvalidTimeRange):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, audit.ErrStoreNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "audit export not configured")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "evidence_"+tenantID+".zip"))
	w.Header().Set("X-Checksum-Sha256", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeFabricError maps taxonomy codes onto HTTP statuses.
func writeFabricError(w http.ResponseWriter, err error) {
	var fe *fabricerr.Error
	if !errors.As(err, &fe) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusUnprocessableEntity
	switch fe.Code {
	case fabricerr.CodeApprovalTokenInvalid:
		status = http.StatusConflict
	case fabricerr.CodePhaseViolation, fabricerr.CodeAIDisabled:
		status = http.StatusForbidden
	case fabricerr.CodeRateLimitExceeded:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, fe)
}
