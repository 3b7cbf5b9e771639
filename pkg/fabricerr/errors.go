// Package fabricerr defines the error taxonomy shared by every governance
// component. Errors are tagged values, not panics: expected control flow
// (rate limits, quota, phase gates) is returned, never thrown.
//
// The serialized shape is stable: {error_code, message, retry_after?, details?}.
// Messages must never contain PII; put identifiers in Details where the
// caller controls exposure.
package fabricerr

import (
	"errors"
	"fmt"
)

// Code identifies an error kind on the wire.
type Code string

const (
	CodeAIDisabled            Code = "ai_disabled"
	CodePhaseViolation        Code = "phase_violation"
	CodeRateLimitExceeded     Code = "rate_limit_exceeded"
	CodeQuotaExceeded         Code = "quota_exceeded"
	CodeCircuitOpen           Code = "circuit_open"
	CodeInferenceTimeout      Code = "inference_timeout"
	CodePromptUnsafe          Code = "prompt_unsafe"
	CodeOutputInvalid         Code = "output_validation_error"
	CodeApprovalRequired      Code = "approval_required"
	CodeApprovalTokenInvalid  Code = "approval_token_invalid"
	CodeTenantContextRequired Code = "tenant_context_required"
	CodeTenantContextMismatch Code = "tenant_context_mismatch"
	CodeRequestCancelled      Code = "request_cancelled"
)

// TokenFailure narrows CodeApprovalTokenInvalid.
type TokenFailure string

const (
	TokenBadSignature TokenFailure = "bad_signature"
	TokenExpired      TokenFailure = "expired"
	TokenAlreadyUsed  TokenFailure = "already_used"
	TokenPlanDrift    TokenFailure = "plan_drift"
	TokenWrongTenant  TokenFailure = "wrong_tenant"
	TokenWrongAction  TokenFailure = "wrong_action"
	TokenMalformed    TokenFailure = "malformed"
)

// Error is the structured error surfaced to callers of the fabric.
type Error struct {
	Code       Code           `json:"error_code"`
	Message    string         `json:"message"`
	RetryAfter int            `json:"retry_after,omitempty"` // seconds
	Details    map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %ds)", e.Code, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes errors.Is match on code equality so callers can compare against
// sentinel instances without caring about message or details.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Code == fe.Code
}

// New constructs a bare taxonomy error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AIDisabled reports that the master switch is off.
func AIDisabled() *Error {
	return &Error{Code: CodeAIDisabled, Message: "ai features are disabled"}
}

// PhaseViolation reports an operation above the deployed phase.
func PhaseViolation(current, required string) *Error {
	return &Error{
		Code:    CodePhaseViolation,
		Message: "operation not permitted in current rollout phase",
		Details: map[string]any{"current_phase": current, "required_phase": required},
	}
}

// RateLimited reports sliding-window exhaustion.
func RateLimited(retryAfter int) *Error {
	return &Error{
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// QuotaExceeded reports daily budget exhaustion.
func QuotaExceeded(current, limit int64, retryAfter int) *Error {
	return &Error{
		Code:       CodeQuotaExceeded,
		Message:    "daily quota exceeded",
		RetryAfter: retryAfter,
		Details:    map[string]any{"current": current, "limit": limit},
	}
}

// CircuitOpen reports a tripped downstream breaker.
func CircuitOpen(circuit string, retryAfter int) *Error {
	return &Error{
		Code:       CodeCircuitOpen,
		Message:    "downstream circuit is open",
		RetryAfter: retryAfter,
		Details:    map[string]any{"circuit": circuit},
	}
}

// InferenceTimeout reports the downstream call exceeding its budget.
func InferenceTimeout() *Error {
	return &Error{Code: CodeInferenceTimeout, Message: "inference call exceeded time budget"}
}

// PromptUnsafe reports an injection risk score at or above threshold.
func PromptUnsafe(score float64) *Error {
	return &Error{
		Code:    CodePromptUnsafe,
		Message: "prompt rejected by safety pipeline",
		Details: map[string]any{"risk_score": score},
	}
}

// OutputInvalid reports an inference output failing schema validation.
func OutputInvalid(fieldPath, reason string) *Error {
	return &Error{
		Code:    CodeOutputInvalid,
		Message: "inference output failed validation",
		Details: map[string]any{"field": fieldPath, "reason": reason},
	}
}

// ApprovalRequired reports a High or Critical plan waiting on a human.
// The encoded token travels in Details so the admin surface can present it.
func ApprovalRequired(actionID, encodedToken string) *Error {
	return &Error{
		Code:    CodeApprovalRequired,
		Message: "action requires human approval",
		Details: map[string]any{"action_id": actionID, "approval_token": encodedToken},
	}
}

// TokenInvalid reports a failed approval-token redemption with its sub-kind.
func TokenInvalid(kind TokenFailure) *Error {
	return &Error{
		Code:    CodeApprovalTokenInvalid,
		Message: "approval token rejected",
		Details: map[string]any{"reason": string(kind)},
	}
}

// TokenFailureOf extracts the sub-kind from a token validation error,
// returning false if err is not a token error.
func TokenFailureOf(err error) (TokenFailure, bool) {
	var fe *Error
	if !errors.As(err, &fe) || fe.Code != CodeApprovalTokenInvalid {
		return "", false
	}
	reason, ok := fe.Details["reason"].(string)
	if !ok {
		return "", false
	}
	return TokenFailure(reason), true
}

// TenantContextRequired reports a data-scoped operation with no tenant.
func TenantContextRequired() *Error {
	return &Error{Code: CodeTenantContextRequired, Message: "tenant context required"}
}

// TenantContextMismatch reports ambient tenant disagreeing with the caller.
func TenantContextMismatch() *Error {
	return &Error{Code: CodeTenantContextMismatch, Message: "tenant context mismatch"}
}

// RequestCancelled reports caller-side cancellation.
func RequestCancelled() *Error {
	return &Error{Code: CodeRequestCancelled, Message: "request cancelled"}
}

// CodeOf returns the taxonomy code of err, or empty if err is not a fabric error.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
