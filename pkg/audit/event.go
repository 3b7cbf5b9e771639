// Package audit provides the append-only audit sink. Every state-changing
// call through the fabric produces exactly one event; no update or delete
// path exists anywhere in this package.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an audit event. The set is additive only; names are part
// of the serialized contract and are never renamed.
type EventType string

const (
	EventRequestReceived        EventType = "request_received"
	EventIntentClassified       EventType = "intent_classified"
	EventPromptSanitized        EventType = "prompt_sanitized"
	EventPIIDetected            EventType = "pii_detected"
	EventRateLimitRejected      EventType = "rate_limit_rejected"
	EventQuotaExceeded          EventType = "quota_exceeded"
	EventCircuitStateTransition EventType = "circuit_state_transition"
	EventActionPlanned          EventType = "action_planned"
	EventActionAutoApproved     EventType = "action_auto_approved"
	EventApprovalRequired       EventType = "approval_required"
	EventApprovalGranted        EventType = "approval_granted"
	EventApprovalRejected       EventType = "approval_rejected"
	EventApprovalExpired        EventType = "approval_expired"
	EventTokenValidationFailed  EventType = "token_validation_failed"
	EventBypassEntered          EventType = "bypass_entered"
	EventBypassExited           EventType = "bypass_exited"
	EventExecutionCompleted     EventType = "execution_completed"
	EventExecutionFailed        EventType = "execution_failed"
	EventRequestCancelled       EventType = "request_cancelled"
	EventOutputRejected         EventType = "output_rejected"
	EventPhaseChanged           EventType = "phase_changed"
	EventTenantPaused           EventType = "tenant_paused"
	EventEvidenceExported       EventType = "evidence_exported"
)

// Event is an immutable audit record. Fields are additive only.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     EventType      `json:"event_type"`
	TenantID      string         `json:"tenant_id"`
	ActorID       string         `json:"actor_id"`
	RequestID     string         `json:"request_id,omitempty"`
	ActionID      string         `json:"action_id,omitempty"`
	PlanHash      string         `json:"plan_hash,omitempty"`
	RiskLevel     string         `json:"risk_level,omitempty"`
	Outcome       string         `json:"outcome"`
	PolicyVersion string         `json:"policy_version,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// NewEvent stamps identity and time.
func NewEvent(eventType EventType, tenantID, actorID, outcome string) Event {
	return Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		TenantID:  tenantID,
		ActorID:   actorID,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
}
