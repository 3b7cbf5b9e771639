package approval

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quorumgate/fabric/pkg/audit"
	"github.com/quorumgate/fabric/pkg/config"
	"github.com/quorumgate/fabric/pkg/fabricerr"
	"github.com/quorumgate/fabric/pkg/plan"
)

// Decision is the gate's verdict on a proposed plan.
type Decision struct {
	ActionID     string         `json:"action_id"`
	AutoApproved bool           `json:"auto_approved"`
	Risk         Classification `json:"risk"`
	PlanHash     string         `json:"plan_hash"`
	// Token is the encoded approval token when approval is required.
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Gate decides whether a plan needs human approval and runs the token
// lifecycle: mint at enqueue, validate-and-consume at redemption.
type Gate struct {
	classifier *Classifier
	policy     *PolicyEvaluator
	codec      *Codec
	registry   *Registry
	queue      QueueStore
	sink       audit.Sink
	logger     *slog.Logger
	clock      func() time.Time
}

// NewGate wires the gate. policy may be nil.
func NewGate(classifier *Classifier, policy *PolicyEvaluator, codec *Codec, registry *Registry, queue QueueStore, sink audit.Sink, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		classifier: classifier,
		policy:     policy,
		codec:      codec,
		registry:   registry,
		queue:      queue,
		sink:       sink,
		logger:     logger.With("component", "approval"),
		clock:      time.Now,
	}
}

// WithClock replaces the time source for tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	if g.codec != nil {
		g.codec.WithClock(clock)
	}
	if g.registry != nil {
		g.registry.WithClock(clock)
	}
	return g
}

// Registry exposes the consumed-token set for the sweeper.
func (g *Gate) Registry() *Registry { return g.registry }

// Queue exposes the pending queue for the admin surface.
func (g *Gate) Queue() QueueStore { return g.queue }

// EvaluateInput carries what the gate needs about one plan.
type EvaluateInput struct {
	TenantID string
	ActorID  string
	Scenario string
	Phase    config.Phase
	Plan     *plan.ActionPlan
}

// Evaluate classifies the plan and either auto-approves it or enqueues
// it with a freshly minted token. Phase interaction: in ReadOnly no
// execution-class token is ever minted; in Proposal the request is
// enqueued and the token minted, but redemption stays blocked until
// the Execution phase.
func (g *Gate) Evaluate(ctx context.Context, in EvaluateInput) (*Decision, error) {
	cls := g.classifier.Classify(in.Plan, in.Scenario)
	cls = g.policy.Apply(in.Plan, in.Scenario, cls)

	hash, err := in.Plan.Hash()
	if err != nil {
		return nil, fmt.Errorf("approval: plan hash: %w", err)
	}
	actionID := uuid.NewString()

	if !cls.Level.RequiresApproval() {
		g.record(ctx, audit.EventActionAutoApproved, in, actionID, map[string]any{
			"risk_level": string(cls.Level),
			"plan_hash":  hash,
		})
		return &Decision{ActionID: actionID, AutoApproved: true, Risk: cls, PlanHash: hash}, nil
	}

	if in.Phase < config.PhaseProposal {
		g.record(ctx, audit.EventApprovalRequired, in, actionID, map[string]any{
			"risk_level": string(cls.Level),
			"plan_hash":  hash,
			"outcome":    "rejected_read_only_phase",
		})
		return nil, fabricerr.PhaseViolation(in.Phase.String(), config.PhaseProposal.String())
	}

	var hashBytes [planHashLen]byte
	decoded, err := hex.DecodeString(hash)
	if err != nil || len(decoded) != planHashLen {
		return nil, fmt.Errorf("approval: bad plan hash %q", hash)
	}
	copy(hashBytes[:], decoded)

	// Ownership of the token transfers to the requester at mint time;
	// the registry keeps only the validation record.
	tok, encoded, err := g.codec.Mint(in.TenantID, actionID, in.ActorID, hashBytes)
	if err != nil {
		return nil, err
	}

	planJSON, err := in.Plan.Canonical()
	if err != nil {
		return nil, fmt.Errorf("approval: canonical plan: %w", err)
	}
	req := Request{
		ActionID:  actionID,
		TenantID:  in.TenantID,
		ActorID:   in.ActorID,
		Scenario:  in.Scenario,
		PlanHash:  hash,
		PlanJSON:  planJSON,
		Risk:      cls,
		Status:    StatusPending,
		CreatedAt: g.clock().UTC(),
		ExpiresAt: tok.ExpiresAt,
	}
	if err := g.queue.Enqueue(ctx, req); err != nil {
		return nil, fmt.Errorf("approval: enqueue: %w", err)
	}

	g.record(ctx, audit.EventApprovalRequired, in, actionID, map[string]any{
		"risk_level": string(cls.Level),
		"plan_hash":  hash,
		"token_id":   tok.IDString(),
		"expires_at": tok.ExpiresAt,
	})
	g.logger.Info("approval required",
		"tenant_id", in.TenantID, "action_id", actionID, "risk_level", cls.Level)

	return &Decision{
		ActionID:  actionID,
		Risk:      cls,
		PlanHash:  hash,
		Token:     encoded,
		ExpiresAt: tok.ExpiresAt,
	}, nil
}

// Redeem validates a presented token against the current plan and, on
// success, consumes it and marks the queued request approved. Failure
// never consumes the token. Redemption requires the Execution phase.
func (g *Gate) Redeem(ctx context.Context, phase config.Phase, tenantID, actionID, approver, encoded string, current *plan.ActionPlan) (Request, error) {
	if phase < config.PhaseExecution {
		return Request{}, fabricerr.PhaseViolation(phase.String(), config.PhaseExecution.String())
	}

	hash, err := current.Hash()
	if err != nil {
		return Request{}, fmt.Errorf("approval: plan hash: %w", err)
	}
	var hashBytes [planHashLen]byte
	decoded, err := hex.DecodeString(hash)
	if err != nil || len(decoded) != planHashLen {
		return Request{}, fmt.Errorf("approval: bad plan hash %q", hash)
	}
	copy(hashBytes[:], decoded)

	tok, verr := g.codec.Verify(encoded, g.registry, tenantID, actionID, hashBytes)
	if verr != nil {
		kind := tokenFailureKind(verr)
		fields := map[string]any{"action_id": actionID, "reason": string(kind)}
		if tok != nil {
			fields["token_id"] = tok.IDString()
		}
		g.recordRaw(ctx, audit.EventTokenValidationFailed, tenantID, approver, "failure", fields)
		return Request{}, fabricerr.TokenInvalid(kind)
	}

	at := g.clock().UTC()
	req, err := g.queue.Decide(ctx, actionID, StatusApproved, approver, "token redeemed", at)
	if err != nil {
		// Queue entry missing or already resolved (e.g. swept as expired
		// after the token check passed); surface as already-used.
		g.recordRaw(ctx, audit.EventTokenValidationFailed, tenantID, approver, "failure", map[string]any{
			"action_id": actionID, "reason": string(fabricerr.TokenAlreadyUsed),
		})
		return req, fabricerr.TokenInvalid(fabricerr.TokenAlreadyUsed)
	}

	g.recordRaw(ctx, audit.EventApprovalGranted, tenantID, approver, "success", map[string]any{
		"action_id": actionID,
		"token_id":  tok.IDString(),
		"plan_hash": hash,
	})
	return req, nil
}

// Reject resolves a pending request negatively. The minted token stays
// unredeemable once the request leaves the pending state.
func (g *Gate) Reject(ctx context.Context, tenantID, actionID, rejector, reason string) (Request, error) {
	req, err := g.queue.Decide(ctx, actionID, StatusRejected, rejector, reason, g.clock().UTC())
	if err != nil {
		return req, err
	}
	g.recordRaw(ctx, audit.EventApprovalRejected, tenantID, rejector, "success", map[string]any{
		"action_id": actionID,
		"reason":    reason,
	})
	return req, nil
}

// OnExpired is the sweeper callback: audits the expiry transition.
func (g *Gate) OnExpired(req Request) {
	g.recordRaw(context.Background(), audit.EventApprovalExpired, req.TenantID, req.ActorID, "expired", map[string]any{
		"action_id": req.ActionID,
		"plan_hash": req.PlanHash,
	})
}

func (g *Gate) record(ctx context.Context, typ audit.EventType, in EvaluateInput, actionID string, fields map[string]any) {
	fields["action_id"] = actionID
	fields["scenario"] = in.Scenario
	outcome := "success"
	if v, ok := fields["outcome"].(string); ok {
		outcome = v
		delete(fields, "outcome")
	}
	g.recordRaw(ctx, typ, in.TenantID, in.ActorID, outcome, fields)
}

func (g *Gate) recordRaw(ctx context.Context, typ audit.EventType, tenantID, actorID, outcome string, fields map[string]any) {
	if g.sink == nil {
		return
	}
	e := audit.NewEvent(typ, tenantID, actorID, outcome)
	if v, ok := fields["action_id"].(string); ok {
		e.ActionID = v
		delete(fields, "action_id")
	}
	if v, ok := fields["plan_hash"].(string); ok {
		e.PlanHash = v
		delete(fields, "plan_hash")
	}
	if v, ok := fields["risk_level"].(string); ok {
		e.RiskLevel = v
		delete(fields, "risk_level")
	}
	e.Extra = fields
	g.sink.Record(ctx, e)
}

func tokenFailureKind(err error) fabricerr.TokenFailure {
	switch {
	case errors.Is(err, ErrBadSignature):
		return fabricerr.TokenBadSignature
	case errors.Is(err, ErrExpired):
		return fabricerr.TokenExpired
	case errors.Is(err, ErrAlreadyUsed):
		return fabricerr.TokenAlreadyUsed
	case errors.Is(err, ErrPlanDrift):
		return fabricerr.TokenPlanDrift
	case errors.Is(err, ErrWrongTenant):
		return fabricerr.TokenWrongTenant
	case errors.Is(err, ErrWrongAction):
		return fabricerr.TokenWrongAction
	default:
		return fabricerr.TokenMalformed
	}
}
