// Package admission chains the governance checks every AI request must
// clear, in a fixed order: phase gate, tenant assertion, rate limit,
// quota reservation, prompt safety, circuit-protected inference, output
// validation, risk classification, approval gate. A failed check is
// terminal; reservations made before the failure are not rolled back —
// they are cheap and bounded by the window size.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumgate/fabric/pkg/approval"
	"github.com/quorumgate/fabric/pkg/audit"
	"github.com/quorumgate/fabric/pkg/breaker"
	"github.com/quorumgate/fabric/pkg/fabricerr"
	"github.com/quorumgate/fabric/pkg/inference"
	"github.com/quorumgate/fabric/pkg/observability"
	"github.com/quorumgate/fabric/pkg/phase"
	"github.com/quorumgate/fabric/pkg/plan"
	"github.com/quorumgate/fabric/pkg/promptsafety"
	"github.com/quorumgate/fabric/pkg/ratelimit"
	"github.com/quorumgate/fabric/pkg/tenancy"
	"github.com/quorumgate/fabric/pkg/usage"
)

// Request is one AI request entering the fabric. Tenant identity comes
// from the ambient context, never from this struct.
type Request struct {
	RequestID    string
	Scenario     string
	Kind         phase.RequestKind
	Prompt       string
	SystemPrompt string
	Variant      promptsafety.OutputVariant
	// ToolVersions are the currently deployed tool schema versions,
	// checked against the plan's pinned versions.
	ToolVersions map[string]string
	// EstimatedInputTokens sizes the quota reservation before the model
	// call; actual usage is recorded afterward.
	EstimatedInputTokens int64
}

// Result is what a request that cleared every check produces.
type Result struct {
	RequestID string
	Artifact  promptsafety.Artifact
	Outcome   promptsafety.ValidationOutcome
	Plan      *plan.ActionPlan
	Decision  *approval.Decision
	Response  string
	Usage     usage.Snapshot
}

// Pipeline owns the check chain. All dependencies are injected; there
// are no package-level singletons.
type Pipeline struct {
	phase    *phase.Gate
	kernel   *tenancy.Kernel
	limiter  ratelimit.Limiter
	tracker  *usage.Tracker
	safety   *promptsafety.Pipeline
	validate *promptsafety.Validator
	breaker  *breaker.Circuit
	client   inference.Client
	gate     *approval.Gate
	sink     audit.Sink
	journal  usage.Journal
	obs      *observability.Provider
	logger   *slog.Logger

	mu     sync.RWMutex
	paused map[string]bool
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Phase     *phase.Gate
	Kernel    *tenancy.Kernel
	Limiter   ratelimit.Limiter
	Tracker   *usage.Tracker
	Safety    *promptsafety.Pipeline
	Validator *promptsafety.Validator
	Breaker   *breaker.Circuit
	Client    inference.Client
	Gate      *approval.Gate
	Sink      audit.Sink
	// Journal is optional durable usage accounting; nil disables it.
	Journal usage.Journal
	Obs     *observability.Provider
	Logger  *slog.Logger
}

// New wires the pipeline.
func New(d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		phase:    d.Phase,
		kernel:   d.Kernel,
		limiter:  d.Limiter,
		tracker:  d.Tracker,
		safety:   d.Safety,
		validate: d.Validator,
		breaker:  d.Breaker,
		client:   d.Client,
		gate:     d.Gate,
		sink:     d.Sink,
		journal:  d.Journal,
		obs:      d.Obs,
		logger:   logger.With("component", "admission"),
		paused:   make(map[string]bool),
	}
}

// PauseTenant stops admitting the tenant's requests until resumed.
func (p *Pipeline) PauseTenant(tenantID string) {
	p.mu.Lock()
	p.paused[tenantID] = true
	p.mu.Unlock()
}

// ResumeTenant lifts a pause.
func (p *Pipeline) ResumeTenant(tenantID string) {
	p.mu.Lock()
	delete(p.paused, tenantID)
	p.mu.Unlock()
}

func (p *Pipeline) isPaused(tenantID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[tenantID]
}

// usageKind maps a request kind onto the quota bucket it draws from.
func usageKind(kind phase.RequestKind) usage.Kind {
	switch kind {
	case phase.KindExecute:
		return usage.KindExecution
	case phase.KindPropose:
		return usage.KindAction
	default:
		return usage.KindChat
	}
}

// Admit runs the full chain. The returned error, when non-nil, carries
// a taxonomy code; ApprovalRequired additionally returns the partial
// Result holding the pending decision.
func (p *Pipeline) Admit(ctx context.Context, req Request) (*Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Variant == "" {
		req.Variant = promptsafety.VariantResponse
	}

	tc, err := p.kernel.Require(ctx)
	if err != nil {
		p.reject(ctx, "", "", req, audit.EventExecutionFailed, err)
		return nil, err
	}
	tenantID, actorID := "", ""
	if tc != nil {
		tenantID, actorID = tc.TenantID, tc.ActorID
	}

	var done func(error)
	if p.obs != nil {
		ctx, done = p.obs.TrackAdmission(ctx, tenantID, req.Scenario)
		defer func() { done(err) }()
	}

	p.record(ctx, audit.EventRequestReceived, tenantID, actorID, "success", req, nil)

	if err = p.checkCancelled(ctx, tenantID, actorID, req); err != nil {
		return nil, err
	}

	if err = p.phase.Require(phase.PhaseFor(req.Kind)); err != nil {
		p.reject(ctx, tenantID, actorID, req, audit.EventExecutionFailed, err)
		return nil, err
	}

	if p.isPaused(tenantID) {
		fe := fabricerr.AIDisabled()
		fe.Details = map[string]any{"tenant_paused": true}
		err = fe
		p.reject(ctx, tenantID, actorID, req, audit.EventTenantPaused, err)
		return nil, err
	}

	if _, err = p.limiter.Acquire(ctx, tenantID, actorID); err != nil {
		p.reject(ctx, tenantID, actorID, req, audit.EventRateLimitRejected, err)
		return nil, err
	}

	kind := usageKind(req.Kind)
	if _, err = p.tracker.Reserve(tenantID, kind, req.EstimatedInputTokens, 0); err != nil {
		p.reject(ctx, tenantID, actorID, req, audit.EventQuotaExceeded, err)
		return nil, err
	}

	artifact := p.safety.Process(req.Prompt)
	p.record(ctx, audit.EventPromptSanitized, tenantID, actorID, "success", req, map[string]any{
		"risk_score":      artifact.RiskScore,
		"detection_count": len(artifact.Detections),
	})
	if len(artifact.PII) > 0 || len(artifact.PHI) > 0 {
		p.record(ctx, audit.EventPIIDetected, tenantID, actorID, "success", req, map[string]any{
			"pii_count": len(artifact.PII),
			"phi_count": len(artifact.PHI),
		})
	}
	if !artifact.IsSafe {
		err = fabricerr.PromptUnsafe(artifact.RiskScore)
		p.reject(ctx, tenantID, actorID, req, audit.EventExecutionFailed, err)
		return nil, err
	}

	if err = p.checkCancelled(ctx, tenantID, actorID, req); err != nil {
		return nil, err
	}

	// The model sees the sanitized prompt with PII already redacted.
	msgs := []inference.Message{}
	if req.SystemPrompt != "" {
		msgs = append(msgs, inference.Message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, inference.Message{Role: "user", Content: p.safety.ModelInput(artifact)})

	var resp *inference.Response
	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = p.client.Chat(ctx, msgs, nil)
		if errors.Is(callErr, inference.ErrTimeout) {
			return fabricerr.InferenceTimeout()
		}
		return callErr
	})
	if err != nil {
		// A caller hang-up mid-call is a cancellation, not a downstream
		// failure; the breaker has already resolved it without accounting.
		if fabricerr.CodeOf(err) == fabricerr.CodeRequestCancelled {
			p.record(ctx, audit.EventRequestCancelled, tenantID, actorID, "cancelled", req, nil)
			if p.obs != nil {
				p.obs.RecordRejection(ctx, string(fabricerr.CodeRequestCancelled))
			}
			return nil, err
		}
		p.reject(ctx, tenantID, actorID, req, audit.EventExecutionFailed, err)
		return nil, err
	}

	snap := p.tracker.Increment(tenantID, kind, 0,
		int64(resp.Usage.InputTokens), int64(resp.Usage.OutputTokens))
	if p.journal != nil {
		// Best-effort downstream accounting; the tracker stays
		// authoritative for admission.
		jerr := p.journal.Record(ctx, usage.Event{
			TenantID:     tenantID,
			Kind:         kind,
			RequestCount: 1,
			InputTokens:  int64(resp.Usage.InputTokens),
			OutputTokens: int64(resp.Usage.OutputTokens),
			Timestamp:    time.Now().UTC(),
		})
		if jerr != nil {
			p.logger.Warn("usage journal write failed", "error", jerr, "tenant_id", tenantID)
		}
	}

	p.record(ctx, audit.EventIntentClassified, tenantID, actorID, "success", req, map[string]any{
		"variant": string(req.Variant),
	})

	outcome, err := p.validate.Validate(req.Variant, []byte(resp.Content))
	if err != nil {
		p.reject(ctx, tenantID, actorID, req, audit.EventOutputRejected, err)
		return nil, err
	}

	result := &Result{
		RequestID: req.RequestID,
		Artifact:  artifact,
		Outcome:   outcome,
		Response:  resp.Content,
		Usage:     snap,
	}

	if req.Variant != promptsafety.VariantPlan {
		p.record(ctx, audit.EventExecutionCompleted, tenantID, actorID, "success", req, nil)
		return result, nil
	}

	actionPlan, err := plan.FromValidated(outcome.Value)
	if err != nil {
		err = fabricerr.OutputInvalid("", fmt.Sprintf("plan decode: %v", err))
		p.reject(ctx, tenantID, actorID, req, audit.EventOutputRejected, err)
		return nil, err
	}
	if len(req.ToolVersions) > 0 {
		if driftErr := actionPlan.CheckSchemaDrift(req.ToolVersions); driftErr != nil {
			err = fabricerr.OutputInvalid("tool_schema_versions", driftErr.Error())
			p.reject(ctx, tenantID, actorID, req, audit.EventOutputRejected, err)
			return nil, err
		}
	}
	result.Plan = actionPlan

	hash, _ := actionPlan.Hash()
	p.record(ctx, audit.EventActionPlanned, tenantID, actorID, "success", req, map[string]any{
		"action":    actionPlan.Action,
		"plan_hash": hash,
	})

	decision, err := p.gate.Evaluate(ctx, approval.EvaluateInput{
		TenantID: tenantID,
		ActorID:  actorID,
		Scenario: req.Scenario,
		Phase:    p.phase.Snapshot().Current,
		Plan:     actionPlan,
	})
	if err != nil {
		p.reject(ctx, tenantID, actorID, req, audit.EventExecutionFailed, err)
		return nil, err
	}
	result.Decision = decision

	if !decision.AutoApproved {
		if p.obs != nil {
			p.obs.AddPendingApprovals(ctx, 1)
		}
		err = fabricerr.ApprovalRequired(decision.ActionID, decision.Token)
		return result, err
	}

	p.record(ctx, audit.EventExecutionCompleted, tenantID, actorID, "success", req, nil)
	return result, nil
}

func (p *Pipeline) checkCancelled(ctx context.Context, tenantID, actorID string, req Request) error {
	if ctx.Err() == nil {
		return nil
	}
	err := fabricerr.RequestCancelled()
	p.record(ctx, audit.EventRequestCancelled, tenantID, actorID, "cancelled", req, nil)
	if p.obs != nil {
		p.obs.RecordRejection(ctx, string(fabricerr.CodeRequestCancelled))
	}
	return err
}

func (p *Pipeline) reject(ctx context.Context, tenantID, actorID string, req Request, typ audit.EventType, err error) {
	code := fabricerr.CodeOf(err)
	p.record(ctx, typ, tenantID, actorID, "failure", req, map[string]any{
		"code": string(code),
	})
	if p.obs != nil {
		p.obs.RecordRejection(ctx, string(code))
	}
	p.logger.Warn("request rejected",
		"request_id", req.RequestID, "tenant_id", tenantID, "code", code)
}

func (p *Pipeline) record(ctx context.Context, typ audit.EventType, tenantID, actorID, outcome string, req Request, extra map[string]any) {
	if p.sink == nil {
		return
	}
	e := audit.NewEvent(typ, tenantID, actorID, outcome)
	e.RequestID = req.RequestID
	if v, ok := extra["plan_hash"].(string); ok {
		e.PlanHash = v
		delete(extra, "plan_hash")
	}
	e.Extra = extra
	p.sink.Record(ctx, e)
}
