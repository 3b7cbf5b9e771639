// Package admin exposes the human control surface of the fabric:
// pending approvals, approve/reject decisions, action status, tenant
// pause, and phase changes. These are the only paths by which operators
// influence fabric state.
package admin

import (
	"context"
	"log/slog"
	"time"

	"github.com/quorumgate/fabric/pkg/admission"
	"github.com/quorumgate/fabric/pkg/approval"
	"github.com/quorumgate/fabric/pkg/audit"
	"github.com/quorumgate/fabric/pkg/config"
	"github.com/quorumgate/fabric/pkg/phase"
	"github.com/quorumgate/fabric/pkg/plan"
)

// Service implements the admin operations over the injected fabric
// components. It holds no state of its own.
type Service struct {
	gate     *approval.Gate
	phase    *phase.Gate
	pipeline *admission.Pipeline
	sink     audit.Sink
	exporter *audit.Exporter
	logger   *slog.Logger
}

// NewService wires the admin surface.
func NewService(gate *approval.Gate, phaseGate *phase.Gate, pipeline *admission.Pipeline, sink audit.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gate:     gate,
		phase:    phaseGate,
		pipeline: pipeline,
		sink:     sink,
		logger:   logger.With("component", "admin"),
	}
}

// WithExporter enables evidence-pack export over a queryable audit store.
func (s *Service) WithExporter(e *audit.Exporter) *Service {
	s.exporter = e
	return s
}

// PendingApprovals lists requests awaiting a decision, optionally
// scoped to one tenant.
func (s *Service) PendingApprovals(ctx context.Context, tenantID string) ([]approval.Request, error) {
	return s.gate.Queue().Pending(ctx, tenantID)
}

// Approve redeems the presented token against the current plan. The
// plan the approver saw must still be the plan that executes; any
// drift fails the redemption.
func (s *Service) Approve(ctx context.Context, tenantID, actionID, approver, token string, current *plan.ActionPlan) (approval.Request, error) {
	return s.gate.Redeem(ctx, s.phase.Snapshot().Current, tenantID, actionID, approver, token, current)
}

// Reject resolves a pending request negatively.
func (s *Service) Reject(ctx context.Context, tenantID, actionID, rejector, reason string) (approval.Request, error) {
	return s.gate.Reject(ctx, tenantID, actionID, rejector, reason)
}

// Status returns the current state of an action.
func (s *Service) Status(ctx context.Context, actionID string) (approval.Request, error) {
	return s.gate.Queue().Get(ctx, actionID)
}

// PauseTenant stops admitting the tenant's AI requests.
func (s *Service) PauseTenant(ctx context.Context, tenantID, operator string) {
	s.pipeline.PauseTenant(tenantID)
	s.record(ctx, audit.EventTenantPaused, tenantID, operator, map[string]any{"paused": true})
	s.logger.Info("tenant paused", "tenant_id", tenantID, "operator", operator)
}

// ResumeTenant lifts a pause.
func (s *Service) ResumeTenant(ctx context.Context, tenantID, operator string) {
	s.pipeline.ResumeTenant(tenantID)
	s.record(ctx, audit.EventTenantPaused, tenantID, operator, map[string]any{"paused": false})
	s.logger.Info("tenant resumed", "tenant_id", tenantID, "operator", operator)
}

// ExportEvidence builds the zip evidence pack for a tenant's audit trail
// and returns the bytes with their SHA-256 checksum.
func (s *Service) ExportEvidence(ctx context.Context, tenantID, operator string, from, to time.Time) ([]byte, string, error) {
	if s.exporter == nil {
		return nil, "", audit.ErrStoreNotConfigured
	}
	pack, checksum, err := s.exporter.GeneratePack(ctx, audit.ExportRequest{
		TenantID:  tenantID,
		StartTime: from,
		EndTime:   to,
	})
	if err != nil {
		return nil, "", err
	}
	s.record(ctx, audit.EventEvidenceExported, tenantID, operator, map[string]any{
		"checksum":   checksum,
		"pack_bytes": len(pack),
	})
	s.logger.Info("evidence pack exported",
		"tenant_id", tenantID, "operator", operator, "checksum", checksum)
	return pack, checksum, nil
}

// SetPhase changes the deployed rollout phase.
func (s *Service) SetPhase(ctx context.Context, p config.Phase, enabled bool, operator string) {
	prev := s.phase.Snapshot()
	s.phase.Reset(enabled, p)
	s.record(ctx, audit.EventPhaseChanged, "", operator, map[string]any{
		"from":    prev.Current.String(),
		"to":      p.String(),
		"enabled": enabled,
	})
	s.logger.Info("phase changed",
		"from", prev.Current, "to", p, "enabled", enabled, "operator", operator)
}

// Phase reports the current snapshot.
func (s *Service) Phase() phase.Snapshot {
	return s.phase.Snapshot()
}

func (s *Service) record(ctx context.Context, typ audit.EventType, tenantID, actorID string, extra map[string]any) {
	if s.sink == nil {
		return
	}
	e := audit.NewEvent(typ, tenantID, actorID, "success")
	e.Timestamp = time.Now().UTC()
	e.Extra = extra
	s.sink.Record(ctx, e)
}
