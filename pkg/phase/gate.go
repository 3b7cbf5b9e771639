// Package phase implements the rollout phase gate: a process-wide oracle
// deciding whether an operation class (read / propose / execute) is
// permitted by the currently deployed phase.
package phase

import (
	"sync/atomic"

	"github.com/quorumgate/fabric/pkg/config"
	"github.com/quorumgate/fabric/pkg/fabricerr"
)

// Snapshot is the immutable view the gate decides against.
type Snapshot struct {
	Enabled bool
	Current config.Phase
}

// Gate answers Require against an atomic snapshot. Decisions are a pure
// function of the snapshot, so repeated calls under the same config always
// agree.
type Gate struct {
	snap atomic.Pointer[Snapshot]
}

// NewGate snapshots the loaded configuration.
func NewGate(cfg *config.Config) *Gate {
	g := &Gate{}
	g.snap.Store(&Snapshot{Enabled: cfg.Enabled, Current: cfg.Phase})
	return g
}

// Snapshot returns the current view.
func (g *Gate) Snapshot() Snapshot {
	return *g.snap.Load()
}

// Require succeeds iff the master switch is on and the deployed phase is at
// least required.
func (g *Gate) Require(required config.Phase) error {
	s := g.snap.Load()
	if !s.Enabled {
		return fabricerr.AIDisabled()
	}
	if s.Current < required {
		return fabricerr.PhaseViolation(s.Current.String(), required.String())
	}
	return nil
}

// Reset replaces the snapshot. It exists for the admin set_phase operation
// and for test scaffolding; normal request paths never call it.
func (g *Gate) Reset(enabled bool, p config.Phase) {
	g.snap.Store(&Snapshot{Enabled: enabled, Current: p})
}

// PhaseFor maps a request kind to the phase it requires. Reads are allowed
// everywhere, proposals from Proposal, executions only in Execution.
func PhaseFor(kind RequestKind) config.Phase {
	switch kind {
	case KindExecute:
		return config.PhaseExecution
	case KindPropose:
		return config.PhaseProposal
	default:
		return config.PhaseReadOnly
	}
}

// RequestKind classifies what an AI request is allowed to do.
type RequestKind string

const (
	KindRead    RequestKind = "read"
	KindPropose RequestKind = "propose"
	KindExecute RequestKind = "execute"
)
