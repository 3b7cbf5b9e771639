// Package plan defines the ActionPlan proposed by inference and its
// canonical identity: plans are hashed over a canonical JSON form so the
// approval gate can detect any semantic drift between proposal and
// execution.
package plan

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Step is one side-effecting operation within a plan.
type Step struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// ActionPlan is the structured, replay-safe proposal emitted by inference.
// Metadata is mutable bookkeeping and is excluded from the canonical form.
type ActionPlan struct {
	Action             string            `json:"action"`
	Steps              []Step            `json:"steps"`
	ToolSchemaVersions map[string]string `json:"tool_schema_versions"`
	Rollback           string            `json:"rollback,omitempty"`

	Metadata map[string]any `json:"-"`
}

// FromValidated builds an ActionPlan from a schema-validated output object.
func FromValidated(obj map[string]any) (*ActionPlan, error) {
	action, _ := obj["action"].(string)
	if action == "" {
		return nil, fmt.Errorf("plan: missing action")
	}
	rawSteps, _ := obj["steps"].([]any)
	if len(rawSteps) == 0 {
		return nil, fmt.Errorf("plan: missing steps")
	}

	p := &ActionPlan{Action: action}
	for i, rs := range rawSteps {
		m, ok := rs.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("plan: step %d is not an object", i)
		}
		tool, _ := m["tool"].(string)
		params, _ := m["params"].(map[string]any)
		if tool == "" {
			return nil, fmt.Errorf("plan: step %d missing tool", i)
		}
		p.Steps = append(p.Steps, Step{Tool: tool, Params: params})
	}

	if versions, ok := obj["tool_schema_versions"].(map[string]any); ok {
		p.ToolSchemaVersions = make(map[string]string, len(versions))
		for tool, v := range versions {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("plan: schema version for %q is not a string", tool)
			}
			p.ToolSchemaVersions[tool] = s
		}
	}
	if rollback, ok := obj["rollback"].(string); ok {
		p.Rollback = rollback
	}
	return p, nil
}

// CheckSchemaDrift compares the versions the plan was generated against
// with the versions currently deployed. A missing tool or a major-version
// difference is drift; minor/patch skew is tolerated.
func (p *ActionPlan) CheckSchemaDrift(current map[string]string) error {
	for tool, planned := range p.ToolSchemaVersions {
		deployed, ok := current[tool]
		if !ok {
			return fmt.Errorf("plan: tool %q no longer deployed", tool)
		}
		pv, err := semver.NewVersion(planned)
		if err != nil {
			return fmt.Errorf("plan: bad schema version %q for tool %q: %w", planned, tool, err)
		}
		dv, err := semver.NewVersion(deployed)
		if err != nil {
			return fmt.Errorf("plan: bad deployed version %q for tool %q: %w", deployed, tool, err)
		}
		if pv.Major() != dv.Major() {
			return fmt.Errorf("plan: tool %q schema drifted from %s to %s", tool, planned, deployed)
		}
	}
	return nil
}
