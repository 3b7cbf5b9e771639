package approval

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/quorumgate/fabric/pkg/plan"
)

// PolicyRule escalates (never lowers) the classifier's level when its
// CEL expression evaluates true against the plan facts.
type PolicyRule struct {
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Level      RiskLevel `json:"level"`
}

// PolicyEvaluator layers operator-authored CEL rules on top of the
// built-in classifier. Rules see: action, scenario, step_count,
// payload_bytes, tools, patterns, level. Evaluation fails closed: a
// rule that errors counts as a hit.
type PolicyEvaluator struct {
	env   *cel.Env
	rules []PolicyRule

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewPolicyEvaluator compiles the shared environment.
func NewPolicyEvaluator(rules []PolicyRule) (*PolicyEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("scenario", cel.StringType),
		cel.Variable("step_count", cel.IntType),
		cel.Variable("payload_bytes", cel.IntType),
		cel.Variable("tools", cel.ListType(cel.StringType)),
		cel.Variable("patterns", cel.ListType(cel.StringType)),
		cel.Variable("level", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("approval: cel env: %w", err)
	}
	e := &PolicyEvaluator{
		env:      env,
		rules:    rules,
		programs: make(map[string]cel.Program),
	}
	// Compile eagerly so a bad rule fails at startup, not mid-request.
	for _, r := range rules {
		if _, err := e.program(r.Expression); err != nil {
			return nil, fmt.Errorf("approval: rule %q: %w", r.Name, err)
		}
	}
	return e, nil
}

func (e *PolicyEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// Apply returns the final classification after rule escalation.
func (e *PolicyEvaluator) Apply(p *plan.ActionPlan, scenario string, cls Classification) Classification {
	if e == nil || len(e.rules) == 0 {
		return cls
	}
	input := classifierInput(p, scenario, cls)
	for _, r := range e.rules {
		hit := true // fail closed
		if prg, err := e.program(r.Expression); err == nil {
			if out, _, err := prg.Eval(input); err == nil {
				b, ok := out.Value().(bool)
				hit = !ok || b
			}
		}
		if hit && r.Level.rank() > cls.Level.rank() {
			cls.Level = r.Level
			cls.Reasoning = cls.Reasoning + "; policy rule " + r.Name
		}
	}
	return cls
}
