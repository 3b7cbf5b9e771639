// Package approval implements the approval gate: deterministic risk
// classification of action plans, tamper-evident single-use approval
// tokens bound to a plan hash, the pending-approval queue, and the
// consumed-token registry.
package approval

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/quorumgate/fabric/pkg/plan"
)

// RiskLevel categorizes a plan.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RequiresApproval reports whether a level needs a human decision.
func (r RiskLevel) RequiresApproval() bool {
	return r == RiskHigh || r == RiskCritical
}

// rank orders levels for max() comparisons.
func (r RiskLevel) rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

func maxLevel(a, b RiskLevel) RiskLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Classification is the classifier output.
type Classification struct {
	Level     RiskLevel `json:"level"`
	Reasoning string    `json:"reasoning"`
	Patterns  []string  `json:"patterns,omitempty"` // distinct dangerous patterns hit
}

// dangerousPattern is a named signal scanned over the canonical plan text.
type dangerousPattern struct {
	name  string
	level RiskLevel
	re    *regexp.Regexp
}

var dangerousPatterns = []dangerousPattern{
	{"destructive_operation", RiskCritical, regexp.MustCompile(`(?i)"(delete|drop|purge|erase|destroy)_[a-z_]*"`)},
	{"bulk_operation", RiskHigh, regexp.MustCompile(`(?i)"(bulk|mass|all)_[a-z_]*"`)},
	{"financial_action", RiskHigh, regexp.MustCompile(`(?i)\b(refund|payment|invoice_void|charge|transfer|payout)\b`)},
	{"urgency_language", RiskMedium, regexp.MustCompile(`(?i)\b(urgent|immediately|act now|last chance|expires today|final notice)\b`)},
	{"external_link", RiskMedium, regexp.MustCompile(`https?://[^\s"]+`)},
	{"credential_access", RiskCritical, regexp.MustCompile(`(?i)\b(password|api_key|secret|credential|private_key)\b`)},
	{"permission_change", RiskHigh, regexp.MustCompile(`(?i)"(grant|revoke|elevate|impersonate)[a-z_]*"`)},
}

const (
	// payload sizes above these thresholds escalate the level.
	payloadHighBytes     = 16 * 1024
	payloadCriticalBytes = 64 * 1024

	// criticalPatternCount distinct dangerous patterns force Critical.
	criticalPatternCount = 3
)

// Classifier assigns risk levels. Classification is a deterministic
// function: same plan and scenario always produce the same level.
type Classifier struct {
	extra []dangerousPattern // profile-supplied additions
}

// NewClassifier builds the default classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// AddBlockedPattern registers a profile-supplied pattern treated as High.
func (c *Classifier) AddBlockedPattern(name, expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("approval: bad blocked pattern %q: %w", name, err)
	}
	c.extra = append(c.extra, dangerousPattern{name: name, level: RiskHigh, re: re})
	return nil
}

// Classify derives the risk level from plan content and the scenario tag.
func (c *Classifier) Classify(p *plan.ActionPlan, scenario string) Classification {
	canonical, err := p.Canonical()
	if err != nil {
		// An unhashable plan cannot be approved against; treat as Critical.
		return Classification{
			Level:     RiskCritical,
			Reasoning: "plan could not be canonicalized",
		}
	}
	text := string(canonical)

	level := RiskLow
	var reasons []string
	patternSet := map[string]bool{}

	scan := func(patterns []dangerousPattern) {
		for _, dp := range patterns {
			if dp.re.MatchString(text) && !patternSet[dp.name] {
				patternSet[dp.name] = true
				level = maxLevel(level, dp.level)
				reasons = append(reasons, dp.name)
			}
		}
	}
	scan(dangerousPatterns)
	scan(c.extra)

	if len(patternSet) >= criticalPatternCount {
		level = RiskCritical
		reasons = append(reasons, fmt.Sprintf("%d distinct dangerous patterns", len(patternSet)))
	}

	switch {
	case len(text) > payloadCriticalBytes:
		level = RiskCritical
		reasons = append(reasons, "payload exceeds critical size threshold")
	case len(text) > payloadHighBytes:
		level = maxLevel(level, RiskHigh)
		reasons = append(reasons, "payload exceeds size threshold")
	}

	// Promotional sends escalate one notch relative to transactional: bulk
	// outbound content is where prompt-injected campaigns do damage.
	if strings.EqualFold(scenario, "promotional") && level == RiskMedium {
		level = RiskHigh
		reasons = append(reasons, "promotional scenario")
	}

	patterns := make([]string, 0, len(patternSet))
	for name := range patternSet {
		patterns = append(patterns, name)
	}
	sort.Strings(patterns)

	reasoning := "no dangerous signals detected"
	if len(reasons) > 0 {
		reasoning = strings.Join(reasons, "; ")
	}
	return Classification{Level: level, Reasoning: reasoning, Patterns: patterns}
}

// classifierInput is what the CEL policy layer sees.
func classifierInput(p *plan.ActionPlan, scenario string, cls Classification) map[string]any {
	size := 0
	if canonical, err := p.Canonical(); err == nil {
		size = len(canonical)
	}
	var tools []string
	for _, s := range p.Steps {
		tools = append(tools, s.Tool)
	}
	return map[string]any{
		"action":        p.Action,
		"scenario":      scenario,
		"step_count":    len(p.Steps),
		"payload_bytes": size,
		"tools":         tools,
		"patterns":      cls.Patterns,
		"level":         string(cls.Level),
	}
}
