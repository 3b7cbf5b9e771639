package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// GovernanceProfile is a named set of threshold overrides that an operator
// can select per deployment (e.g. "clinical", "sales"). Zero values mean
// "keep the default".
type GovernanceProfile struct {
	Name                 string   `yaml:"name" json:"name"`
	InjectionThreshold   float64  `yaml:"injection_threshold,omitempty" json:"injection_threshold,omitempty"`
	ApprovalTTLSeconds   int      `yaml:"approval_ttl_seconds,omitempty" json:"approval_ttl_seconds,omitempty"`
	FailureThreshold     int      `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
	OpenTimeoutSeconds   int      `yaml:"open_timeout_seconds,omitempty" json:"open_timeout_seconds,omitempty"`
	RedactionAllowlist   []string `yaml:"redaction_allowlist,omitempty" json:"redaction_allowlist,omitempty"`
	BlockedPlanPatterns  []string `yaml:"blocked_plan_patterns,omitempty" json:"blocked_plan_patterns,omitempty"`
	RiskPolicyExpression string   `yaml:"risk_policy_expression,omitempty" json:"risk_policy_expression,omitempty"`
}

// LoadProfile reads profile_<name>.yaml from profilesDir.
func LoadProfile(profilesDir, name string) (*GovernanceProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile GovernanceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}
