package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_"+name+".yaml"), []byte(body), 0o644))
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "clinical", `
name: clinical
injection_threshold: 0.5
approval_ttl_seconds: 300
redaction_allowlist:
  - support@example.com
blocked_plan_patterns:
  - '(?i)\bexport_chart\b'
risk_policy_expression: 'step_count >= 5'
`)

	p, err := LoadProfile(dir, "clinical")
	require.NoError(t, err)
	assert.Equal(t, "clinical", p.Name)
	assert.Equal(t, 0.5, p.InjectionThreshold)
	assert.Equal(t, 300, p.ApprovalTTLSeconds)
	assert.Equal(t, []string{"support@example.com"}, p.RedactionAllowlist)
	assert.Equal(t, []string{`(?i)\bexport_chart\b`}, p.BlockedPlanPatterns)
	assert.Equal(t, "step_count >= 5", p.RiskPolicyExpression)
}

func TestLoadProfileNameDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "sales", "injection_threshold: 0.9\n")

	p, err := LoadProfile(dir, "SALES")
	require.NoError(t, err)
	assert.Equal(t, "sales", p.Name, "lookup is case-insensitive, name defaults to the file")
}

func TestLoadProfileErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadProfile(dir, "missing")
	assert.Error(t, err)

	writeProfile(t, dir, "broken", "injection_threshold: [not a number\n")
	_, err = LoadProfile(dir, "broken")
	assert.Error(t, err)
}
