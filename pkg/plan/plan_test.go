package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePlan() *ActionPlan {
	return &ActionPlan{
		Action: "send_reminder",
		Steps: []Step{
			{Tool: "email.send", Params: map[string]any{"to": "ops", "count": 3}},
		},
		ToolSchemaVersions: map[string]string{"email.send": "1.2.0"},
	}
}

func TestFromValidated(t *testing.T) {
	obj := map[string]any{
		"action": "send_reminder",
		"steps": []any{
			map[string]any{"tool": "email.send", "params": map[string]any{"to": "ops"}},
		},
		"tool_schema_versions": map[string]any{"email.send": "1.2.0"},
		"rollback":             "email.recall",
	}

	p, err := FromValidated(obj)
	require.NoError(t, err)
	assert.Equal(t, "send_reminder", p.Action)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "email.send", p.Steps[0].Tool)
	assert.Equal(t, "1.2.0", p.ToolSchemaVersions["email.send"])
	assert.Equal(t, "email.recall", p.Rollback)
}

func TestFromValidatedRejectsBadShapes(t *testing.T) {
	cases := []struct {
		name string
		obj  map[string]any
	}{
		{"missing action", map[string]any{"steps": []any{map[string]any{"tool": "t"}}}},
		{"missing steps", map[string]any{"action": "x"}},
		{"step not object", map[string]any{"action": "x", "steps": []any{"oops"}}},
		{"step missing tool", map[string]any{"action": "x", "steps": []any{map[string]any{"params": map[string]any{}}}}},
		{"version not string", map[string]any{
			"action": "x",
			"steps":  []any{map[string]any{"tool": "t", "params": map[string]any{}}},
			"tool_schema_versions": map[string]any{"t": 3},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromValidated(tc.obj)
			assert.Error(t, err)
		})
	}
}

func TestCheckSchemaDrift(t *testing.T) {
	p := samplePlan()

	assert.NoError(t, p.CheckSchemaDrift(map[string]string{"email.send": "1.2.0"}))
	assert.NoError(t, p.CheckSchemaDrift(map[string]string{"email.send": "1.9.3"}),
		"minor/patch skew tolerated")
	assert.Error(t, p.CheckSchemaDrift(map[string]string{"email.send": "2.0.0"}),
		"major bump is drift")
	assert.Error(t, p.CheckSchemaDrift(map[string]string{}), "missing tool is drift")
}

func TestHashStableAcrossRuns(t *testing.T) {
	h1, err := samplePlan().Hash()
	require.NoError(t, err)
	h2, err := samplePlan().Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.Equal(t, h1, string([]byte(h1)), "lowercase hex")
}

func TestHashIgnoresMetadata(t *testing.T) {
	p1 := samplePlan()
	p2 := samplePlan()
	p2.Metadata = map[string]any{"trace_id": "abc", "attempt": 2}

	h1, _ := p1.Hash()
	h2, _ := p2.Hash()
	assert.Equal(t, h1, h2)
}

func TestHashDetectsParameterChange(t *testing.T) {
	p1 := samplePlan()
	p2 := samplePlan()
	p2.Steps[0].Params["count"] = 4

	h1, _ := p1.Hash()
	h2, _ := p2.Hash()
	assert.NotEqual(t, h1, h2)
}

func TestCanonicalKeyOrderInvariance(t *testing.T) {
	// Two plans built with params maps populated in different orders must
	// canonicalize to the same bytes.
	a := &ActionPlan{
		Action: "x",
		Steps: []Step{{Tool: "t", Params: map[string]any{
			"alpha": 1, "beta": 2, "gamma": 3,
		}}},
		ToolSchemaVersions: map[string]string{"t": "1.0.0"},
	}
	b := &ActionPlan{
		Action: "x",
		Steps: []Step{{Tool: "t", Params: map[string]any{
			"gamma": 3, "alpha": 1, "beta": 2,
		}}},
		ToolSchemaVersions: map[string]string{"t": "1.0.0"},
	}

	ca, err := a.Canonical()
	require.NoError(t, err)
	cb, err := b.Canonical()
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestCanonicalNFCNormalization(t *testing.T) {
	// U+00E9 (precomposed) and U+0065 U+0301 (combining) are visually
	// identical; canonical forms must agree.
	a := samplePlan()
	a.Steps[0].Params["name"] = "caf\u00e9"
	b := samplePlan()
	b.Steps[0].Params["name"] = "cafe\u0301"

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	assert.Equal(t, ha, hb)
}
