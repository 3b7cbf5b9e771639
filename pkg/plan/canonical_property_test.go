//go:build property
// +build property

package plan

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestHashDeterminism verifies the plan hash is a pure function of plan
// content: hashing the same logical plan twice, with params maps populated
// in different insertion orders, always yields identical digests.
func TestHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is insertion-order independent", prop.ForAll(
		func(keys []string, values []string) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			// Deduplicate so both insertion orders describe the same mapping.
			pairs := make(map[string]string, n)
			for i := 0; i < n; i++ {
				if _, ok := pairs[keys[i]]; !ok {
					pairs[keys[i]] = values[i]
				}
			}
			uniq := make([]string, 0, len(pairs))
			for k := range pairs {
				uniq = append(uniq, k)
			}

			forward := make(map[string]any, len(uniq))
			for i := 0; i < len(uniq); i++ {
				forward[uniq[i]] = pairs[uniq[i]]
			}
			backward := make(map[string]any, len(uniq))
			for i := len(uniq) - 1; i >= 0; i-- {
				backward[uniq[i]] = pairs[uniq[i]]
			}

			a := &ActionPlan{
				Action:             "probe",
				Steps:              []Step{{Tool: "t", Params: forward}},
				ToolSchemaVersions: map[string]string{"t": "1.0.0"},
			}
			b := &ActionPlan{
				Action:             "probe",
				Steps:              []Step{{Tool: "t", Params: backward}},
				ToolSchemaVersions: map[string]string{"t": "1.0.0"},
			}

			ha, err1 := a.Hash()
			hb, err2 := b.Hash()
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return ha == hb
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("metadata never affects the hash", prop.ForAll(
		func(metaKey, metaVal string) bool {
			base := &ActionPlan{
				Action:             "probe",
				Steps:              []Step{{Tool: "t", Params: map[string]any{"x": 1}}},
				ToolSchemaVersions: map[string]string{"t": "1.0.0"},
			}
			decorated := &ActionPlan{
				Action:             "probe",
				Steps:              []Step{{Tool: "t", Params: map[string]any{"x": 1}}},
				ToolSchemaVersions: map[string]string{"t": "1.0.0"},
				Metadata:           map[string]any{metaKey: metaVal},
			}
			ha, err1 := base.Hash()
			hb, err2 := decorated.Hash()
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return ha == hb
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
