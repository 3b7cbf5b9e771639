package promptsafety

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quorumgate/fabric/pkg/fabricerr"
)

// OutputVariant names the expected shape of an inference output.
type OutputVariant string

const (
	VariantIntent   OutputVariant = "intent"
	VariantPlan     OutputVariant = "plan"
	VariantResponse OutputVariant = "response"
)

// auditTruncateLen bounds how much of a rejected output is captured.
const auditTruncateLen = 2048

var variantSchemas = map[OutputVariant]string{
	VariantIntent: `{
		"type": "object",
		"required": ["intent", "confidence"],
		"properties": {
			"intent": {"type": "string", "minLength": 1},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"entities": {"type": "object"}
		}
	}`,
	VariantPlan: `{
		"type": "object",
		"required": ["action", "steps", "tool_schema_versions"],
		"properties": {
			"action": {"type": "string", "minLength": 1},
			"steps": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["tool", "params"],
					"properties": {
						"tool": {"type": "string", "minLength": 1},
						"params": {"type": "object"}
					}
				}
			},
			"tool_schema_versions": {
				"type": "object",
				"additionalProperties": {"type": "string"}
			},
			"rollback": {"type": "string"}
		}
	}`,
	VariantResponse: `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string"}
		}
	}`,
}

// ValidationOutcome carries what downstream needs: the decoded value, any
// leakage findings, and the truncated raw capture for audit.
type ValidationOutcome struct {
	Variant      OutputVariant  `json:"variant"`
	Value        map[string]any `json:"value"`
	Leaks        RedactResult   `json:"leaks"`
	RawTruncated string         `json:"raw_truncated"`
}

// Validator checks inference outputs against the declared variant schema
// and scans them for PII leakage.
type Validator struct {
	schemas  map[OutputVariant]*jsonschema.Schema
	redactor *Redactor
	// FailOnLeak turns a leakage finding into a validation failure.
	// Default is log-only.
	FailOnLeak bool
}

// NewValidator compiles the variant schemas.
func NewValidator(redactor *Redactor) (*Validator, error) {
	if redactor == nil {
		redactor = NewRedactor()
	}
	v := &Validator{
		schemas:  make(map[OutputVariant]*jsonschema.Schema),
		redactor: redactor,
	}
	for variant, raw := range variantSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://fabric.schemas.local/output/%s.schema.json", variant)
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("promptsafety: load %s schema: %w", variant, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("promptsafety: compile %s schema: %w", variant, err)
		}
		v.schemas[variant] = compiled
	}
	return v, nil
}

// Validate checks raw output bytes against the variant's schema. On schema
// mismatch it returns OutputValidationError carrying the field path and
// reason; the truncated original is in the outcome either way.
func (v *Validator) Validate(variant OutputVariant, raw []byte) (ValidationOutcome, error) {
	outcome := ValidationOutcome{Variant: variant, RawTruncated: truncate(string(raw), auditTruncateLen)}

	schema, ok := v.schemas[variant]
	if !ok {
		return outcome, fabricerr.OutputInvalid("", fmt.Sprintf("unknown output variant %q", variant))
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return outcome, fabricerr.OutputInvalid("", "output is not valid JSON")
	}

	if err := schema.Validate(decoded); err != nil {
		field, reason := validationDetail(err)
		return outcome, fabricerr.OutputInvalid(field, reason)
	}

	obj, _ := decoded.(map[string]any)
	outcome.Value = obj

	// Leakage scan runs on the raw text: placeholders in Leaks tell the
	// caller what escaped, the audit trail records it.
	outcome.Leaks = v.redactor.Redact(string(raw))
	if v.FailOnLeak && outcome.Leaks.HasFindings() {
		return outcome, fabricerr.OutputInvalid("", "output contains unredacted PII")
	}
	return outcome, nil
}

func validationDetail(err error) (field, reason string) {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		return leaf.InstanceLocation, leaf.Message
	}
	return "", err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
