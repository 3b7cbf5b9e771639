package promptsafety

import (
	"regexp"
	"sort"
	"strings"
)

// RedactionKind names a detector in the fixed catalogue.
type RedactionKind string

const (
	KindNationalID   RedactionKind = "national_id"
	KindPhone        RedactionKind = "phone"
	KindEmail        RedactionKind = "email"
	KindIBAN         RedactionKind = "iban"
	KindCreditCard   RedactionKind = "credit_card"
	KindClinicalCode RedactionKind = "clinical_code"
	KindDrug         RedactionKind = "drug"
	KindCondition    RedactionKind = "condition"
)

// Placeholder returns the fixed substitution token for a kind. The token is
// part of the redaction contract: downstream consumers match on it.
func (k RedactionKind) Placeholder() string {
	switch k {
	case KindNationalID:
		return "[REDACTED_NATIONAL_ID]"
	case KindPhone:
		return "[REDACTED_PHONE]"
	case KindEmail:
		return "[REDACTED_EMAIL]"
	case KindIBAN:
		return "[REDACTED_IBAN]"
	case KindCreditCard:
		return "[REDACTED_CARD]"
	case KindClinicalCode:
		return "[REDACTED_CLINICAL_CODE]"
	case KindDrug:
		return "[REDACTED_DRUG]"
	case KindCondition:
		return "[REDACTED_CONDITION]"
	default:
		return "[REDACTED]"
	}
}

// IsPHI reports whether the kind is protected health information.
func (k RedactionKind) IsPHI() bool {
	switch k {
	case KindClinicalCode, KindDrug, KindCondition:
		return true
	default:
		return false
	}
}

// Span is one detected occurrence. The matched text itself is deliberately
// not carried: spans flow into audit records.
type Span struct {
	Kind  RedactionKind `json:"kind"`
	Start int           `json:"start"`
	End   int           `json:"end"`
}

// RedactResult is the outcome of the redaction pass.
type RedactResult struct {
	Redacted string `json:"redacted"`
	PII      []Span `json:"pii"`
	PHI      []Span `json:"phi"`
}

type detector struct {
	kind RedactionKind
	re   *regexp.Regexp
}

var detectors = []detector{
	{KindEmail, regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
	{KindIBAN, regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)},
	{KindCreditCard, regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{3,4}\b`)},
	{KindNationalID, regexp.MustCompile(`\b(\d{3}-\d{2}-\d{4}|\d{8}[A-HJ-NP-TV-Z])\b`)},
	{KindPhone, regexp.MustCompile(`\+\d{1,3}[ -]?\d{2,4}[ -]?\d{3}[ -]?\d{2,4}|\b\d{3}[ -]\d{3}[ -]\d{4}\b`)},
	{KindClinicalCode, regexp.MustCompile(`\b[A-TV-Z]\d{2}\.\d{1,4}\b`)},
	{KindDrug, regexp.MustCompile(`(?i)\b(metformin|insulin|ibuprofen|omeprazole|atorvastatin|sertraline|warfarin|amoxicillin|lisinopril|levothyroxine)\b`)},
	{KindCondition, regexp.MustCompile(`(?i)\b(diabetes|hypertension|depression|schizophrenia|asthma|epilepsy|hepatitis|melanoma|leukemia|hiv)\b`)},
}

// Redactor runs the PII/PHI pass. An allowlist of safe tokens suppresses
// matches (compared case-insensitively against the matched text).
type Redactor struct {
	allowlist map[string]bool
}

// NewRedactor builds a redactor with an optional allowlist.
func NewRedactor(allowlist ...string) *Redactor {
	allow := make(map[string]bool, len(allowlist))
	for _, tok := range allowlist {
		allow[strings.ToLower(tok)] = true
	}
	return &Redactor{allowlist: allow}
}

// Redact detects and substitutes every catalogue match. Substitutions are
// applied in descending start order so earlier offsets stay valid until
// they are applied.
func (r *Redactor) Redact(text string) RedactResult {
	var spans []Span
	for _, d := range detectors {
		for _, loc := range d.re.FindAllStringIndex(text, -1) {
			if r.allowlist[strings.ToLower(text[loc[0]:loc[1]])] {
				continue
			}
			spans = append(spans, Span{Kind: d.kind, Start: loc[0], End: loc[1]})
		}
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start > spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	// Drop spans overlapping one already kept; the catalogue order above
	// decided precedence for identical offsets.
	kept := spans[:0]
	lastStart := len(text) + 1
	for _, sp := range spans {
		if sp.End > lastStart {
			continue
		}
		kept = append(kept, sp)
		lastStart = sp.Start
	}

	redacted := text
	for _, sp := range kept {
		redacted = redacted[:sp.Start] + sp.Kind.Placeholder() + redacted[sp.End:]
	}

	result := RedactResult{Redacted: redacted}
	// Report in ascending order.
	for i := len(kept) - 1; i >= 0; i-- {
		sp := kept[i]
		if sp.Kind.IsPHI() {
			result.PHI = append(result.PHI, sp)
		} else {
			result.PII = append(result.PII, sp)
		}
	}
	return result
}

// HasFindings reports whether anything was detected.
func (r RedactResult) HasFindings() bool {
	return len(r.PII) > 0 || len(r.PHI) > 0
}
