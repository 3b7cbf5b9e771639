// Package promptsafety implements the deterministic prompt safety pipeline:
// an injection detector, a PII/PHI redactor, and an output validator. Both
// text passes are pure functions of their input so they can be property
// tested.
package promptsafety

import (
	"regexp"
	"sort"
	"strings"
)

// Sentinel delimiters wrap user input in the downstream prompt template.
// The template refuses to treat anything between them as instructions.
const (
	SentinelOpen  = "[[USER_INPUT]]"
	SentinelClose = "[[/USER_INPUT]]"
)

// InjectionClass names a catalogue entry.
type InjectionClass string

const (
	ClassInstructionOverride InjectionClass = "instruction_override"
	ClassRoleChange          InjectionClass = "role_change"
	ClassSystemPromptLeak    InjectionClass = "system_prompt_leak"
	ClassDelimiterEscape     InjectionClass = "delimiter_escape"
	ClassJailbreak           InjectionClass = "jailbreak"
	ClassDataExtraction      InjectionClass = "data_extraction"
)

// Detection is one matched pattern occurrence.
type Detection struct {
	Class  InjectionClass `json:"class"`
	Match  string         `json:"match"`
	Start  int            `json:"start"`
	End    int            `json:"end"`
	Weight float64        `json:"weight"`
}

// SanitizeResult is the outcome of the injection pass.
type SanitizeResult struct {
	Sanitized  string      `json:"sanitized"`
	Detections []Detection `json:"detections"`
	RiskScore  float64     `json:"risk_score"`
	IsSafe     bool        `json:"is_safe"`
}

type patternClass struct {
	class  InjectionClass
	weight float64
	re     *regexp.Regexp
}

// The catalogue is fixed. Weights encode how strongly a single match of the
// class indicates an injection attempt.
var catalogue = []patternClass{
	{ClassInstructionOverride, 0.8, regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override)\s+(all\s+|any\s+|your\s+|the\s+)?(previous|prior|above|earlier|system)\s+(instructions?|prompts?|rules?|context)`)},
	{ClassRoleChange, 0.7, regexp.MustCompile(`(?i)\b(you\s+are\s+now|act\s+as|pretend\s+(to\s+be|you\s+are)|roleplay\s+as|from\s+now\s+on\s+you)\b`)},
	{ClassSystemPromptLeak, 0.75, regexp.MustCompile(`(?i)\b(repeat|reveal|show|print|output|display)\b.{0,40}\b(system\s+prompt|initial\s+instructions?|hidden\s+(prompt|instructions?)|your\s+instructions?)\b`)},
	{ClassDelimiterEscape, 0.6, regexp.MustCompile(`(\[\[/?[A-Z_]+\]\]|<\|[a-z_]+\|>|` + "```" + `\s*system\b)`)},
	{ClassJailbreak, 0.9, regexp.MustCompile(`(?i)\b(DAN\s+mode|jailbreak|developer\s+mode|no\s+restrictions?\s+mode|unfiltered\s+mode|without\s+(any\s+)?(safety|ethical)\s+(guidelines?|restrictions?))\b`)},
	{ClassDataExtraction, 0.65, regexp.MustCompile(`(?i)\b(list|dump|export|extract|enumerate)\b.{0,40}\b(all\s+(users?|patients?|records?|tenants?|customers?)|credentials?|passwords?|api\s+keys?|secrets?)\b`)},
}

// DefaultRiskThreshold rejects prompts scoring at or above it.
const DefaultRiskThreshold = 0.7

// Sanitizer runs the injection pass.
type Sanitizer struct {
	threshold float64
}

// NewSanitizer uses the default threshold.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{threshold: DefaultRiskThreshold}
}

// WithThreshold overrides the safety threshold (used by governance profiles).
func (s *Sanitizer) WithThreshold(t float64) *Sanitizer {
	if t > 0 {
		s.threshold = t
	}
	return s
}

// Sanitize scans text once per catalogue class, scores the detections, and
// returns the escaped, sentinel-wrapped form.
//
// risk = min(1.0, max(weight) + 0.05*(n-1)) with the additive term clamped
// to 0.2, so many weak matches cannot outscore one strong one by much.
func (s *Sanitizer) Sanitize(text string) SanitizeResult {
	var detections []Detection
	for _, pc := range catalogue {
		for _, loc := range pc.re.FindAllStringIndex(text, -1) {
			// The pipeline's own sentinels are not an escape attempt; skipping
			// them keeps re-sanitizing an already-sanitized payload monotone.
			if m := text[loc[0]:loc[1]]; pc.class == ClassDelimiterEscape &&
				(m == SentinelOpen || m == SentinelClose) {
				continue
			}
			detections = append(detections, Detection{
				Class:  pc.class,
				Match:  text[loc[0]:loc[1]],
				Start:  loc[0],
				End:    loc[1],
				Weight: pc.weight,
			})
		}
	}
	sort.Slice(detections, func(i, j int) bool {
		if detections[i].Start != detections[j].Start {
			return detections[i].Start < detections[j].Start
		}
		return detections[i].Class < detections[j].Class
	})

	risk := 0.0
	if len(detections) > 0 {
		for _, d := range detections {
			if d.Weight > risk {
				risk = d.Weight
			}
		}
		additive := 0.05 * float64(len(detections)-1)
		if additive > 0.2 {
			additive = 0.2
		}
		risk += additive
		if risk > 1.0 {
			risk = 1.0
		}
	}

	return SanitizeResult{
		Sanitized:  SentinelOpen + escapeDelimiters(text) + SentinelClose,
		Detections: detections,
		RiskScore:  risk,
		IsSafe:     risk < s.threshold,
	}
}

// escapeDelimiters neutralizes the system's own delimiter tokens inside
// user-provided text so it cannot break out of the sentinel wrapping.
func escapeDelimiters(text string) string {
	r := strings.NewReplacer(
		"[[", "[⁠[",
		"]]", "]⁠]",
		"<|", "<⁠|",
		"|>", "|⁠>",
	)
	return r.Replace(text)
}
