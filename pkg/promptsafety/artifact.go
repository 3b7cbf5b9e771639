package promptsafety

// Artifact is the immutable record produced by running both passes over a
// raw prompt. Downstream consumers treat it as read-only.
type Artifact struct {
	RawText      string      `json:"raw_text"`
	SanitizedText string     `json:"sanitized_text"`
	Detections   []Detection `json:"detected_injections"`
	RiskScore    float64     `json:"risk_score"`
	PII          []Span      `json:"pii_detections"`
	PHI          []Span      `json:"phi_detections"`
	RedactedText string      `json:"redacted_text"`
	IsSafe       bool        `json:"is_safe"`
}

// Pipeline chains the sanitizer and redactor.
type Pipeline struct {
	sanitizer *Sanitizer
	redactor  *Redactor
}

// NewPipeline builds the two-pass pipeline.
func NewPipeline(sanitizer *Sanitizer, redactor *Redactor) *Pipeline {
	if sanitizer == nil {
		sanitizer = NewSanitizer()
	}
	if redactor == nil {
		redactor = NewRedactor()
	}
	return &Pipeline{sanitizer: sanitizer, redactor: redactor}
}

// ModelInput returns the text the model is allowed to see: the
// sentinel-wrapped sanitized prompt with PII/PHI redacted.
func (p *Pipeline) ModelInput(a Artifact) string {
	return p.redactor.Redact(a.SanitizedText).Redacted
}

// Process runs sanitize then redact and assembles the artifact. Redaction
// runs over the raw text so span offsets refer to what the caller sent.
func (p *Pipeline) Process(raw string) Artifact {
	san := p.sanitizer.Sanitize(raw)
	red := p.redactor.Redact(raw)
	return Artifact{
		RawText:       raw,
		SanitizedText: san.Sanitized,
		Detections:    san.Detections,
		RiskScore:     san.RiskScore,
		PII:           red.PII,
		PHI:           red.PHI,
		RedactedText:  red.Redacted,
		IsSafe:        san.IsSafe,
	}
}
