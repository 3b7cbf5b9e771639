package plan

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Canonical returns the RFC 8785 canonical JSON form of the plan: keys
// sorted at every level, no insignificant whitespace, normalized number
// formatting, and all strings in Unicode NFC. Metadata never participates.
func (p *ActionPlan) Canonical() ([]byte, error) {
	intermediate, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("plan: marshal: %w", err)
	}

	// Decode with json.Number so numeric literals survive untouched into
	// the canonicalizer instead of round-tripping through float64.
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("plan: decode intermediate: %w", err)
	}

	normalized, err := json.Marshal(normalizeNFC(generic))
	if err != nil {
		return nil, fmt.Errorf("plan: marshal normalized: %w", err)
	}

	canonical, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("plan: canonicalize: %w", err)
	}
	return canonical, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical form. This is the
// identity used for drift detection.
func (p *ActionPlan) Hash() (string, error) {
	canonical, err := p.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeNFC walks the decoded value applying NFC to every string, keys
// included, so visually identical plans hash identically.
func normalizeNFC(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeNFC(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeNFC(val)
		}
		return out
	default:
		return v
	}
}
