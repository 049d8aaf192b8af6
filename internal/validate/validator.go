// Package validate gates raw model responses: a response either parses
// into a structured record or the step it came from counts as failed.
package validate

import (
	"encoding/json"
	"strings"

	"github.com/sells-group/docpipe/internal/model"
)

// Validator parses raw LLM response text into a structured record. It
// is stateless and safe for concurrent use.
//
// Per-document-type shape requirements are an extension point: a doc
// type with registered required fields has those checked after parsing.
// No shapes are registered by default, so "parses as a JSON object" is
// the enforced contract.
type Validator struct {
	requiredFields map[string][]string // doc type code → required top-level keys
}

// New creates a Validator with no registered document-type shapes.
func New() *Validator {
	return &Validator{requiredFields: make(map[string][]string)}
}

// RequireFields registers required top-level keys for a document type.
func (v *Validator) RequireFields(docType string, fields ...string) {
	v.requiredFields[docType] = fields
}

// Validate parses responseText into a structured record. If the text
// contains a ```json fenced block, only that block is considered;
// otherwise the whole text is the candidate payload. agentCode is
// carried only for error context.
func (v *Validator) Validate(responseText, docType, agentCode string) (map[string]any, error) {
	candidate := responseText
	if block, ok := fencedBlock(responseText); ok {
		candidate = block
	}
	candidate = strings.TrimSpace(candidate)

	if candidate == "" {
		return nil, &model.ValidationError{Reason: "empty response"}
	}

	var parsed any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil, &model.ValidationError{Reason: "malformed JSON", Err: err}
	}

	record, ok := parsed.(map[string]any)
	if !ok {
		return nil, &model.ValidationError{Reason: "response is not a JSON object"}
	}

	if required, exists := v.requiredFields[docType]; exists {
		for _, field := range required {
			if _, present := record[field]; !present {
				return nil, &model.ValidationError{Reason: "missing required field " + field}
			}
		}
	}

	return record, nil
}

// fencedBlock extracts the contents of the first ```json code fence.
// Returns false when no complete language-tagged fence is present.
func fencedBlock(text string) (string, bool) {
	const open = "```json"
	start := strings.Index(text, open)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// FieldCount returns the number of top-level fields in a validated
// record, for audit logging.
func FieldCount(record map[string]any) int {
	return len(record)
}
