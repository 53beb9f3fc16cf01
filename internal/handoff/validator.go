package handoff

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("handover validation error: %s - %s", e.Field, e.Message)
}

// ValidationResult contains the result of validating a document.
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []string
}

func (r *ValidationResult) fail(field, message string) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// Validate checks that doc has complete front matter and every required
// section. Unfilled placeholders are reported as warnings.
func Validate(doc *Document) ValidationResult {
	result := ValidationResult{Valid: true}

	if doc == nil {
		result.fail("document", "document is nil")
		return result
	}

	if _, err := uuid.Parse(doc.ID); err != nil {
		result.fail("id", "id must be a UUID")
	}
	if doc.From.IsNone() {
		result.fail("from", "from agent is required")
	}
	if doc.To.IsNone() {
		result.fail("to", "to agent is required")
	}
	if !doc.From.IsNone() && doc.From == doc.To {
		result.fail("to", "from and to must differ")
	}
	if doc.GeneratedAt.IsZero() {
		result.fail("generated_at", "generated_at is required")
	}

	required := []struct {
		field   string
		heading string
	}{
		{"title", fmt.Sprintf("%s%s → %s", TitlePrefix, doc.From, doc.To)},
		{"current_status", fmt.Sprintf("%s (%s)", StatusHeading, doc.From)},
		{"next_actions", fmt.Sprintf("%s (%s)", NextHeading, doc.To)},
		{"references", ReferencesHeading},
	}
	for _, r := range required {
		if !hasLine(doc.Body, r.heading) {
			result.fail(r.field, fmt.Sprintf("missing section %q", r.heading))
		}
	}

	if strings.Contains(doc.Body, fmt.Sprintf(statusPlaceholder, doc.From)) {
		result.Warnings = append(result.Warnings, "current status has not been filled in")
	}
	if strings.Contains(doc.Body, fmt.Sprintf(nextPlaceholder, doc.To)) {
		result.Warnings = append(result.Warnings, "next actions have not been filled in")
	}

	return result
}

func hasLine(body, line string) bool {
	for _, l := range strings.Split(body, "\n") {
		if strings.TrimRight(l, " \t\r") == line {
			return true
		}
	}
	return false
}
