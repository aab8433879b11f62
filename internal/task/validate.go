package task

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a structural validation failure.
type ErrorKind string

const (
	ErrorMissingHeader        ErrorKind = "missing-header"
	ErrorMalformedHeader      ErrorKind = "malformed-header"
	ErrorMissingField         ErrorKind = "missing-field"
	ErrorInvalidPriority      ErrorKind = "invalid-priority"
	ErrorUnregisteredTaskType ErrorKind = "unregistered-task-type"
)

// ValidationError is one structural problem found in a task file.
type ValidationError struct {
	Kind    ErrorKind
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Report collects every validation failure found in a single pass. Callers
// quarantining a file need the complete list, not just the first hit.
type Report struct {
	Errors []ValidationError
}

// IsValid reports whether the file passed validation.
func (r Report) IsValid() bool {
	return len(r.Errors) == 0
}

func (r *Report) add(kind ErrorKind, field, message string) {
	r.Errors = append(r.Errors, ValidationError{Kind: kind, Field: field, Message: message})
}

// Messages renders the failures as one line per error.
func (r Report) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Error())
	}
	return out
}

// ValidatorOptions configures structural validation. The zero value requires
// a task_id and accepts every task type.
type ValidatorOptions struct {
	// RequiredFields lists header fields that must be present and non-null.
	// Nil defaults to [task_id]; an explicit empty slice requires nothing.
	RequiredFields []string
	// RegisteredTaskTypes is the task-type allow-list. An empty list accepts
	// every type regardless of AllowUnregisteredTypes.
	RegisteredTaskTypes []string
	// AllowUnregisteredTypes disables allow-list enforcement when true.
	AllowUnregisteredTypes bool
}

func (o ValidatorOptions) requiredFields() []string {
	if o.RequiredFields == nil {
		return []string{FieldTaskID}
	}
	return o.RequiredFields
}

// ValidateTaskFile checks raw file content against the structural contract.
// It is pure: no file is moved or rewritten here; callers decide what an
// invalid verdict means.
func ValidateTaskFile(raw []byte, opts ValidatorOptions) Report {
	var report Report
	doc, err := ParseDocument(raw)
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingHeader):
			report.add(ErrorMissingHeader, "", "no frontmatter header block found")
		default:
			report.add(ErrorMalformedHeader, "", err.Error())
		}
		return report
	}
	ValidateMetadata(doc, opts, &report)
	return report
}

// ValidateMetadata runs the field-level checks against a parsed document,
// appending every failure to the report.
func ValidateMetadata(doc *Document, opts ValidatorOptions, report *Report) {
	for _, field := range opts.requiredFields() {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.TrimSpace(doc.HeaderString(field)) == "" && !doc.HasHeaderField(field) {
			report.add(ErrorMissingField, field, "required field is absent")
			continue
		}
		if strings.TrimSpace(doc.HeaderString(field)) == "" {
			report.add(ErrorMissingField, field, "required field is null or empty")
		}
	}
	ValidatePriority(doc, report)
	ValidateTaskType(doc, opts, report)
}

// ValidatePriority accepts an absent priority (defaults are applied later by
// the engine) but rejects unknown values.
func ValidatePriority(doc *Document, report *Report) {
	raw := strings.TrimSpace(doc.HeaderString(FieldPriority))
	if raw == "" {
		return
	}
	if !Priority(raw).Valid() {
		report.add(ErrorInvalidPriority, FieldPriority,
			fmt.Sprintf("%q is not one of critical, high, medium, low", raw))
	}
}

// ValidateTaskType enforces the configured allow-list. An empty allow-list
// accepts every type.
func ValidateTaskType(doc *Document, opts ValidatorOptions, report *Report) {
	if len(opts.RegisteredTaskTypes) == 0 || opts.AllowUnregisteredTypes {
		return
	}
	taskType := strings.TrimSpace(doc.HeaderString(FieldTaskType))
	if taskType == "" {
		return
	}
	for _, registered := range opts.RegisteredTaskTypes {
		if taskType == registered {
			return
		}
	}
	report.add(ErrorUnregisteredTaskType, FieldTaskType,
		fmt.Sprintf("%q is not a registered task type", taskType))
}

// ValidateHeaderSyntax checks only that the frontmatter block parses.
func ValidateHeaderSyntax(raw []byte) Report {
	var report Report
	if _, err := ParseDocument(raw); err != nil {
		if errors.Is(err, ErrMissingHeader) {
			report.add(ErrorMissingHeader, "", "no frontmatter header block found")
		} else {
			report.add(ErrorMalformedHeader, "", err.Error())
		}
	}
	return report
}
