package schema

import "fmt"

// IssueSeverity indicates whether a lint issue blocks execution.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// Issue is a single problem found while checking a plan.
type Issue struct {
	Line     int           `json:"line"`
	Variable string        `json:"variable,omitempty"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Severity IssueSeverity `json:"severity"`
}

func (i Issue) String() string {
	if i.Variable != "" {
		return fmt.Sprintf("line %d (%s): %s: %s", i.Line, i.Variable, i.Severity, i.Message)
	}
	return fmt.Sprintf("line %d: %s: %s", i.Line, i.Severity, i.Message)
}

// CheckReport aggregates the issues found for one program.
type CheckReport struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// OK returns true if there are no errors. Warnings are acceptable.
func (r *CheckReport) OK() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *CheckReport) AddError(line int, variable, code, message string) {
	r.Errors = append(r.Errors, Issue{
		Line: line, Variable: variable, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *CheckReport) AddWarning(line int, variable, code, message string) {
	r.Warnings = append(r.Warnings, Issue{
		Line: line, Variable: variable, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// ToError converts the report to a FlowError when it holds errors.
func (r *CheckReport) ToError() error {
	if r.OK() {
		return nil
	}

	first := r.Errors[0]
	msg := first.Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("check failed with %d errors", len(r.Errors))
	}

	return NewError(first.Code, msg).
		WithLine(first.Line).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
