package models

import "fmt"

// Severity of a verification or health finding.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is one violation reported by the verifier or the health check.
type Finding struct {
	ID       string
	Check    string
	Scheme   string
	Severity Severity
	Message  string
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s (%s): %s", f.Severity, f.ID, f.Scheme, f.Message)
}

// HasErrors reports whether any finding carries SeverityError.
func HasErrors(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}
