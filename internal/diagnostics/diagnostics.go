// Package diagnostics holds the normalized diagnostic model and the
// per-file cache fed by the language server session.
package diagnostics

// Severity is the normalized severity of a reported issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is a single reported issue at a 1-indexed file position.
type Diagnostic struct {
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Code     string   `json:"code,omitempty"`
}

// SeverityFromLSP maps a protocol-native numeric severity (1-4) to the
// normalized form. Information and Hint both collapse to Info; anything
// absent or unknown defaults to Error.
func SeverityFromLSP(severity int) Severity {
	switch severity {
	case 1:
		return SeverityError
	case 2:
		return SeverityWarning
	case 3, 4:
		return SeverityInfo
	default:
		return SeverityError
	}
}
