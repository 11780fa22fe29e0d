package lsp

import (
	"fmt"

	"go.lsp.dev/protocol"

	"github.com/standardbeagle/gdbridge/internal/diagnostics"
)

// NormalizeDiagnostic converts a protocol-native diagnostic (0-indexed
// position, numeric severity) into the bridge's 1-indexed enumerated form.
func NormalizeDiagnostic(d protocol.Diagnostic) diagnostics.Diagnostic {
	return diagnostics.Diagnostic{
		Line:     int(d.Range.Start.Line) + 1,
		Column:   int(d.Range.Start.Character) + 1,
		Severity: diagnostics.SeverityFromLSP(int(d.Severity)),
		Message:  d.Message,
		Code:     codeString(d.Code),
	}
}

// codeString renders the protocol's loosely-typed code field. Godot sends
// numeric codes; other servers send strings.
func codeString(code interface{}) string {
	switch c := code.(type) {
	case nil:
		return ""
	case string:
		return c
	case float64:
		return fmt.Sprintf("%d", int64(c))
	case int:
		return fmt.Sprintf("%d", c)
	case int64:
		return fmt.Sprintf("%d", c)
	default:
		return fmt.Sprintf("%v", c)
	}
}
