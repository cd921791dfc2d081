package lean

// format.go — rendering diagnostics, goals, and cursor positions into the
// compact text the agent sees.

import (
	"fmt"
	"strings"

	"go.lsp.dev/protocol"
)

// severityLabel maps LSP severities to short words.
func severityLabel(s protocol.DiagnosticSeverity) string {
	switch s {
	case protocol.DiagnosticSeverityError:
		return "error"
	case protocol.DiagnosticSeverityWarning:
		return "warning"
	case protocol.DiagnosticSeverityInformation:
		return "info"
	case protocol.DiagnosticSeverityHint:
		return "hint"
	}
	return fmt.Sprintf("severity-%d", int(s))
}

// FormatDiagnostics renders diagnostics one per entry, 1-based coordinates.
func FormatDiagnostics(diags []protocol.Diagnostic) []string {
	msgs := make([]string, 0, len(diags))
	for _, d := range diags {
		r := d.Range
		loc := fmt.Sprintf("l%dc%d-l%dc%d",
			r.Start.Line+1, r.Start.Character+1, r.End.Line+1, r.End.Character+1)
		msgs = append(msgs, fmt.Sprintf("%s, %s\n%s", loc, severityLabel(d.Severity), d.Message))
	}
	return msgs
}

// filterDiagnosticsAt keeps diagnostics covering the 0-based line, and when
// col >= 0 also the column.
func filterDiagnosticsAt(diags []protocol.Diagnostic, line uint32, col int) []protocol.Diagnostic {
	var out []protocol.Diagnostic
	for _, d := range diags {
		if d.Range.Start.Line > line || line > d.Range.End.Line {
			continue
		}
		// Column bounds only apply on the boundary lines of the range.
		if col >= 0 {
			if line == d.Range.Start.Line && uint32(col) < d.Range.Start.Character {
				continue
			}
			if line == d.Range.End.Line && uint32(col) >= d.Range.End.Character {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// hasErrors reports whether any diagnostic is an error.
func hasErrors(diags []protocol.Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == protocol.DiagnosticSeverityError {
			return true
		}
	}
	return false
}

// stripFences removes the markdown code fences Lean wraps rendered goals in.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```lean\n", "")
	s = strings.ReplaceAll(s, "\n```", "")
	return strings.TrimSpace(s)
}

// FormatCursorLine shows a line with a <cursor> marker at the 1-based column.
func FormatCursorLine(text string, line, col int) string {
	l, err := Line(text, line)
	if err != nil {
		return "(line out of range)"
	}
	runes := []rune(l)
	if col < 1 || col > len(runes)+1 {
		return l
	}
	return string(runes[:col-1]) + "<cursor>" + string(runes[col-1:])
}

// AnnotateLines prefixes every line with its right-padded 1-based number.
func AnnotateLines(text string) string {
	lines := strings.Split(text, "\n")
	width := len(fmt.Sprint(len(lines)))
	var sb strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&sb, "%-*d: %s\n", width, i+1, l)
	}
	return sb.String()
}

// extractRange returns the text covered by a protocol range. Character
// offsets are treated as rune offsets, which matches ASCII identifiers and
// is close enough for display on symbol names.
func extractRange(text string, r protocol.Range) string {
	lines := strings.Split(text, "\n")
	if int(r.End.Line) >= len(lines) {
		return ""
	}
	clip := func(s string, from, to int) string {
		runes := []rune(s)
		if from < 0 {
			from = 0
		}
		if to > len(runes) {
			to = len(runes)
		}
		if from >= to {
			return ""
		}
		return string(runes[from:to])
	}
	if r.Start.Line == r.End.Line {
		return clip(lines[r.Start.Line], int(r.Start.Character), int(r.End.Character))
	}
	parts := []string{clip(lines[r.Start.Line], int(r.Start.Character), 1<<30)}
	for i := r.Start.Line + 1; i < r.End.Line; i++ {
		parts = append(parts, lines[i])
	}
	parts = append(parts, clip(lines[r.End.Line], 0, int(r.End.Character)))
	return strings.Join(parts, "\n")
}

// findSymbol locates the first occurrence of symbol and returns its 1-based
// line and column. Case sensitive.
func findSymbol(text, symbol string) (line, col int, ok bool) {
	for i, l := range strings.Split(text, "\n") {
		if idx := strings.Index(l, symbol); idx >= 0 {
			return i + 1, len([]rune(l[:idx])) + 1, true
		}
	}
	return 0, 0, false
}
