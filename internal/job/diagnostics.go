package job

import "time"

type DiagnosticSeverity string

const (
	SeverityError   DiagnosticSeverity = "error"
	SeverityWarning DiagnosticSeverity = "warning"
	SeverityNote    DiagnosticSeverity = "note"
)

type Diagnostic struct {
	Severity DiagnosticSeverity `json:"severity"`
	Code     string             `json:"code,omitempty"`
	Message  string             `json:"message"`
	File     string             `json:"file,omitempty"`
	Line     int                `json:"line,omitempty"`
	Column   int                `json:"column,omitempty"`
	Raw      string             `json:"raw,omitempty"`
}

type DiagnosticsReport struct {
	Schema       int          `json:"schema"`
	GeneratedAt  time.Time    `json:"generated_at"`
	ErrorCount   int          `json:"error_count"`
	WarningCount int          `json:"warning_count"`
	NoteCount    int          `json:"note_count"`
	Diagnostics  []Diagnostic `json:"diagnostics"`
}
