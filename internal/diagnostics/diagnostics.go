package diagnostics

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mblsha/dxeforge/internal/job"
)

var (
	headerRe   = regexp.MustCompile(`^(error|warning|note)(?:\[([A-Za-z]+[0-9]+)\])?: (.+)$`)
	locationRe = regexp.MustCompile(`^\s*--> (.+):([0-9]+):([0-9]+)$`)
)

// BuildReport extracts rustc and cargo diagnostics from console output.
func BuildReport(raw []byte) job.DiagnosticsReport {
	report := job.DiagnosticsReport{
		Schema:      1,
		GeneratedAt: time.Now().UTC(),
		Diagnostics: make([]job.Diagnostic, 0),
	}
	seen := map[string]struct{}{}
	var pending *job.Diagnostic

	flush := func() {
		if pending == nil {
			return
		}
		d := *pending
		pending = nil
		key := diagnosticKey(d)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		report.Diagnostics = append(report.Diagnostics, d)
		switch d.Severity {
		case job.SeverityError:
			report.ErrorCount++
		case job.SeverityWarning:
			report.WarningCount++
		default:
			report.NoteCount++
		}
	}

	reader := bufio.NewReader(bytes.NewReader(raw))
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if d, ok := parseHeader(line); ok {
			flush()
			pending = &d
		} else if pending != nil && pending.File == "" {
			if m := locationRe.FindStringSubmatch(line); m != nil {
				pending.File = m[1]
				pending.Line, _ = strconv.Atoi(m[2])
				pending.Column, _ = strconv.Atoi(m[3])
			}
		}
		if err == io.EOF || err != nil {
			break
		}
	}
	flush()
	return report
}

// InferFailure picks the most specific error and classifies it.
func InferFailure(report job.DiagnosticsReport, fallbackMessage string, buildErr error) (string, string) {
	if d, ok := firstError(report); ok {
		return classify(d), formatSummary(d)
	}
	msg := strings.TrimSpace(fallbackMessage)
	if msg == "" && buildErr != nil {
		msg = strings.TrimSpace(buildErr.Error())
	}
	if msg == "" {
		msg = "build failed"
	}
	return "internal", msg
}

// Tail returns the last n lines of raw, newline terminated.
func Tail(raw []byte, lines int) []byte {
	if lines <= 0 {
		return nil
	}
	parts := strings.Split(string(raw), "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 {
		return nil
	}
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return []byte(strings.Join(parts, "\n") + "\n")
}

// Excerpt is the short text stored with a build result: the failure summary, if
// any, followed by the console tail.
func Excerpt(raw []byte, tailLines int, failed bool, fallback string) string {
	var b strings.Builder
	if failed {
		report := BuildReport(raw)
		kind, summary := InferFailure(report, fallback, nil)
		fmt.Fprintf(&b, "failure: kind=%s summary=%s\n", kind, summary)
	}
	b.Write(Tail(raw, tailLines))
	return b.String()
}

func parseHeader(line string) (job.Diagnostic, bool) {
	m := headerRe.FindStringSubmatch(line)
	if m == nil {
		return job.Diagnostic{}, false
	}
	msg := strings.TrimSpace(m[3])
	if isSummaryLine(msg) {
		return job.Diagnostic{}, false
	}
	return job.Diagnostic{
		Severity: job.DiagnosticSeverity(m[1]),
		Code:     m[2],
		Message:  msg,
		Raw:      line,
	}, true
}

// "`foo` (lib) generated 3 warnings" and friends repeat counts, not problems.
func isSummaryLine(msg string) bool {
	return strings.Contains(msg, ") generated ") && strings.Contains(msg, " warning")
}

func firstError(report job.DiagnosticsReport) (job.Diagnostic, bool) {
	var fallback *job.Diagnostic
	for i, d := range report.Diagnostics {
		if d.Severity != job.SeverityError {
			continue
		}
		if strings.HasPrefix(d.Message, "could not compile") || strings.HasPrefix(d.Message, "aborting due to") {
			if fallback == nil {
				fallback = &report.Diagnostics[i]
			}
			continue
		}
		return d, true
	}
	if fallback != nil {
		return *fallback, true
	}
	return job.Diagnostic{}, false
}

func classify(d job.Diagnostic) string {
	lower := strings.ToLower(d.Message)
	switch {
	case strings.Contains(lower, "only accepted on the nightly") ||
		strings.Contains(lower, "-z") && strings.Contains(lower, "unstable") ||
		strings.Contains(lower, "can't find crate for `core`") ||
		strings.Contains(lower, "rust-src") ||
		strings.Contains(lower, "unable to build with the standard library") ||
		strings.Contains(lower, "target may not be installed"):
		return "toolchain"
	case strings.Contains(lower, "failed to parse manifest") ||
		strings.Contains(lower, "failed to load manifest"):
		return "manifest"
	case strings.Contains(lower, "no matching package") ||
		strings.Contains(lower, "failed to select a version") ||
		strings.Contains(lower, "failed to load source") ||
		strings.Contains(lower, "failed to resolve patches") ||
		strings.Contains(lower, "patch for"):
		return "dependency"
	case strings.Contains(lower, "linking with") || strings.Contains(lower, "linker"):
		return "link"
	case d.Code != "" || d.File != "" || strings.HasPrefix(lower, "could not compile"):
		return "compile"
	default:
		return "internal"
	}
}

func formatSummary(d job.Diagnostic) string {
	where := ""
	if d.File != "" && d.Line > 0 {
		where = fmt.Sprintf(" (%s:%d)", d.File, d.Line)
	} else if d.File != "" {
		where = fmt.Sprintf(" (%s)", d.File)
	}
	if d.Code != "" {
		return fmt.Sprintf("[%s] %s%s", d.Code, d.Message, where)
	}
	return d.Message + where
}

func diagnosticKey(d job.Diagnostic) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d", d.Severity, d.Code, d.Message, d.File, d.Line, d.Column)
}
