package workflow

import "fmt"

// Diagnostic is a single parse-time problem, carrying enough to point an
// author at the fix.
type Diagnostic struct {
	File    string
	Line    int
	Message string
	FixHint string
}

func (d Diagnostic) Error() string {
	if d.FixHint != "" {
		return fmt.Sprintf("%s:%d: %s (%s)", d.File, d.Line, d.Message, d.FixHint)
	}
	return fmt.Sprintf("%s:%d: %s", d.File, d.Line, d.Message)
}

// DiagnosticList collects diagnostics gathered in lenient mode. It satisfies
// error so it can be returned/wrapped like any other failure.
type DiagnosticList []Diagnostic

func (l DiagnosticList) Error() string {
	if len(l) == 0 {
		return "no diagnostics"
	}
	msg := fmt.Sprintf("%d parse error(s):", len(l))
	for _, d := range l {
		msg += "\n  " + d.Error()
	}
	return msg
}
