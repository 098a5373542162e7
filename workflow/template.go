package workflow

import (
	"os/exec"
	"strings"
	"time"
)

// TemplateVars is the fixed set of named variables the template engine
// substitutes into prompts and paths. There are no user-defined variables
// and no loops/functions: this table is closed.
type TemplateVars struct {
	Date         string
	GitBranch    string
	GitCommit    string
	CWD          string
	StopFile     string
	WorkflowName string

	// Populated only in apply/cycle-render mode.
	CycleNumber    int
	IterationIndex int
	IterationTotal int
}

// sentinel is the explicit opt-in token an author must use to get
// WORKFLOW_NAME substituted inside a prompt body.
const workflowNameSentinel = "__WORKFLOW_NAME__"

// BuildTemplateVars gathers the fixed variable table for a workflow rooted
// at cwd, shelling out to git for branch/commit like the reference CLI host
// would (best-effort: git failures leave the field empty rather than
// aborting the render).
func BuildTemplateVars(cwd, stopFile, workflowName string, now time.Time) TemplateVars {
	return TemplateVars{
		Date:         now.UTC().Format("2006-01-02"),
		GitBranch:    gitOutput(cwd, "rev-parse", "--abbrev-ref", "HEAD"),
		GitCommit:    gitOutput(cwd, "rev-parse", "--short", "HEAD"),
		CWD:          cwd,
		StopFile:     stopFile,
		WorkflowName: workflowName,
	}
}

func gitOutput(cwd string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (v TemplateVars) asMap(includeWorkflowName bool) map[string]string {
	m := map[string]string{
		"DATE":       v.Date,
		"GIT_BRANCH": v.GitBranch,
		"GIT_COMMIT": v.GitCommit,
		"CWD":        v.CWD,
		"STOP_FILE":  v.StopFile,
	}
	if includeWorkflowName {
		m["WORKFLOW_NAME"] = v.WorkflowName
	}
	if v.CycleNumber > 0 {
		m["CYCLE_NUMBER"] = itoa(v.CycleNumber)
	}
	if v.IterationTotal > 0 {
		m["ITERATION_INDEX"] = itoa(v.IterationIndex)
		m["ITERATION_TOTAL"] = itoa(v.IterationTotal)
	}
	return m
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SubstitutePath substitutes the fixed template variables into a path
// template (e.g. OUTPUT-FILE). WORKFLOW_NAME is always substituted here.
func SubstitutePath(template string, vars TemplateVars) string {
	return substitute(template, vars.asMap(true))
}

// SubstitutePrompt substitutes the fixed template variables into a prompt
// body. WORKFLOW_NAME is substituted only via the explicit sentinel
// __WORKFLOW_NAME__, never via a ${WORKFLOW_NAME} occurrence, so prose
// that happens to contain the token isn't mangled.
func SubstitutePrompt(body string, vars TemplateVars) string {
	out := substitute(body, vars.asMap(false))
	if strings.Contains(out, workflowNameSentinel) {
		out = strings.ReplaceAll(out, workflowNameSentinel, vars.WorkflowName)
	}
	return out
}

// substitute replaces ${NAME} occurrences for each key present in vars.
// Unknown ${NAME} tokens are left untouched rather than erroring: the
// engine does not interpret agent/author-authored text beyond this fixed
// table.
func substitute(s string, vars map[string]string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end >= 0 {
				name := s[i+2 : i+2+end]
				if val, ok := vars[name]; ok {
					b.WriteString(val)
					i += 2 + end + 1
					continue
				}
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
