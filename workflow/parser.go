package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bewest/sdqctl/engineerr"
)

// ParseOptions configures Parse.
type ParseOptions struct {
	// WorkspaceRoot is not read by Parse.
	WorkspaceRoot string

	// ExplicitAliases is not read by Parse: Parse neither resolves
	// alias-form references nor checks that their alias is registered.
	ExplicitAliases AliasTable

	// UserGlobalAliases is not read by Parse.
	UserGlobalAliases AliasTable

	// Lenient, when true, collects every diagnostic instead of aborting on
	// the first one. It is overridden by an in-file VALIDATION-MODE
	// directive if present.
	Lenient bool
}

// Parse reads and parses a workflow file, splicing INCLUDEs, and returns the
// immutable Workflow. In strict mode (the default) the first diagnostic
// aborts parsing and is returned wrapped in engineerr.ErrParse. In lenient
// mode all diagnostics are collected and returned as a DiagnosticList
// (itself an error) alongside a best-effort partial Workflow.
func Parse(path string, opts ParseOptions) (*Workflow, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving workflow path: %w", err)
	}
	lines, err := expandIncludes(abs, map[string]bool{})
	if err != nil {
		return nil, err
	}

	p := &parser{opts: opts, file: abs}
	p.global.SessionMode = SessionAccumulate
	p.global.CompactionMin = 30
	p.global.CompactionThreshold = 80
	p.global.CompactionMax = 95
	p.global.ValidationMode = ValidationStrict
	if opts.Lenient {
		p.global.ValidationMode = ValidationLenient
	}

	for _, ll := range lines {
		p.dispatch(ll)
		if p.global.ValidationMode == ValidationStrict && len(p.diags) > 0 {
			break
		}
	}
	if p.blockKind != "" {
		p.errorf(p.file, p.lastLine, "unterminated %s block", "add an END directive", p.blockKind)
	}
	if p.elideActive {
		// Implicit close at end of file is fine; nothing to flag.
		p.elideActive = false
	}

	wf := &Workflow{
		Path:        abs,
		Global:      p.global,
		ContextRefs: p.contextRefs,
		Steps:       p.steps,
		SourceLen:   len(lines),
	}

	if len(p.diags) > 0 {
		if p.global.ValidationMode == ValidationStrict {
			return wf, fmt.Errorf("%w: %s", engineerr.ErrParse, p.diags[0].Error())
		}
		return wf, DiagnosticList(p.diags)
	}
	return wf, nil
}

// expandIncludes tokenizes path and recursively splices INCLUDE directives
// in place, depth-first, detecting cycles via the visited set (keyed by
// absolute path).
func expandIncludes(path string, visited map[string]bool) ([]logicalLine, error) {
	if visited[path] {
		return nil, fmt.Errorf("%w: %s: circular INCLUDE", engineerr.ErrParse, path)
	}
	visited[path] = true

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file %s: %w", path, err)
	}
	lines := tokenize(readRawLines(string(content)))

	var out []logicalLine
	dir := filepath.Dir(path)
	for _, ll := range lines {
		if ll.Keyword == "INCLUDE" {
			incPath := ll.Value
			if !filepath.IsAbs(incPath) {
				incPath = filepath.Join(dir, incPath)
			}
			spliced, err := expandIncludes(incPath, visited)
			if err != nil {
				return nil, err
			}
			out = append(out, spliced...)
			continue
		}
		out = append(out, ll)
	}
	return out, nil
}

type parser struct {
	opts   ParseOptions
	file   string
	global GlobalDirectives
	diags  []Diagnostic

	contextRefs []ContextRef
	steps       []Step
	lastLine    int

	blockKind  string // "", "ON-FAILURE", "ON-SUCCESS"
	blockOwner *RunStep
	blockSteps []Step

	elideActive  bool
	elideGroup   string
	elideCounter int
}

func (p *parser) errorf(file string, line int, msg, fixHint string, args ...any) {
	p.diags = append(p.diags, Diagnostic{
		File:    file,
		Line:    line,
		Message: fmt.Sprintf(msg, args...),
		FixHint: fixHint,
	})
}

func (p *parser) append(step Step) {
	if p.blockKind != "" {
		p.blockSteps = append(p.blockSteps, step)
		return
	}
	p.steps = append(p.steps, step)
}

// currentTarget returns the slice currently being appended to (top-level or
// the open block), for elide-group bookkeeping.
func (p *parser) currentTarget() *[]Step {
	if p.blockKind != "" {
		return &p.blockSteps
	}
	return &p.steps
}

var elidableKinds = map[StepKind]bool{
	StepPrompt: true,
	StepRun:    true,
	StepVerify: true,
	StepRefcat: true,
}

func (p *parser) dispatch(ll logicalLine) {
	p.lastLine = ll.Line
	if ll.Keyword == "" {
		p.errorf(p.file, ll.Line, "continuation line has no preceding directive", "remove the leading indentation or attach it to a directive")
		return
	}
	if !isDirectiveKeyword(ll.Keyword) {
		p.errorf(p.file, ll.Line, "malformed directive keyword %q", "directive keywords are uppercase and dash-separated", ll.Keyword)
		return
	}

	switch ll.Keyword {
	// ---- global, last-write-wins ----
	case "ADAPTER":
		p.global.Adapter = ll.Value
	case "MODEL":
		p.global.Model = ll.Value
	case "SESSION-MODE":
		p.global.SessionMode = SessionMode(p.enum(ll, ll.Value, "accumulate", "compact", "fresh"))
	case "MAX-CYCLES":
		p.global.MaxCycles = p.positiveInt(ll)
	case "CONTEXT-LIMIT-PERCENT":
		p.global.ContextLimitPercent = p.percent(ll)
	case "ON-CONTEXT-LIMIT":
		p.global.OnContextLimit = ll.Value
	case "COMPACTION-MIN":
		p.global.CompactionMin = p.percent(ll)
	case "COMPACTION-THRESHOLD":
		p.global.CompactionThreshold = p.percent(ll)
	case "COMPACTION-MAX":
		p.global.CompactionMax = p.percent(ll)
	case "INFINITE-SESSIONS":
		p.global.InfiniteSessions = p.enabled(ll)
	case "SESSION-NAME":
		p.global.SessionName = ll.Value
	case "CWD":
		p.global.CWD = ll.Value
	case "ALLOW-FILE":
		p.global.AllowFile = append(p.global.AllowFile, ll.Value)
	case "DENY-FILE":
		p.global.DenyFile = append(p.global.DenyFile, ll.Value)
	case "ALLOW-DIR":
		p.global.AllowDir = append(p.global.AllowDir, ll.Value)
	case "DENY-DIR":
		p.global.DenyDir = append(p.global.DenyDir, ll.Value)
	case "OUTPUT-FORMAT":
		p.global.OutputFormat = ll.Value
	case "OUTPUT-FILE":
		p.global.OutputFile = ll.Value
	case "OUTPUT-DIR":
		p.global.OutputDir = ll.Value
	case "HEADER":
		p.global.Header = append(p.global.Header, ll.Value)
	case "FOOTER":
		p.global.Footer = append(p.global.Footer, ll.Value)
	case "VALIDATION-MODE":
		p.global.ValidationMode = ValidationMode(p.enum(ll, ll.Value, "strict", "lenient"))
	case "CHECKPOINT-DIR":
		p.global.CheckpointDir = ll.Value
	case "EVENT-LOG":
		p.global.EventLogPath = ll.Value
	case "PLUGIN-MANIFEST":
		p.global.PluginManifestPath = ll.Value
	case "CONFIG":
		p.global.ConfigPath = ll.Value
	case "ALLOW-SHELL":
		p.global.AllowShell = p.boolValue(ll)
	case "CONSULT-TIMEOUT":
		p.global.ConsultTimeout = p.duration(ll)
	case "PROLOGUE":
		p.global.GlobalPrologues = append(p.global.GlobalPrologues, ll.Value)
	case "EPILOGUE":
		p.global.GlobalEpilogues = append(p.global.GlobalEpilogues, ll.Value)
	case "CYCLE-PROLOGUE":
		p.global.CyclePrologues = append(p.global.CyclePrologues, ll.Value)
	case "CYCLE-EPILOGUE":
		p.global.CycleEpilogues = append(p.global.CycleEpilogues, ll.Value)

	// ---- context ----
	case "CONTEXT":
		p.contextRefs = append(p.contextRefs, ContextRef{Ref: ll.Value})
	case "CONTEXT-OPTIONAL":
		p.contextRefs = append(p.contextRefs, ContextRef{Ref: ll.Value, Optional: true})

	// ---- steps ----
	case "PROMPT":
		p.addElidable(Step{Kind: StepPrompt, Line: ll.Line, Prompt: &PromptStep{Body: ll.Value}})
	case "RUN":
		p.startRun(ll)
	case "RUN-CWD":
		p.modifyRun(ll, func(r *RunStep) { r.CWD = ll.Value })
	case "RUN-ENV":
		p.modifyRun(ll, func(r *RunStep) {
			k, v, ok := strings.Cut(ll.Value, "=")
			if !ok {
				p.errorf(p.file, ll.Line, "RUN-ENV value %q is not KEY=VALUE", "use RUN-ENV KEY=VALUE", ll.Value)
				return
			}
			if r.Env == nil {
				r.Env = map[string]string{}
			}
			r.Env[k] = v
		})
	case "RUN-TIMEOUT":
		p.modifyRun(ll, func(r *RunStep) { r.Timeout = p.duration(ll) })
	case "RUN-ON-ERROR":
		p.modifyRun(ll, func(r *RunStep) { r.OnError = OnErrorPolicy(p.enum(ll, ll.Value, "stop", "continue")) })
	case "RUN-OUTPUT":
		p.modifyRun(ll, func(r *RunStep) {
			r.OutputPolicy = OutputCapturePolicy(p.enum(ll, ll.Value, "on-error", "always", "never"))
		})
	case "RUN-OUTPUT-LIMIT":
		p.modifyRun(ll, func(r *RunStep) { r.OutputLimit = p.positiveInt(ll) })
	case "RUN-ASYNC":
		p.modifyRun(ll, func(r *RunStep) { r.Async = true })
	case "RUN-RETRY":
		p.modifyRun(ll, func(r *RunStep) {
			n, prompt, err := parseRetryValue(ll.Value)
			if err != nil {
				p.errorf(p.file, ll.Line, "malformed RUN-RETRY value: %v", `use RUN-RETRY N "prompt"`, err)
				return
			}
			r.RetryCount, r.RetryPrompt = n, prompt
		})
	case "ON-FAILURE", "ON-SUCCESS":
		p.openBlock(ll)
	case "END":
		p.closeBlock(ll)

	case "VERIFY":
		p.startVerify(ll, NamespaceVerify)
	case "HYGIENE":
		p.startVerify(ll, NamespaceHygiene)
	case "TRACE":
		p.startVerify(ll, NamespaceTrace)
	case "VERIFY-OPTION":
		p.modifyVerify(ll, func(v *VerifyStep) {
			k, val, ok := strings.Cut(ll.Value, "=")
			if !ok {
				p.errorf(p.file, ll.Line, "VERIFY-OPTION value %q is not KEY=VALUE", "use VERIFY-OPTION KEY=VALUE", ll.Value)
				return
			}
			if v.Options == nil {
				v.Options = map[string]string{}
			}
			v.Options[k] = val
		})
	case "VERIFY-ON-ERROR":
		p.modifyVerify(ll, func(v *VerifyStep) { v.OnError = OnErrorPolicy(p.enum(ll, ll.Value, "fail", "continue", "warn")) })
	case "VERIFY-OUTPUT":
		p.modifyVerify(ll, func(v *VerifyStep) {
			v.OutputPolicy = OutputCapturePolicy(p.enum(ll, ll.Value, "on-error", "always", "never"))
		})
	case "VERIFY-OUTPUT-LIMIT":
		p.modifyVerify(ll, func(v *VerifyStep) { v.OutputLimit = p.positiveInt(ll) })
	case "VERIFY-COVERAGE", "VERIFY-TRACE":
		p.errorf(p.file, ll.Line, "%s is documented but not implemented", "remove this directive; it has no effect", ll.Keyword)

	case "COMPACT":
		if p.elideActive {
			p.errorf(p.file, ll.Line, "COMPACT is not permitted inside an ELIDE chain", "move COMPACT outside the elide group")
			p.elideActive = false
		}
		p.append(Step{Kind: StepCompact, Line: ll.Line, Compact: &CompactStep{}})
		p.closeElideIfAny()
	case "COMPACT-PRESERVE":
		p.modifyCompact(ll, func(c *CompactStep) { c.PreserveTags = append(c.PreserveTags, ll.Value) })
	case "COMPACT-SUMMARY-HINT":
		p.modifyCompact(ll, func(c *CompactStep) { c.SummaryHint = ll.Value })
	case "COMPACT-PROLOGUE":
		p.modifyCompact(ll, func(c *CompactStep) { c.Prologue = ll.Value })
	case "COMPACT-EPILOGUE":
		p.modifyCompact(ll, func(c *CompactStep) { c.Epilogue = ll.Value })
	case "COMPACT-RESET":
		p.modifyCompact(ll, func(c *CompactStep) { c.ForceReset = p.boolValue(ll) })

	case "CHECKPOINT":
		p.append(Step{Kind: StepCheckpoint, Line: ll.Line, Checkpoint: &CheckpointStep{}})
		p.closeElideIfAny()
	case "CHECKPOINT-NAME":
		p.modifyCheckpoint(ll, func(c *CheckpointStep) { c.Name = ll.Value })
	case "CHECKPOINT-PAUSE":
		p.modifyCheckpoint(ll, func(c *CheckpointStep) { c.Pause = p.boolValue(ll) })
	case "CHECKPOINT-AFTER-N-CYCLES":
		p.modifyCheckpoint(ll, func(c *CheckpointStep) { c.AfterNCycles = p.positiveInt(ll) })

	case "PAUSE":
		p.append(Step{Kind: StepPause, Line: ll.Line, Pause: &PauseStep{Message: ll.Value}})
		p.closeElideIfAny()
	case "CONSULT":
		p.append(Step{Kind: StepConsult, Line: ll.Line, Consult: &ConsultStep{Topic: ll.Value}})
		p.closeElideIfAny()
	case "REFCAT":
		p.addElidable(Step{Kind: StepRefcat, Line: ll.Line, Refcat: &RefcatStep{Refs: splitList(ll.Value)}})
	case "HELP":
		p.append(Step{Kind: StepHelp, Line: ll.Line, Help: &HelpStep{Topics: splitList(ll.Value)}})
		p.closeElideIfAny()
	case "ELIDE":
		p.openElide(ll)

	case "INCLUDE":
		// Already spliced by expandIncludes; a leftover INCLUDE here means
		// something went wrong in splicing, which would already have
		// errored. Nothing to do.

	default:
		p.errorf(p.file, ll.Line, "unknown directive %q", "check the directive spelling", ll.Keyword)
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ---- elide-chain bookkeeping ----

func (p *parser) openElide(ll logicalLine) {
	if p.blockKind != "" {
		p.errorf(p.file, ll.Line, "ELIDE is not permitted inside an %s block", "move ELIDE outside the branch block", p.blockKind)
		return
	}
	target := *p.currentTarget()
	if len(target) == 0 || !elidableKinds[target[len(target)-1].Kind] {
		p.errorf(p.file, ll.Line, "ELIDE must follow an elidable step (PROMPT, RUN, VERIFY, or REFCAT)", "move ELIDE after one of those steps")
		return
	}
	last := &target[len(target)-1]
	if last.ElideGroup == "" {
		p.elideCounter++
		last.ElideGroup = fmt.Sprintf("g%d", p.elideCounter)
	}
	p.elideGroup = last.ElideGroup
	p.elideActive = true
}

func (p *parser) addElidable(step Step) {
	if p.elideActive {
		step.ElideGroup = p.elideGroup
	}
	p.append(step)
}

func (p *parser) closeElideIfAny() {
	p.elideActive = false
}

// ---- RUN / VERIFY / COMPACT / CHECKPOINT modifier plumbing ----

func (p *parser) startRun(ll logicalLine) {
	step := Step{Kind: StepRun, Line: ll.Line, Run: &RunStep{
		Command:      ll.Value,
		OnError:      OnErrorStop,
		OutputPolicy: OutputOnError,
	}}
	p.addElidable(step)
}

// lastRun finds the most recently appended RUN step in the currently active
// target (top-level steps, or the open block), for trailing modifier
// directives to mutate.
func (p *parser) lastRun(ll logicalLine) *RunStep {
	target := *p.currentTarget()
	for i := len(target) - 1; i >= 0; i-- {
		if target[i].Kind == StepRun {
			return target[i].Run
		}
	}
	p.errorf(p.file, ll.Line, "%s with no preceding RUN directive", "add a RUN directive before this modifier", ll.Keyword)
	return nil
}

func (p *parser) modifyRun(ll logicalLine, f func(*RunStep)) {
	if r := p.lastRun(ll); r != nil {
		f(r)
	}
}

func (p *parser) lastVerify(ll logicalLine) *VerifyStep {
	target := *p.currentTarget()
	for i := len(target) - 1; i >= 0; i-- {
		if target[i].Kind == StepVerify {
			return target[i].Verify
		}
	}
	p.errorf(p.file, ll.Line, "%s with no preceding VERIFY/HYGIENE/TRACE directive", "add one before this modifier", ll.Keyword)
	return nil
}

func (p *parser) modifyVerify(ll logicalLine, f func(*VerifyStep)) {
	if v := p.lastVerify(ll); v != nil {
		f(v)
	}
}

func (p *parser) lastCompact(ll logicalLine) *CompactStep {
	target := *p.currentTarget()
	for i := len(target) - 1; i >= 0; i-- {
		if target[i].Kind == StepCompact {
			return target[i].Compact
		}
	}
	p.errorf(p.file, ll.Line, "%s with no preceding COMPACT directive", "add a COMPACT directive before this modifier", ll.Keyword)
	return nil
}

func (p *parser) modifyCompact(ll logicalLine, f func(*CompactStep)) {
	if c := p.lastCompact(ll); c != nil {
		f(c)
	}
}

func (p *parser) lastCheckpoint(ll logicalLine) *CheckpointStep {
	target := *p.currentTarget()
	for i := len(target) - 1; i >= 0; i-- {
		if target[i].Kind == StepCheckpoint {
			return target[i].Checkpoint
		}
	}
	p.errorf(p.file, ll.Line, "%s with no preceding CHECKPOINT directive", "add a CHECKPOINT directive before this modifier", ll.Keyword)
	return nil
}

func (p *parser) modifyCheckpoint(ll logicalLine, f func(*CheckpointStep)) {
	if c := p.lastCheckpoint(ll); c != nil {
		f(c)
	}
}

func (p *parser) startVerify(ll logicalLine, ns VerifyNamespace) {
	step := Step{Kind: StepVerify, Line: ll.Line, Verify: &VerifyStep{
		Namespace:    ns,
		Name:         ll.Value,
		OnError:      OnErrorFail,
		OutputPolicy: OutputOnError,
	}}
	p.addElidable(step)
}

// ---- branch blocks ----

func (p *parser) openBlock(ll logicalLine) {
	if p.blockKind != "" {
		p.errorf(p.file, ll.Line, "nested %s inside an open %s block is not permitted", "close the current block with END first", ll.Keyword, p.blockKind)
		return
	}
	if p.elideActive {
		p.errorf(p.file, ll.Line, "%s is not permitted inside an ELIDE chain", "move the branch outside the elide group", ll.Keyword)
		p.elideActive = false
	}
	run := p.lastRun(ll)
	if run == nil {
		return
	}
	p.blockKind = ll.Keyword
	p.blockOwner = run
	p.blockSteps = nil
}

func (p *parser) closeBlock(ll logicalLine) {
	if p.blockKind == "" {
		p.errorf(p.file, ll.Line, "END with no open ON-FAILURE/ON-SUCCESS block", "remove this END or open a block first")
		return
	}
	for _, s := range p.blockSteps {
		if s.Kind == StepRun && (len(s.Run.OnFailure) > 0 || len(s.Run.OnSuccess) > 0) {
			p.errorf(p.file, s.Line, "a RUN inside an %s block may not itself branch", "flatten the nested branch", p.blockKind)
		}
	}
	if p.blockKind == "ON-FAILURE" {
		p.blockOwner.OnFailure = p.blockSteps
	} else {
		p.blockOwner.OnSuccess = p.blockSteps
	}
	p.blockKind = ""
	p.blockOwner = nil
	p.blockSteps = nil
}

// ---- value validators ----

func (p *parser) enum(ll logicalLine, value string, allowed ...string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	p.errorf(p.file, ll.Line, "%s: invalid value %q", fmt.Sprintf("use one of: %s", strings.Join(allowed, ", ")), ll.Keyword, value)
	return v
}

func (p *parser) percent(ll logicalLine) int {
	n := p.positiveIntAllowZero(ll)
	if n < 0 || n > 100 {
		p.errorf(p.file, ll.Line, "%s: %d is not a percentage 0-100", "use a value between 0 and 100", ll.Keyword, n)
	}
	return n
}

func (p *parser) positiveInt(ll logicalLine) int {
	before := len(p.diags)
	n := p.positiveIntAllowZero(ll)
	if n <= 0 && len(p.diags) == before {
		p.errorf(p.file, ll.Line, "%s: value must be a positive integer", "use an integer greater than zero", ll.Keyword)
	}
	return n
}

func (p *parser) positiveIntAllowZero(ll logicalLine) int {
	n, err := strconv.Atoi(strings.TrimSpace(ll.Value))
	if err != nil {
		p.errorf(p.file, ll.Line, "%s: %q is not an integer", "use a plain integer value", ll.Keyword, ll.Value)
		return 0
	}
	return n
}

func (p *parser) boolValue(ll logicalLine) bool {
	v := strings.ToLower(strings.TrimSpace(ll.Value))
	switch v {
	case "", "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	default:
		p.errorf(p.file, ll.Line, "%s: %q is not a boolean", "use true/false", ll.Keyword, ll.Value)
		return false
	}
}

func (p *parser) enabled(ll logicalLine) bool {
	v := strings.ToLower(strings.TrimSpace(ll.Value))
	switch v {
	case "enabled", "true", "yes", "on":
		return true
	case "disabled", "false", "no", "off", "":
		return false
	default:
		p.errorf(p.file, ll.Line, "%s: %q is not enabled/disabled", "use enabled or disabled", ll.Keyword, ll.Value)
		return false
	}
}

func (p *parser) duration(ll logicalLine) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(ll.Value))
	if err != nil {
		p.errorf(p.file, ll.Line, "%s: %q is not a duration", `use a Go duration like "30s" or "5m"`, ll.Keyword, ll.Value)
		return 0
	}
	return d
}

// parseRetryValue splits `N "prompt text"` into its count and prompt parts.
func parseRetryValue(value string) (int, string, error) {
	value = strings.TrimSpace(value)
	sp := strings.IndexAny(value, " \t")
	if sp < 0 {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, "", fmt.Errorf("expected integer retry count, got %q", value)
		}
		return n, "", nil
	}
	n, err := strconv.Atoi(value[:sp])
	if err != nil {
		return 0, "", fmt.Errorf("expected integer retry count, got %q", value[:sp])
	}
	rest := strings.TrimSpace(value[sp+1:])
	rest = strings.Trim(rest, `"`)
	return n, rest, nil
}
