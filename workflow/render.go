package workflow

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bewest/sdqctl/engineerr"
	"github.com/bewest/sdqctl/utils"
)

// AliasResolution bundles the three alias tables RefSpec.Resolve consults,
// in lookup order.
type AliasResolution struct {
	Explicit      AliasTable
	WorkspaceLock AliasTable
	UserGlobal    AliasTable
}

// RenderOptions configures a single cycle's render.
type RenderOptions struct {
	WorkspaceRoot string
	Aliases       AliasResolution
	LineNumbers   bool              // prefix excerpts with 1-based line numbers
	HelpTopics    map[string]string // topic name -> prologue text
	Lenient       bool              // CONTEXT-OPTIONAL / VALIDATION-MODE lenient relaxes missing-file errors
	Model         string            // adapter model name; selects the tiktoken encoding for tokens_estimate
}

// ContextFile is one resolved CONTEXT/REFCAT excerpt.
type ContextFile struct {
	Path           string `json:"path"`
	Content        string `json:"content"`
	TokensEstimate int    `json:"tokens_estimate"`
}

// ResolvedPrompt is one turn's fully materialized text, alongside the raw
// body and the prologue/epilogue lists that contributed to it.
type ResolvedPrompt struct {
	Index     int      `json:"index"`
	Raw       string   `json:"raw"`
	Prologues []string `json:"prologues"`
	Epilogues []string `json:"epilogues"`
	Resolved  string   `json:"resolved"`
}

// CycleRender is one cycle's complete materialized output.
type CycleRender struct {
	Number       int               `json:"number"`
	Variables    map[string]string `json:"variables"`
	ContextFiles []ContextFile     `json:"context_files"`
	Prompts      []ResolvedPrompt  `json:"prompts"`
}

// RenderCycle is pure: identical (Workflow, cycleNum, vars, opts, and
// referenced file contents) produce a byte-identical CycleRender. It does
// not execute RUN/VERIFY steps; those are materialized by the executor at
// turn time and, when part of an elide group, concatenated using
// FormatRunOutput/FormatVerifyResult below.
func RenderCycle(w *Workflow, cycleNum, totalCycles int, vars TemplateVars, opts RenderOptions) (*CycleRender, error) {
	vars.CycleNumber = cycleNum
	if totalCycles > 0 {
		vars.IterationIndex = cycleNum
		vars.IterationTotal = totalCycles
	}
	if opts.Model == "" {
		opts.Model = w.Global.Model
	}

	contextFiles, err := renderContextBlock(w, opts, vars)
	if err != nil {
		return nil, err
	}

	isFirstCycle := cycleNum == 1
	isLastCycle := totalCycles > 0 && cycleNum == totalCycles

	groups := groupElidable(w.Steps)

	var prompts []ResolvedPrompt
	idx := 0
	for _, group := range groups {
		body, ok := renderStaticGroup(group, opts)
		if !ok {
			continue // group contains a step whose materialization is deferred to execution
		}
		var pre, post []string
		if idx == 0 {
			pre = append(pre, w.Global.CLIFirstTurnPrologues...)
			pre = append(pre, w.Global.GlobalPrologues...)
			if isFirstCycle {
				pre = append(pre, w.Global.CyclePrologues...)
			}
			for _, topic := range helpTopicsFor(w.Steps) {
				if text, ok := opts.HelpTopics[topic]; ok {
					pre = append(pre, text)
				}
			}
		}
		if idx == len(groups)-1 {
			if isLastCycle {
				post = append(post, w.Global.CycleEpilogues...)
			}
			post = append(post, w.Global.GlobalEpilogues...)
			post = append(post, w.Global.CLILastTurnEpilogues...)
		}

		resolved := assembleTurn(pre, body, post, vars)
		prompts = append(prompts, ResolvedPrompt{
			Index:     idx,
			Raw:       body,
			Prologues: pre,
			Epilogues: post,
			Resolved:  resolved,
		})
		idx++
	}

	return &CycleRender{
		Number:       cycleNum,
		Variables:    vars.asMap(true),
		ContextFiles: contextFiles,
		Prompts:      prompts,
	}, nil
}

func assembleTurn(pre []string, body string, post []string, vars TemplateVars) string {
	var parts []string
	for _, p := range pre {
		parts = append(parts, SubstitutePrompt(p, vars))
	}
	parts = append(parts, SubstitutePrompt(body, vars))
	for _, p := range post {
		parts = append(parts, SubstitutePrompt(p, vars))
	}
	return strings.Join(parts, "\n\n")
}

// helpTopicsFor collects topic names from every HELP step (injected as
// first-turn-only prologues regardless of where the HELP directive sits).
func helpTopicsFor(steps []Step) []string {
	var topics []string
	for _, s := range steps {
		if s.Kind == StepHelp {
			topics = append(topics, s.Help.Topics...)
		}
	}
	return topics
}

// groupElidable partitions the top-level step sequence into render units:
// runs of steps sharing a non-empty ElideGroup are kept together, and HELP/
// ELIDE/CHECKPOINT/PAUSE/CONSULT/COMPACT steps (which have no turn body of
// their own from the renderer's perspective) are dropped from this view —
// the executor dispatches them directly.
func groupElidable(steps []Step) [][]Step {
	var groups [][]Step
	var current []Step
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
	}
	for _, s := range steps {
		switch s.Kind {
		case StepPrompt, StepRun, StepVerify, StepRefcat:
			if len(current) > 0 && current[len(current)-1].ElideGroup != "" && current[len(current)-1].ElideGroup == s.ElideGroup {
				current = append(current, s)
			} else {
				flush()
				current = []Step{s}
			}
		default:
			flush()
		}
	}
	flush()
	return groups
}

// renderStaticGroup materializes a group of steps into one turn body when
// every member is statically renderable (PROMPT/REFCAT). A group containing
// a RUN or VERIFY step returns ok=false: its body depends on execution and
// is assembled by the executor via FormatRunOutput/FormatVerifyResult,
// concatenated with its PROMPT/REFCAT siblings in declared order.
func renderStaticGroup(group []Step, opts RenderOptions) (string, bool) {
	var parts []string
	for _, s := range group {
		switch s.Kind {
		case StepPrompt:
			parts = append(parts, s.Prompt.Body)
		case StepRefcat:
			for _, raw := range s.Refcat.Refs {
				excerpt, err := renderReference(raw, opts)
				if err != nil {
					return "", false
				}
				parts = append(parts, excerpt)
			}
		default:
			return "", false
		}
	}
	return strings.Join(parts, "\n"), true
}

// FormatRunOutput renders a RUN step's captured output the way it would
// appear inside an elide-group turn or an injected context section.
func FormatRunOutput(command string, exitCode int, stdout, stderr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Ran: %s (exit %d)\n", command, exitCode)
	if stdout != "" {
		fmt.Fprintf(&b, "```\n%s\n```\n", strings.TrimRight(stdout, "\n"))
	}
	if stderr != "" {
		fmt.Fprintf(&b, "stderr:\n```\n%s\n```\n", strings.TrimRight(stderr, "\n"))
	}
	return b.String()
}

// FormatVerifyResult renders a verifier result as the markdown section
// injected into the next turn's context.
func FormatVerifyResult(name string, passed bool, summary string, errorLines []string) string {
	var b strings.Builder
	status := "PASSED"
	if !passed {
		status = "FAILED"
	}
	fmt.Fprintf(&b, "## Verify: %s [%s]\n%s\n", name, status, summary)
	for _, e := range errorLines {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	return b.String()
}

func renderContextBlock(w *Workflow, opts RenderOptions, vars TemplateVars) ([]ContextFile, error) {
	var files []ContextFile
	for _, ref := range w.ContextRefs {
		excerpt, path, err := readReference(ref.Ref, opts)
		if err != nil {
			if ref.Optional || opts.Lenient {
				continue
			}
			return nil, fmt.Errorf("%w: %s: %v", engineerr.ErrMissingContextFiles, ref.Ref, err)
		}
		files = append(files, ContextFile{
			Path:           path,
			Content:        excerpt,
			TokensEstimate: estimateTokens(excerpt, opts.Model),
		})
	}
	for _, s := range w.Steps {
		if s.Kind != StepRefcat {
			continue
		}
		for _, raw := range s.Refcat.Refs {
			excerpt, path, err := readReference(raw, opts)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", engineerr.ErrMissingContextFiles, raw, err)
			}
			files = append(files, ContextFile{Path: path, Content: excerpt, TokensEstimate: estimateTokens(excerpt, opts.Model)})
		}
	}
	return files, nil
}

func renderReference(raw string, opts RenderOptions) (string, error) {
	excerpt, _, err := readReference(raw, opts)
	return excerpt, err
}

// readReference resolves a reference string to a file, reads the requested
// line range (or whole file), and formats it with the attribution header
// `## From: path:L_start-L_end (relative to CWD)` followed by a fenced
// block, optionally with 1-based line-number prefixes.
func readReference(raw string, opts RenderOptions) (excerpt string, relPath string, err error) {
	if IsExcluded(raw) {
		return "", "", fmt.Errorf("%q is excluded from reference resolution", raw)
	}
	spec, err := ParseRefSpec(raw)
	if err != nil {
		return "", "", err
	}
	resolved, err := spec.Resolve(opts.Aliases.Explicit, opts.Aliases.WorkspaceLock, opts.Aliases.UserGlobal)
	if err != nil {
		return "", "", err
	}
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(opts.WorkspaceRoot, resolved)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", "", err
	}
	rel, err := filepath.Rel(opts.WorkspaceRoot, resolved)
	if err != nil {
		rel = resolved
	}

	lines := splitLines(string(data))
	start, end := spec.LineStart, spec.LineEnd
	if start == 0 {
		start, end = 1, len(lines)
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start < 1 {
		start = 1
	}

	var body strings.Builder
	for i := start; i <= end && i <= len(lines); i++ {
		if opts.LineNumbers {
			fmt.Fprintf(&body, "%d: %s\n", i, lines[i-1])
		} else {
			body.WriteString(lines[i-1])
			body.WriteString("\n")
		}
	}

	header := fmt.Sprintf("## From: %s:L%d-L%d (relative to CWD)", rel, start, end)
	return fmt.Sprintf("%s\n```\n%s```", header, body.String()), rel, nil
}

func splitLines(s string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

// EstimateTokens is the coarse fallback estimate (roughly 4 bytes/token)
// used when no model is known. It is explicitly an estimate, not a
// substitute for the backend's own accounting (see session.Stats, which is
// only ever updated from SyncUsage, never from text).
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	n := len(s) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// estimateTokens prefers an accurate tiktoken encoding for the adapter's
// model when one is known, and falls back to EstimateTokens otherwise —
// render output must stay byte-identical for identical inputs, so any
// tiktoken failure (unknown model, bad encoding table) falls back silently
// rather than erroring the whole render.
func estimateTokens(s string, model string) int {
	if model == "" {
		return EstimateTokens(s)
	}
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		return EstimateTokens(s)
	}
	return counter.Count(s)
}

// RenderRef resolves and formats a single reference the way a REFCAT/CONTEXT
// excerpt is formatted, for callers (the executor) that must materialize a
// dynamic elide group — one mixing RUN/VERIFY members with REFCAT/PROMPT —
// at execution time rather than render time.
func RenderRef(raw string, opts RenderOptions) (string, error) {
	return renderReference(raw, opts)
}

// AssembleTurn joins a turn's prologues, body, and epilogues the same way
// RenderCycle does for a statically-renderable group, substituting template
// variables into every piece. Exported for the executor's dynamic turns.
func AssembleTurn(pre []string, body string, post []string, vars TemplateVars) string {
	return assembleTurn(pre, body, post, vars)
}

// HelpTopicsFor returns the HELP topic names declared anywhere in steps,
// regardless of position — HELP directives are injected as first-turn-only
// prologues independent of where they appear in the step sequence.
func HelpTopicsFor(steps []Step) []string {
	return helpTopicsFor(steps)
}

// TurnAffixes returns the prologue and epilogue lists a turn at position idx
// of total turn-producing groups receives, matching RenderCycle's attachment
// rule: CLI/global/cycle prologues land on the first turn of a run; cycle/
// global/CLI epilogues land on the last turn of the last cycle.
func (w *Workflow) TurnAffixes(idx, total int, isFirstCycle, isLastCycle bool) (pre, post []string) {
	if idx == 0 {
		pre = append(pre, w.Global.CLIFirstTurnPrologues...)
		pre = append(pre, w.Global.GlobalPrologues...)
		if isFirstCycle {
			pre = append(pre, w.Global.CyclePrologues...)
		}
	}
	if idx == total-1 {
		if isLastCycle {
			post = append(post, w.Global.CycleEpilogues...)
		}
		post = append(post, w.Global.GlobalEpilogues...)
		post = append(post, w.Global.CLILastTurnEpilogues...)
	}
	return pre, post
}

// SchemaVersion is the rendered envelope's schema_version. Only major
// changes may break consumers; cycles[].prompts[].resolved, .raw,
// context_files[].{path,content}, adapter, model, max_cycles, and
// template_variables are the stable contract.
const SchemaVersion = "1.0"

// Envelope is the versioned JSON envelope emitted by the renderer.
type Envelope struct {
	SchemaVersion     string            `json:"schema_version"`
	Workflow          string            `json:"workflow"`
	WorkflowName      string            `json:"workflow_name"`
	Mode              string            `json:"mode"`
	SessionMode       string            `json:"session_mode"`
	Adapter           string            `json:"adapter"`
	Model             string            `json:"model"`
	MaxCycles         int               `json:"max_cycles"`
	TemplateVariables map[string]string `json:"template_variables"`
	Cycles            []CycleRender     `json:"cycles"`
}

// RenderEnvelope renders every cycle of w (1..max(1, MaxCycles)) into the
// stable JSON envelope.
func RenderEnvelope(w *Workflow, mode string, vars TemplateVars, opts RenderOptions) (*Envelope, error) {
	total := w.Global.MaxCycles
	if total <= 0 {
		total = 1
	}
	env := &Envelope{
		SchemaVersion:     SchemaVersion,
		Workflow:          w.Path,
		WorkflowName:      vars.WorkflowName,
		Mode:              mode,
		SessionMode:       string(w.Global.SessionMode),
		Adapter:           w.Global.Adapter,
		Model:             w.Global.Model,
		MaxCycles:         total,
		TemplateVariables: vars.asMap(true),
	}
	for c := 1; c <= total; c++ {
		cr, err := RenderCycle(w, c, total, vars, opts)
		if err != nil {
			return nil, err
		}
		env.Cycles = append(env.Cycles, *cr)
	}
	return env, nil
}
