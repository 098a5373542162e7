package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bewest/sdqctl/agent"
	"github.com/bewest/sdqctl/checkpoint"
	"github.com/bewest/sdqctl/engineerr"
	"github.com/bewest/sdqctl/metrics"
	"github.com/bewest/sdqctl/runner"
	"github.com/bewest/sdqctl/session"
	"github.com/bewest/sdqctl/verify"
	"github.com/bewest/sdqctl/workflow"
)

// Config parameterizes one Executor.Run invocation.
type Config struct {
	Workflow      *workflow.Workflow
	WorkspaceRoot string

	Adapter       agent.Adapter
	SessionConfig agent.SessionConfig

	VerifyRegistry *verify.Registry
	Checkpoint     *checkpoint.Hooks
	Metrics        *metrics.Metrics

	Vars       workflow.TemplateVars
	RenderOpts workflow.RenderOptions

	AllowShell bool

	ResetOnCompact bool
	Summarize      session.Summarizer

	LoopDetectorConfig session.LoopDetectorConfig

	// StartCycle resumes a run at cycle N instead of 1.
	StartCycle int
	// ResumeSessionID, if set, is resumed via Adapter.ResumeSession on the
	// first session creation instead of starting a fresh one.
	ResumeSessionID string
}

// dispatchUnit is one element of a cycle's walk order: either a group of
// text/side-effect steps that chain into a single turn candidate (turn
// non-nil), or a control directive dispatched directly (control non-nil).
// groupElidable (workflow/render.go) discards control-kind steps from its
// view entirely, so the executor re-implements this same chaining locally
// instead of reusing that private grouping.
type dispatchUnit struct {
	turn    []workflow.Step
	control *workflow.Step
}

// Executor drives one workflow run: session lifecycle, per-cycle turn
// assembly and dispatch, loop/rate-limit detection, and checkpointing.
type Executor struct {
	cfg      Config
	workflow *workflow.Workflow

	units      []dispatchUnit
	totalTurns int

	stats        *session.Stats
	loopDetector *session.LoopDetector
	loopCfg      session.LoopDetectorConfig
	controller   *session.Controller

	sess    agent.Session
	retried bool

	envSeen map[string]string
	pending string // formatted RUN/VERIFY output queued for the next turn's body

	turnText      string
	turnReasoning string
	turnHadTools  bool

	pendingCompactionStart *agent.Event
}

// NewExecutor validates cfg and prepares the static step partition.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Workflow == nil {
		return nil, fmt.Errorf("executor: workflow is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("executor: adapter is required")
	}
	if cfg.VerifyRegistry == nil {
		cfg.VerifyRegistry = verify.NewRegistry()
	}

	loopCfg := cfg.LoopDetectorConfig
	if loopCfg.ResponseWindow == 0 && loopCfg.MinimalResponseBytes == 0 && loopCfg.WorkspaceRoot == "" {
		loopCfg = session.DefaultLoopDetectorConfig(cfg.WorkspaceRoot)
	}

	thresholds := session.CompactionThresholds{
		Min:       cfg.Workflow.Global.CompactionMin,
		Threshold: cfg.Workflow.Global.CompactionThreshold,
		Max:       cfg.Workflow.Global.CompactionMax,
	}
	if thresholds == (session.CompactionThresholds{}) {
		thresholds = session.DefaultCompactionThresholds()
	}

	e := &Executor{
		cfg:          cfg,
		workflow:     cfg.Workflow,
		stats:        session.NewStats(),
		loopDetector: session.NewLoopDetector(loopCfg),
		loopCfg:      loopCfg,
		controller:   session.NewController(thresholds, cfg.ResetOnCompact, cfg.Summarize),
	}
	e.units = e.partitionSteps()
	for _, u := range e.units {
		if u.turn != nil && containsPromptOrRefcat(u.turn) {
			e.totalTurns++
		}
	}
	return e, nil
}

// partitionSteps walks the workflow's flat step sequence once, chaining
// PROMPT/RUN/VERIFY/REFCAT members that share a non-empty ElideGroup into
// one turn candidate, and keeping CHECKPOINT/PAUSE/CONSULT/COMPACT as their
// own dispatch units in declared order. HELP/ELIDE/END carry no runtime
// behavior of their own: HELP's topics were already folded into the
// renderer's first-turn prologues, and ELIDE/END are parse-time markers.
func (e *Executor) partitionSteps() []dispatchUnit {
	var units []dispatchUnit
	var current []workflow.Step
	flush := func() {
		if len(current) > 0 {
			units = append(units, dispatchUnit{turn: current})
			current = nil
		}
	}
	for i := range e.workflow.Steps {
		s := e.workflow.Steps[i]
		switch s.Kind {
		case workflow.StepPrompt, workflow.StepRun, workflow.StepVerify, workflow.StepRefcat:
			if len(current) > 0 && current[len(current)-1].ElideGroup != "" && current[len(current)-1].ElideGroup == s.ElideGroup {
				current = append(current, s)
			} else {
				flush()
				current = []workflow.Step{s}
			}
		case workflow.StepHelp, workflow.StepElide, workflow.StepEnd:
			flush()
		default:
			flush()
			sc := s
			units = append(units, dispatchUnit{control: &sc})
		}
	}
	flush()
	return units
}

func containsPromptOrRefcat(group []workflow.Step) bool {
	for _, s := range group {
		if s.Kind == workflow.StepPrompt || s.Kind == workflow.StepRefcat {
			return true
		}
	}
	return false
}

// Run executes cycles until one of the five termination conditions fires:
// max_cycles reached, a PAUSE/CONSULT directive, the loop detector, a stop
// file, or a rate limit. A fatal parse/run/verify/session error also halts
// the run and is reported through the returned error.
func (e *Executor) Run(ctx context.Context) (*Outcome, error) {
	if err := e.preflight(); err != nil {
		return e.fatal("parse_error", err)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.IncActiveRuns()
		defer e.cfg.Metrics.DecActiveRuns()
	}

	total := e.workflow.Global.MaxCycles
	if total <= 0 {
		total = 1
	}
	start := e.cfg.StartCycle
	if start <= 0 {
		start = 1
	}

	sw := newStopWatcher(e.cfg.Vars.StopFile)
	defer sw.Stop()

	completed := start - 1
	for cycle := start; cycle <= total; cycle++ {
		if err := sw.check(ctx); err != nil {
			if errors.Is(err, engineerr.ErrStopFile) && e.cfg.Checkpoint != nil {
				_ = e.cfg.Checkpoint.OnAbort(cycle, 0, e.stats.Snapshot(), e.envSeen, "stop file present")
			}
			return e.fatal("stopped", err)
		}
		if err := e.prepareCycle(ctx, cycle); err != nil {
			return e.fatal("session_error", err)
		}

		outcome, err := e.executeCycle(ctx, cycle, total)
		if outcome != nil {
			return outcome, outcome.Err
		}
		if err != nil {
			return e.fatal("error", err)
		}

		if err := e.maybeCompact(ctx); err != nil {
			return e.fatal("error", err)
		}

		completed = cycle
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordCycleCompleted(string(e.workflow.Global.SessionMode))
		}
	}

	if e.cfg.Checkpoint != nil {
		_ = e.cfg.Checkpoint.OnComplete()
	}
	return &Outcome{Reason: "completed", CyclesCompleted: completed, Stats: e.stats.Snapshot()}, nil
}

func (e *Executor) fatal(reason string, err error) (*Outcome, error) {
	return &Outcome{Reason: reason, Err: err, ExitCode: engineerr.ExitCode(err), Stats: e.stats.Snapshot()}, err
}

func (e *Executor) haltOutcome(reason string, err error, cycle int) *Outcome {
	return &Outcome{Reason: reason, Err: err, ExitCode: engineerr.ExitCode(err), CyclesCompleted: cycle - 1, Stats: e.stats.Snapshot()}
}

// preflight rejects an unknown VERIFY/HYGIENE/TRACE name before any cycle
// runs, per the fatal-before-execution-starts rule; RUN/VERIFY branch
// blocks are checked too since they can also name a verifier.
func (e *Executor) preflight() error {
	check := func(s workflow.Step) error {
		if s.Kind != workflow.StepVerify {
			return nil
		}
		if !e.cfg.VerifyRegistry.Has(string(s.Verify.Namespace), s.Verify.Name) {
			return fmt.Errorf("%w: %s.%s at line %d", engineerr.ErrUnknownVerifier, s.Verify.Namespace, s.Verify.Name, s.Line)
		}
		return nil
	}
	for _, s := range e.workflow.Steps {
		if err := check(s); err != nil {
			return err
		}
		if s.Kind == workflow.StepRun {
			for _, b := range s.Run.OnFailure {
				if err := check(b); err != nil {
					return err
				}
			}
			for _, b := range s.Run.OnSuccess {
				if err := check(b); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// prepareCycle applies the session-mode policy before the cycle's first
// turn: fresh recreates, compact forces a compaction when prior state
// exists, accumulate leaves the session untouched.
func (e *Executor) prepareCycle(ctx context.Context, cycle int) error {
	hasPrior := e.sess != nil
	mode := session.Mode(e.workflow.Global.SessionMode)
	if mode == "" {
		mode = session.ModeAccumulate
	}

	switch session.PrepareAction(mode, hasPrior) {
	case session.ModeActionRecreate:
		if e.sess != nil {
			_ = e.cfg.Adapter.DestroySession(ctx, e.sess)
			e.sess = nil
		}
		return e.createSession(ctx)
	case session.ModeActionForceCompact:
		return e.forceCompact(ctx)
	default:
		if e.sess == nil {
			return e.createSession(ctx)
		}
		return nil
	}
}

func (e *Executor) createSession(ctx context.Context) error {
	var sess agent.Session
	var err error
	if e.cfg.ResumeSessionID != "" {
		sess, err = e.cfg.Adapter.ResumeSession(ctx, e.cfg.ResumeSessionID, e.cfg.SessionConfig)
		e.cfg.ResumeSessionID = ""
	} else {
		sess, err = e.cfg.Adapter.CreateSession(ctx, e.cfg.SessionConfig)
	}
	if err != nil {
		return fmt.Errorf("%w: creating session: %v", engineerr.ErrSessionError, err)
	}
	sess.On(e.handleEvent)
	e.sess = sess
	return nil
}

// forceCompact runs the configured summarizer unconditionally (bypassing
// the three-tier threshold, which governs the background/blocking paths
// only), used by SessionCompact mode's Prepare-state policy.
func (e *Executor) forceCompact(ctx context.Context) error {
	if e.cfg.Summarize == nil {
		return nil
	}
	start := time.Now()
	summary, pre, post, err := e.cfg.Summarize(ctx, e.sess)
	if err != nil {
		return fmt.Errorf("session: forced compaction failed: %w", err)
	}
	e.stats.RecordCompaction(session.CompactionEvent{PreTokens: pre, PostTokens: post, SummaryContent: summary, StartedAt: start, CompletedAt: time.Now()})
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordCompaction("session_mode_compact")
	}
	if e.cfg.ResetOnCompact {
		if e.sess != nil {
			_ = e.cfg.Adapter.DestroySession(ctx, e.sess)
			e.sess = nil
		}
		if err := e.createSession(ctx); err != nil {
			return err
		}
		e.pending = appendPending("## Prior session summary\n"+summary, e.pending)
	}
	return nil
}

// maybeCompact drives the three-tier compaction controller against the
// synced (used, max) pair, called after every turn and again at cycle end
// per the COMPACTION-MIN/THRESHOLD/MAX directives. It only applies to the
// client-side fallback: when INFINITE-SESSIONS is set, the backend owns
// compaction and handleEvent records it from the
// session.compaction_start/complete pair instead.
func (e *Executor) maybeCompact(ctx context.Context) error {
	if e.workflow.Global.InfiniteSessions || e.sess == nil {
		return nil
	}
	action, summary, err := e.controller.MaybeCompact(ctx, e.sess, e.stats)
	if err != nil {
		return err
	}
	if action == session.ActionSkip {
		return nil
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordCompaction(string(action))
	}
	if e.cfg.ResetOnCompact {
		if e.sess != nil {
			_ = e.cfg.Adapter.DestroySession(ctx, e.sess)
			e.sess = nil
		}
		if err := e.createSession(ctx); err != nil {
			return err
		}
		e.pending = appendPending("## Prior session summary\n"+summary, e.pending)
	}
	return nil
}

// executeCycle walks the cycle's dispatch units in order, sending one turn
// per turn-producing group and dispatching control directives inline.
func (e *Executor) executeCycle(ctx context.Context, cycle, total int) (*Outcome, error) {
	isFirstCycle := cycle == 1
	isLastCycle := total > 0 && cycle == total

	cr, err := workflow.RenderCycle(e.workflow, cycle, total, e.cfg.Vars, e.cfg.RenderOpts)
	if err != nil {
		return nil, err
	}
	contextBlock := formatContextFiles(cr.ContextFiles)

	turnIdx := 0
	for stepIdx, unit := range e.units {
		if unit.control != nil {
			halt, err := e.dispatchControl(ctx, *unit.control, cycle, stepIdx)
			if halt != nil {
				return halt, nil
			}
			if err != nil {
				return nil, err
			}
			continue
		}

		body, isTurn, halt, err := e.materializeGroup(ctx, unit.turn, cycle, stepIdx)
		if halt != nil {
			return halt, nil
		}
		if err != nil {
			return nil, err
		}
		if !isTurn {
			continue
		}

		if e.pending != "" {
			body = e.pending + "\n\n" + body
			e.pending = ""
		}
		if turnIdx == 0 && contextBlock != "" {
			body = contextBlock + "\n\n" + body
		}

		pre, post := e.workflow.TurnAffixes(turnIdx, e.totalTurns, isFirstCycle, isLastCycle)
		resolved := workflow.AssembleTurn(pre, body, post, e.cfg.Vars)

		halt, err = e.send(ctx, resolved, cycle, stepIdx)
		if halt != nil {
			return halt, nil
		}
		if err != nil {
			return nil, err
		}

		turnIdx++
	}
	return nil, nil
}

func formatContextFiles(files []workflow.ContextFile) string {
	if len(files) == 0 {
		return ""
	}
	parts := make([]string, 0, len(files))
	for _, f := range files {
		parts = append(parts, f.Content)
	}
	return strings.Join(parts, "\n\n")
}

// materializeGroup executes a dispatch group's RUN/VERIFY side effects and
// assembles its PROMPT/REFCAT text, in declared order. A group containing
// no PROMPT/REFCAT member produces no turn of its own: its RUN/VERIFY
// output is queued into e.pending per OutputPolicy instead of returned as
// body text. A group that does contain a PROMPT/REFCAT member concatenates
// every RUN/VERIFY member's formatted output unconditionally, since
// authoring them into the same ElideGroup is the explicit request to merge.
func (e *Executor) materializeGroup(ctx context.Context, group []workflow.Step, cycle, stepIdx int) (body string, isTurn bool, halt *Outcome, err error) {
	isTurn = containsPromptOrRefcat(group)
	var parts []string
	for _, s := range group {
		switch s.Kind {
		case workflow.StepPrompt:
			parts = append(parts, s.Prompt.Body)
		case workflow.StepRefcat:
			for _, raw := range s.Refcat.Refs {
				excerpt, rerr := workflow.RenderRef(raw, e.cfg.RenderOpts)
				if rerr != nil {
					return "", isTurn, nil, fmt.Errorf("%w: %v", engineerr.ErrMissingContextFiles, rerr)
				}
				parts = append(parts, excerpt)
			}
		case workflow.StepRun:
			h, text, rerr := e.dispatchRun(ctx, s.Run, isTurn, cycle, stepIdx)
			if h != nil {
				return "", isTurn, h, nil
			}
			if rerr != nil {
				return "", isTurn, nil, rerr
			}
			if text != "" {
				if isTurn {
					parts = append(parts, text)
				} else {
					e.pending = appendPending(e.pending, text)
				}
			}
		case workflow.StepVerify:
			h, text, rerr := e.dispatchVerify(ctx, s.Verify, isTurn, cycle, stepIdx)
			if h != nil {
				return "", isTurn, h, nil
			}
			if rerr != nil {
				return "", isTurn, nil, rerr
			}
			if text != "" {
				if isTurn {
					parts = append(parts, text)
				} else {
					e.pending = appendPending(e.pending, text)
				}
			}
		}
	}
	return strings.Join(parts, "\n"), isTurn, nil, nil
}

func appendPending(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "\n\n" + add
}

// dispatchRun runs a RUN step's command with its retry loop, selects a
// branch on exit code, and reports whether the command's output should be
// folded into the caller's turn (always, when inElideGroup) or queued via
// OutputPolicy (standalone).
func (e *Executor) dispatchRun(ctx context.Context, run *workflow.RunStep, inElideGroup bool, cycle, stepIdx int) (*Outcome, string, error) {
	if len(run.Env) > 0 {
		if e.envSeen == nil {
			e.envSeen = map[string]string{}
		}
		for k, v := range run.Env {
			e.envSeen[k] = v
		}
	}
	onError := run.OnError
	if onError == "" {
		onError = workflow.OnErrorStop
	}

	var res runner.Result
	attempts := 0
	maxAttempts := run.RetryCount + 1
	for {
		r, rerr := runner.Run(ctx, runner.Options{
			Command:       run.Command,
			EnvAdditions:  run.Env,
			CWD:           run.CWD,
			WorkspaceRoot: e.cfg.WorkspaceRoot,
			Timeout:       run.Timeout,
			OutputLimit:   run.OutputLimit,
			AllowShell:    e.cfg.AllowShell,
		})
		attempts++
		if rerr != nil {
			return nil, "", fmt.Errorf("%w: %v", engineerr.ErrRunCommandFailed, rerr)
		}
		res = r
		if res.ExitCode == 0 || attempts >= maxAttempts {
			break
		}
		retryText := run.RetryPrompt
		if retryText == "" {
			retryText = "The previous command failed. Retrying."
		}
		retryText += "\n\nstderr:\n" + res.Stderr
		halt, err := e.sendBare(ctx, retryText, cycle, stepIdx)
		if halt != nil {
			return halt, "", nil
		}
		if err != nil {
			return nil, "", err
		}
	}

	formatted := workflow.FormatRunOutput(run.Command, res.ExitCode, res.Stdout, res.Stderr)

	if res.ExitCode != 0 {
		switch {
		case len(run.OnFailure) > 0:
			halt, err := e.runBranch(ctx, run.OnFailure, cycle, stepIdx)
			if halt != nil {
				return halt, "", nil
			}
			if err != nil {
				return nil, "", err
			}
		case onError == workflow.OnErrorStop:
			if e.cfg.Checkpoint != nil {
				_ = e.cfg.Checkpoint.OnAbort(cycle, stepIdx, e.stats.Snapshot(), e.envSeen, "RUN failed: "+run.Command)
			}
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordLoopAbort("run_failed")
			}
			return e.haltOutcome("run_failed", fmt.Errorf("%w: %s (exit %d)", engineerr.ErrRunCommandFailed, run.Command, res.ExitCode), cycle), "", nil
		}
	} else if len(run.OnSuccess) > 0 {
		halt, err := e.runBranch(ctx, run.OnSuccess, cycle, stepIdx)
		if halt != nil {
			return halt, "", nil
		}
		if err != nil {
			return nil, "", err
		}
	}

	if inElideGroup {
		return nil, formatted, nil
	}
	inject := res.ExitCode != 0
	switch run.OutputPolicy {
	case workflow.OutputAlways:
		inject = true
	case workflow.OutputNever:
		inject = false
	}
	if inject {
		return nil, formatted, nil
	}
	return nil, "", nil
}

// dispatchVerify runs a VERIFY/HYGIENE/TRACE check and applies its
// OnError/OutputPolicy the same way dispatchRun does for RUN.
func (e *Executor) dispatchVerify(ctx context.Context, v *workflow.VerifyStep, inElideGroup bool, cycle, stepIdx int) (*Outcome, string, error) {
	opts := verify.Options{Root: e.cfg.WorkspaceRoot, Workspace: e.cfg.WorkspaceRoot, Value: firstOptionValue(v.Options), Directive: string(v.Namespace)}
	res, err := e.cfg.VerifyRegistry.Verify(ctx, string(v.Namespace), v.Name, opts)
	if err != nil {
		return nil, "", err
	}

	onError := v.OnError
	if onError == "" {
		onError = workflow.OnErrorFail
	}

	var errLines []string
	for _, f := range res.Errors {
		errLines = append(errLines, f.Message)
	}
	formatted := workflow.FormatVerifyResult(v.Name, res.Passed, res.Summary, errLines)

	if !res.Passed {
		switch onError {
		case workflow.OnErrorFail:
			if e.cfg.Checkpoint != nil {
				_ = e.cfg.Checkpoint.OnAbort(cycle, stepIdx, e.stats.Snapshot(), e.envSeen, "VERIFY failed: "+v.Name)
			}
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordLoopAbort("verify_failed")
			}
			return e.haltOutcome("verify_failed", fmt.Errorf("%w: %s", engineerr.ErrVerifyFailed, v.Name), cycle), "", nil
		case workflow.OnErrorWarn:
			slog.Warn("verify failed, continuing", "name", v.Name, "summary", res.Summary)
		}
	}

	if inElideGroup {
		return nil, formatted, nil
	}
	inject := !res.Passed
	switch v.OutputPolicy {
	case workflow.OutputAlways:
		inject = true
	case workflow.OutputNever:
		inject = false
	}
	if inject {
		return nil, formatted, nil
	}
	return nil, "", nil
}

func firstOptionValue(opts map[string]string) string {
	if len(opts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return opts[keys[0]]
}

// runBranch plays a RUN step's ON-FAILURE/ON-SUCCESS block: each member is
// dispatched in order, with PROMPT/REFCAT members sent as their own bare
// turn (no cycle prologue/epilogue — those wrap the cycle's primary turn
// sequence, not an incidental branch interjection) and RUN/VERIFY members
// queuing their output for the next primary turn.
func (e *Executor) runBranch(ctx context.Context, steps []workflow.Step, cycle, stepIdx int) (*Outcome, error) {
	for _, s := range steps {
		switch s.Kind {
		case workflow.StepPrompt:
			halt, err := e.sendBare(ctx, s.Prompt.Body, cycle, stepIdx)
			if halt != nil {
				return halt, nil
			}
			if err != nil {
				return nil, err
			}
		case workflow.StepRefcat:
			for _, raw := range s.Refcat.Refs {
				excerpt, err := workflow.RenderRef(raw, e.cfg.RenderOpts)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", engineerr.ErrMissingContextFiles, err)
				}
				halt, serr := e.sendBare(ctx, excerpt, cycle, stepIdx)
				if halt != nil {
					return halt, nil
				}
				if serr != nil {
					return nil, serr
				}
			}
		case workflow.StepRun:
			halt, text, err := e.dispatchRun(ctx, s.Run, false, cycle, stepIdx)
			if halt != nil {
				return halt, nil
			}
			if err != nil {
				return nil, err
			}
			if text != "" {
				e.pending = appendPending(e.pending, text)
			}
		case workflow.StepVerify:
			halt, text, err := e.dispatchVerify(ctx, s.Verify, false, cycle, stepIdx)
			if halt != nil {
				return halt, nil
			}
			if err != nil {
				return nil, err
			}
			if text != "" {
				e.pending = appendPending(e.pending, text)
			}
		}
	}
	return nil, nil
}

// dispatchControl runs one CHECKPOINT/PAUSE/CONSULT/COMPACT directive.
func (e *Executor) dispatchControl(ctx context.Context, s workflow.Step, cycle, stepIdx int) (*Outcome, error) {
	switch s.Kind {
	case workflow.StepCheckpoint:
		return e.dispatchCheckpoint(s.Checkpoint, cycle, stepIdx)
	case workflow.StepPause:
		return e.dispatchPause(s.Pause, cycle, stepIdx)
	case workflow.StepConsult:
		return e.dispatchConsult(s.Consult, cycle, stepIdx)
	case workflow.StepCompact:
		return e.dispatchCompact(ctx, s.Compact, cycle, stepIdx)
	default:
		return nil, nil
	}
}

func (e *Executor) dispatchCheckpoint(c *workflow.CheckpointStep, cycle, stepIdx int) (*Outcome, error) {
	if c.AfterNCycles > 0 && cycle%c.AfterNCycles != 0 {
		return nil, nil
	}
	if e.cfg.Checkpoint == nil {
		if c.Pause {
			return e.haltOutcome("paused", fmt.Errorf("%w: checkpoint %s", engineerr.ErrPauseRequested, c.Name), cycle), nil
		}
		return nil, nil
	}
	pause, err := e.cfg.Checkpoint.OnCheckpointDirective(cycle, stepIdx, e.stats.Snapshot(), e.envSeen, c.Pause)
	if err != nil {
		return nil, err
	}
	if pause {
		return e.haltOutcome("paused", fmt.Errorf("%w: checkpoint %s", engineerr.ErrPauseRequested, c.Name), cycle), nil
	}
	return nil, nil
}

func (e *Executor) dispatchPause(p *workflow.PauseStep, cycle, stepIdx int) (*Outcome, error) {
	if e.cfg.Checkpoint != nil {
		if err := e.cfg.Checkpoint.OnPause(cycle, stepIdx, e.stats.Snapshot(), e.envSeen, p.Message); err != nil {
			return nil, err
		}
	}
	return e.haltOutcome("paused", fmt.Errorf("%w: %s", engineerr.ErrPauseRequested, p.Message), cycle), nil
}

func (e *Executor) dispatchConsult(c *workflow.ConsultStep, cycle, stepIdx int) (*Outcome, error) {
	if e.cfg.Checkpoint != nil {
		if err := e.cfg.Checkpoint.OnConsult(cycle, stepIdx, e.stats.Snapshot(), e.envSeen, c.Topic); err != nil {
			return nil, err
		}
	}
	return e.haltOutcome("consult", fmt.Errorf("%w: consult %s", engineerr.ErrPauseRequested, c.Topic), cycle), nil
}

// dispatchCompact handles an explicit COMPACT directive: when the backend
// owns compaction (INFINITE-SESSIONS), it only nudges the backend with a
// turn and lets the session.compaction_start/complete event pair (observed
// in handleEvent) record the effect; otherwise it runs the client-side
// fallback immediately, optionally resetting the session.
func (e *Executor) dispatchCompact(ctx context.Context, c *workflow.CompactStep, cycle, stepIdx int) (*Outcome, error) {
	if e.workflow.Global.InfiniteSessions {
		text := c.Prologue
		if text == "" {
			text = "/compact"
		}
		if c.SummaryHint != "" {
			text += "\n\n" + c.SummaryHint
		}
		halt, err := e.sendBare(ctx, text, cycle, stepIdx)
		if halt != nil {
			return halt, nil
		}
		return nil, err
	}

	if e.cfg.Summarize == nil {
		return nil, nil
	}
	if action := e.controller.Thresholds.Decide(e.stats.UsedPercent()); action == session.ActionSkip {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordCompaction("skipped")
		}
		return nil, nil
	}
	start := time.Now()
	summary, pre, post, err := e.cfg.Summarize(ctx, e.sess)
	if err != nil {
		return nil, fmt.Errorf("session: compaction failed: %w", err)
	}
	e.stats.RecordCompaction(session.CompactionEvent{PreTokens: pre, PostTokens: post, SummaryContent: summary, StartedAt: start, CompletedAt: time.Now()})
	e.stats.SyncUsage(agent.UsageSync{UsedTokens: post, MaxTokens: e.stats.Snapshot().MaxTokens})
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordCompaction("directive")
	}

	if c.ForceReset || e.cfg.ResetOnCompact {
		if e.sess != nil {
			_ = e.cfg.Adapter.DestroySession(ctx, e.sess)
			e.sess = nil
		}
		if err := e.createSession(ctx); err != nil {
			return nil, err
		}
		header := "## Prior session summary\n" + summary
		if c.Epilogue != "" {
			header += "\n\n" + c.Epilogue
		}
		e.pending = appendPending(header, e.pending)
	}
	return nil, nil
}

// sendBare substitutes template variables into text and sends it as its own
// turn, without the cycle's prologue/epilogue attachment (used for RUN
// retry prompts and branch-block turns, both mid-sequence interjections
// rather than part of the cycle's numbered turn sequence).
func (e *Executor) sendBare(ctx context.Context, text string, cycle, stepIdx int) (*Outcome, error) {
	resolved := workflow.SubstitutePrompt(text, e.cfg.Vars)
	return e.send(ctx, resolved, cycle, stepIdx)
}

// send dispatches one already-resolved turn, updates stats from the event
// stream, retries once on a transient transport error, and runs the loop
// detector and rate-limit check after the turn completes.
func (e *Executor) send(ctx context.Context, resolved string, cycle, stepIdx int) (*Outcome, error) {
	e.turnText, e.turnReasoning, e.turnHadTools = "", "", false

	resp, err := e.sess.Send(ctx, resolved)
	if err != nil {
		snap := e.stats.Snapshot()
		if snap.RateLimited {
			e.retried = false
			if e.cfg.Checkpoint != nil {
				_ = e.cfg.Checkpoint.OnAbort(cycle, stepIdx, snap, e.envSeen, "rate limited: "+snap.RateLimitedMessage)
			}
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordLoopAbort("rate_limited")
			}
			return e.haltOutcome("rate_limited", fmt.Errorf("%w: %s", engineerr.ErrRateLimited, snap.RateLimitedMessage), cycle), nil
		}
		if errors.Is(err, agent.ErrSessionTransport) && !e.retried {
			e.retried = true
			return e.send(ctx, resolved, cycle, stepIdx)
		}
		e.retried = false
		return nil, fmt.Errorf("%w: %v", engineerr.ErrSessionError, err)
	}
	e.retried = false

	e.stats.SyncUsage(resp.Usage)
	e.stats.RecordTurn()
	e.stats.RecordResponse(e.turnText, e.loopCfg.ResponseWindow)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordTurnSent(e.workflow.Global.Adapter)
	}

	if detected := e.loopDetector.CheckTurn(e.stats, e.turnReasoning, e.turnText, e.turnHadTools, cycle, stepIdx); detected != nil {
		if e.cfg.Checkpoint != nil {
			_ = e.cfg.Checkpoint.OnAbort(cycle, stepIdx, e.stats.Snapshot(), e.envSeen, detected.Error())
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordLoopAbort(string(detected.Reason))
		}
		return e.haltOutcome("loop_detected", fmt.Errorf("%w: %s", engineerr.ErrLoopDetected, detected.Reason), cycle), nil
	}

	if err := e.maybeCompact(ctx); err != nil {
		return nil, err
	}

	return nil, nil
}

// handleEvent is the agent.EventHandler registered once per session. It
// must stay side-effect-only: mutate stats/turn buffers, never call back
// into Send.
func (e *Executor) handleEvent(ev agent.Event) {
	switch ev.Kind {
	case agent.EventMessage, agent.EventMessageDelta:
		e.turnText += ev.Text
	case agent.EventReasoning:
		e.turnReasoning += ev.Text
	case agent.EventToolStart:
		e.turnHadTools = true
	case agent.EventToolComplete:
		e.turnHadTools = true
		e.stats.RecordToolCall(ev.ToolName, 0)
	case agent.EventUsage:
		if ev.Usage != nil {
			e.stats.SyncUsage(*ev.Usage)
		}
	case agent.EventSessionError:
		if ev.IsRateLimit() {
			e.stats.SetRateLimited(ev.ErrorMessage)
		}
	case agent.EventCompactionStart:
		start := ev
		e.pendingCompactionStart = &start
	case agent.EventCompactionComplete:
		if e.pendingCompactionStart != nil {
			session.RecordBackendCompaction(e.stats, *e.pendingCompactionStart, ev)
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RecordCompaction("backend")
			}
			e.pendingCompactionStart = nil
		}
	}
	if ev.Quota != nil {
		e.stats.SetQuota(*ev.Quota)
	}
}
