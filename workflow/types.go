// Package workflow implements the directive workflow document model: a
// line-oriented lexer/parser, a reference resolver, a template engine, and a
// renderer that materializes a parsed workflow into a per-cycle prompt
// sequence. Workflow and Step values are immutable once Parse returns.
package workflow

import "time"

// StepKind identifies the directive a Step was parsed from. Dynamic
// attribute access in the reference implementation becomes this closed enum:
// a Step's Kind selects which payload field is meaningful.
type StepKind string

const (
	StepPrompt     StepKind = "PROMPT"
	StepRun        StepKind = "RUN"
	StepVerify     StepKind = "VERIFY"
	StepCompact    StepKind = "COMPACT"
	StepCheckpoint StepKind = "CHECKPOINT"
	StepPause      StepKind = "PAUSE"
	StepConsult    StepKind = "CONSULT"
	StepRefcat     StepKind = "REFCAT"
	StepHelp       StepKind = "HELP"
	StepElide      StepKind = "ELIDE"
	StepEnd        StepKind = "END"
)

// OnErrorPolicy governs what a step does after a failing side effect.
type OnErrorPolicy string

const (
	OnErrorStop     OnErrorPolicy = "stop"
	OnErrorContinue OnErrorPolicy = "continue"
	OnErrorWarn     OnErrorPolicy = "warn"
	OnErrorFail     OnErrorPolicy = "fail" // VERIFY default
)

// OutputCapturePolicy governs when a subprocess/verifier's output is
// injected into the next turn's context.
type OutputCapturePolicy string

const (
	OutputOnError OutputCapturePolicy = "on-error"
	OutputAlways  OutputCapturePolicy = "always"
	OutputNever   OutputCapturePolicy = "never"
)

// SessionMode chooses whether the executor keeps, summarizes, or rebuilds
// the agent session between cycles.
type SessionMode string

const (
	SessionAccumulate SessionMode = "accumulate"
	SessionCompact    SessionMode = "compact"
	SessionFresh      SessionMode = "fresh"
)

// ValidationMode governs parse-error collection: strict aborts on the first
// diagnostic, lenient collects and reports all of them.
type ValidationMode string

const (
	ValidationStrict  ValidationMode = "strict"
	ValidationLenient ValidationMode = "lenient"
)

// Step is one element of the parsed step sequence. Only the field matching
// Kind is populated; this keeps the "variant" explicit instead of relying on
// duck typing.
type Step struct {
	Kind StepKind
	Line int // 1-based source line, for diagnostics and checkpoints

	ElideGroup string // non-empty if this step participates in an elide chain

	Prompt     *PromptStep
	Run        *RunStep
	Verify     *VerifyStep
	Compact    *CompactStep
	Checkpoint *CheckpointStep
	Pause      *PauseStep
	Consult    *ConsultStep
	Refcat     *RefcatStep
	Help       *HelpStep
}

// PromptStep is a PROMPT directive: free text sent as (part of) a turn.
type PromptStep struct {
	Body string
}

// RunStep is a RUN directive and its modifiers.
type RunStep struct {
	Command      string
	Env          map[string]string // additions merged over process env
	CWD          string            // empty = workspace root
	Timeout      time.Duration     // zero = no timeout
	OnError      OnErrorPolicy     // default OnErrorStop
	OutputPolicy OutputCapturePolicy
	OutputLimit  int // bytes; 0 = engine default
	Async        bool
	RetryCount   int
	RetryPrompt  string // sent to the agent before each retry, carrying stderr
	OnFailure    []Step // flat, non-branching, non-elidable block
	OnSuccess    []Step // flat, non-branching, non-elidable block
}

// VerifyNamespace selects which of the three verifier-registry namespaces a
// VERIFY-family directive binds to. [EXPANSION] HYGIENE is a sibling of
// VERIFY and TRACE, matching the plugin manifest grammar in §6.
type VerifyNamespace string

const (
	NamespaceVerify  VerifyNamespace = "VERIFY"
	NamespaceHygiene VerifyNamespace = "HYGIENE"
	NamespaceTrace   VerifyNamespace = "TRACE"
)

// VerifyStep is a VERIFY/HYGIENE/TRACE directive.
type VerifyStep struct {
	Namespace    VerifyNamespace
	Name         string
	Options      map[string]string
	OnError      OnErrorPolicy // default OnErrorFail
	OutputPolicy OutputCapturePolicy
	OutputLimit  int
}

// CompactStep is a COMPACT directive.
type CompactStep struct {
	PreserveTags []string
	SummaryHint  string
	Prologue     string
	Epilogue     string
	ForceReset   bool
}

// CheckpointStep is a CHECKPOINT directive.
type CheckpointStep struct {
	Name         string
	Pause        bool
	AfterNCycles int // 0 = every cycle this step is reached
}

// PauseStep is a PAUSE directive.
type PauseStep struct {
	Message string
}

// ConsultStep is a CONSULT directive.
type ConsultStep struct {
	Topic string
}

// RefcatStep is a REFCAT directive: one or more references to expand.
type RefcatStep struct {
	Refs []string // raw reference strings, resolved at render time
}

// HelpStep is a HELP directive: one or more topic names.
type HelpStep struct {
	Topics []string
}

// GlobalDirectives holds the side table of once-set, last-write-wins
// options that apply to the whole workflow.
type GlobalDirectives struct {
	Adapter     string
	Model       string // name or requirement expression
	SessionMode SessionMode

	MaxCycles int

	ContextLimitPercent int    // 0-100
	OnContextLimit      string // engine-defined action keyword

	CompactionMin       int // default 30
	CompactionThreshold int // default 80
	CompactionMax       int // default 95
	InfiniteSessions    bool

	SessionName string
	CWD         string

	AllowFile []string
	DenyFile  []string
	AllowDir  []string
	DenyDir   []string

	OutputFormat string
	OutputFile   string // template, substituted at render time
	OutputDir    string // template

	Header []string
	Footer []string

	ValidationMode ValidationMode

	CheckpointDir      string
	EventLogPath       string
	PluginManifestPath string // [EXPANSION] override for .sdqctl/directives.yaml
	ConfigPath         string // [EXPANSION] override for engine config

	AllowShell bool

	ConsultTimeout time.Duration

	// Prologues/epilogues applied per cycle.
	GlobalPrologues       []string
	GlobalEpilogues       []string
	CLIFirstTurnPrologues []string // injected by the CLI target layer, first turn only
	CLILastTurnEpilogues  []string // injected by the CLI target layer, last turn only
	CyclePrologues        []string // applied only on the first turn of each cycle
	CycleEpilogues        []string // applied only on the last turn of each cycle
}

// ContextRef is a CONTEXT/CONTEXT-OPTIONAL entry. These resolve at render
// time, concatenated into the cycle's context block alongside REFCAT
// expansions; Parse does not check that an alias-form reference names a
// registered alias.
type ContextRef struct {
	Ref      string
	Optional bool
}

// Workflow is the immutable, parsed document: global directives plus the
// ordered step sequence.
type Workflow struct {
	Path        string
	Global      GlobalDirectives
	ContextRefs []ContextRef
	Steps       []Step
	SourceLen   int // number of source lines, for diagnostics
}
