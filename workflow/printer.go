package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Serialize renders a Workflow back to its canonical directive-text form.
// Parse(Serialize(w)) reproduces w field-for-field, except Step.Line source
// positions (Serialize writes every global directive, defaults included,
// so steps may land on other lines): this is the round-trip law exercised
// in the package tests. Serialize never fails: a Workflow
// produced by Parse is always well-formed by construction.
func Serialize(w *Workflow) string {
	var b strings.Builder
	g := w.Global

	writeStr := func(kw, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s %s\n", kw, v)
		}
	}
	writeList := func(kw string, vs []string) {
		for _, v := range vs {
			fmt.Fprintf(&b, "%s %s\n", kw, v)
		}
	}

	writeStr("ADAPTER", g.Adapter)
	writeStr("MODEL", g.Model)
	if g.SessionMode != "" {
		writeStr("SESSION-MODE", string(g.SessionMode))
	}
	if g.MaxCycles > 0 {
		writeStr("MAX-CYCLES", strconv.Itoa(g.MaxCycles))
	}
	if g.ContextLimitPercent > 0 {
		writeStr("CONTEXT-LIMIT-PERCENT", strconv.Itoa(g.ContextLimitPercent))
	}
	writeStr("ON-CONTEXT-LIMIT", g.OnContextLimit)
	writeStr("COMPACTION-MIN", strconv.Itoa(g.CompactionMin))
	writeStr("COMPACTION-THRESHOLD", strconv.Itoa(g.CompactionThreshold))
	writeStr("COMPACTION-MAX", strconv.Itoa(g.CompactionMax))
	if g.InfiniteSessions {
		writeStr("INFINITE-SESSIONS", "enabled")
	}
	writeStr("SESSION-NAME", g.SessionName)
	writeStr("CWD", g.CWD)
	writeList("ALLOW-FILE", g.AllowFile)
	writeList("DENY-FILE", g.DenyFile)
	writeList("ALLOW-DIR", g.AllowDir)
	writeList("DENY-DIR", g.DenyDir)
	writeStr("OUTPUT-FORMAT", g.OutputFormat)
	writeStr("OUTPUT-FILE", g.OutputFile)
	writeStr("OUTPUT-DIR", g.OutputDir)
	writeList("HEADER", g.Header)
	writeList("FOOTER", g.Footer)
	if g.ValidationMode != "" {
		writeStr("VALIDATION-MODE", string(g.ValidationMode))
	}
	writeStr("CHECKPOINT-DIR", g.CheckpointDir)
	writeStr("EVENT-LOG", g.EventLogPath)
	writeStr("PLUGIN-MANIFEST", g.PluginManifestPath)
	writeStr("CONFIG", g.ConfigPath)
	if g.AllowShell {
		writeStr("ALLOW-SHELL", "true")
	}
	if g.ConsultTimeout > 0 {
		writeStr("CONSULT-TIMEOUT", g.ConsultTimeout.String())
	}
	writeList("PROLOGUE", g.GlobalPrologues)
	writeList("EPILOGUE", g.GlobalEpilogues)
	writeList("CYCLE-PROLOGUE", g.CyclePrologues)
	writeList("CYCLE-EPILOGUE", g.CycleEpilogues)

	for _, ref := range w.ContextRefs {
		if ref.Optional {
			writeStr("CONTEXT-OPTIONAL", ref.Ref)
		} else {
			writeStr("CONTEXT", ref.Ref)
		}
	}

	writeSteps(&b, w.Steps)
	return b.String()
}

func writeSteps(b *strings.Builder, steps []Step) {
	for i, s := range steps {
		writeStep(b, s)
		if s.ElideGroup != "" && i+1 < len(steps) && steps[i+1].ElideGroup == s.ElideGroup {
			b.WriteString("ELIDE\n")
		}
	}
}

func writeMultiline(b *strings.Builder, kw, body string) {
	lines := strings.Split(body, "\n")
	fmt.Fprintf(b, "%s %s\n", kw, lines[0])
	for _, l := range lines[1:] {
		fmt.Fprintf(b, "  %s\n", l)
	}
}

func writeStep(b *strings.Builder, s Step) {
	switch s.Kind {
	case StepPrompt:
		writeMultiline(b, "PROMPT", s.Prompt.Body)
	case StepRun:
		r := s.Run
		writeMultiline(b, "RUN", r.Command)
		if r.CWD != "" {
			fmt.Fprintf(b, "RUN-CWD %s\n", r.CWD)
		}
		for k, v := range r.Env {
			fmt.Fprintf(b, "RUN-ENV %s=%s\n", k, v)
		}
		if r.Timeout > 0 {
			fmt.Fprintf(b, "RUN-TIMEOUT %s\n", r.Timeout.String())
		}
		if r.OnError != "" && r.OnError != OnErrorStop {
			fmt.Fprintf(b, "RUN-ON-ERROR %s\n", r.OnError)
		}
		if r.OutputPolicy != "" && r.OutputPolicy != OutputOnError {
			fmt.Fprintf(b, "RUN-OUTPUT %s\n", r.OutputPolicy)
		}
		if r.OutputLimit > 0 {
			fmt.Fprintf(b, "RUN-OUTPUT-LIMIT %d\n", r.OutputLimit)
		}
		if r.Async {
			b.WriteString("RUN-ASYNC\n")
		}
		if r.RetryCount > 0 {
			fmt.Fprintf(b, "RUN-RETRY %d %q\n", r.RetryCount, r.RetryPrompt)
		}
		if len(r.OnFailure) > 0 {
			b.WriteString("ON-FAILURE\n")
			writeSteps(b, r.OnFailure)
			b.WriteString("END\n")
		}
		if len(r.OnSuccess) > 0 {
			b.WriteString("ON-SUCCESS\n")
			writeSteps(b, r.OnSuccess)
			b.WriteString("END\n")
		}
	case StepVerify:
		v := s.Verify
		fmt.Fprintf(b, "%s %s\n", v.Namespace, v.Name)
		for k, val := range v.Options {
			fmt.Fprintf(b, "VERIFY-OPTION %s=%s\n", k, val)
		}
		if v.OnError != "" && v.OnError != OnErrorFail {
			fmt.Fprintf(b, "VERIFY-ON-ERROR %s\n", v.OnError)
		}
		if v.OutputPolicy != "" && v.OutputPolicy != OutputOnError {
			fmt.Fprintf(b, "VERIFY-OUTPUT %s\n", v.OutputPolicy)
		}
		if v.OutputLimit > 0 {
			fmt.Fprintf(b, "VERIFY-OUTPUT-LIMIT %d\n", v.OutputLimit)
		}
	case StepCompact:
		c := s.Compact
		b.WriteString("COMPACT\n")
		for _, t := range c.PreserveTags {
			fmt.Fprintf(b, "COMPACT-PRESERVE %s\n", t)
		}
		if c.SummaryHint != "" {
			fmt.Fprintf(b, "COMPACT-SUMMARY-HINT %s\n", c.SummaryHint)
		}
		if c.Prologue != "" {
			fmt.Fprintf(b, "COMPACT-PROLOGUE %s\n", c.Prologue)
		}
		if c.Epilogue != "" {
			fmt.Fprintf(b, "COMPACT-EPILOGUE %s\n", c.Epilogue)
		}
		if c.ForceReset {
			b.WriteString("COMPACT-RESET true\n")
		}
	case StepCheckpoint:
		c := s.Checkpoint
		b.WriteString("CHECKPOINT\n")
		if c.Name != "" {
			fmt.Fprintf(b, "CHECKPOINT-NAME %s\n", c.Name)
		}
		if c.Pause {
			b.WriteString("CHECKPOINT-PAUSE true\n")
		}
		if c.AfterNCycles > 0 {
			fmt.Fprintf(b, "CHECKPOINT-AFTER-N-CYCLES %d\n", c.AfterNCycles)
		}
	case StepPause:
		fmt.Fprintf(b, "PAUSE %s\n", s.Pause.Message)
	case StepConsult:
		fmt.Fprintf(b, "CONSULT %s\n", s.Consult.Topic)
	case StepRefcat:
		fmt.Fprintf(b, "REFCAT %s\n", strings.Join(s.Refcat.Refs, ", "))
	case StepHelp:
		fmt.Fprintf(b, "HELP %s\n", strings.Join(s.Help.Topics, ", "))
	}
}
