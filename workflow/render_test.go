package workflow_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bewest/sdqctl/workflow"
)

func TestRenderCycleContextAndPrompt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))

	path := writeTempWorkflow(t, `PROLOGUE Be terse.
CONTEXT @main.go#L1-L2
PROMPT Explain the file above.
`)
	// Rewrite to live under dir so @main.go resolves against WorkspaceRoot.
	require.NoError(t, os.Rename(path, filepath.Join(dir, "workflow.sdq")))
	wf, err := workflow.Parse(filepath.Join(dir, "workflow.sdq"), workflow.ParseOptions{})
	require.NoError(t, err)

	vars := workflow.BuildTemplateVars(dir, "", "wf", time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	opts := workflow.RenderOptions{WorkspaceRoot: dir}

	cr, err := workflow.RenderCycle(wf, 1, 1, vars, opts)
	require.NoError(t, err)
	require.Len(t, cr.ContextFiles, 1)
	assert.Contains(t, cr.ContextFiles[0].Content, "## From: main.go:L1-L2")
	assert.Contains(t, cr.ContextFiles[0].Content, "package main")
	assert.Greater(t, cr.ContextFiles[0].TokensEstimate, 0)

	require.Len(t, cr.Prompts, 1)
	assert.Contains(t, cr.Prompts[0].Resolved, "Be terse.")
	assert.Contains(t, cr.Prompts[0].Resolved, "Explain the file above.")
}

func TestRenderCycleMissingContextFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.sdq")
	require.NoError(t, os.WriteFile(path, []byte("CONTEXT @does-not-exist.go\nPROMPT hi\n"), 0o644))
	wf, err := workflow.Parse(path, workflow.ParseOptions{})
	require.NoError(t, err)

	_, err = workflow.RenderCycle(wf, 1, 1, workflow.TemplateVars{}, workflow.RenderOptions{WorkspaceRoot: dir})
	require.Error(t, err)
}

func TestRenderCycleOptionalContextFileSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.sdq")
	require.NoError(t, os.WriteFile(path, []byte("CONTEXT-OPTIONAL @does-not-exist.go\nPROMPT hi\n"), 0o644))
	wf, err := workflow.Parse(path, workflow.ParseOptions{})
	require.NoError(t, err)

	cr, err := workflow.RenderCycle(wf, 1, 1, workflow.TemplateVars{}, workflow.RenderOptions{WorkspaceRoot: dir})
	require.NoError(t, err)
	assert.Empty(t, cr.ContextFiles)
	require.Len(t, cr.Prompts, 1)
}

func TestRenderStaticElideGroupConcatenates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	path := filepath.Join(dir, "workflow.sdq")
	require.NoError(t, os.WriteFile(path, []byte(`PROMPT Context below.
ELIDE
REFCAT @main.go
`), 0o644))
	wf, err := workflow.Parse(path, workflow.ParseOptions{})
	require.NoError(t, err)

	cr, err := workflow.RenderCycle(wf, 1, 1, workflow.TemplateVars{}, workflow.RenderOptions{WorkspaceRoot: dir})
	require.NoError(t, err)
	require.Len(t, cr.Prompts, 1)
	assert.Contains(t, cr.Prompts[0].Raw, "Context below.")
	assert.Contains(t, cr.Prompts[0].Raw, "## From: main.go")
}

func TestRenderDeferGroupWithRunStep(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.sdq")
	require.NoError(t, os.WriteFile(path, []byte(`PROMPT Context below.
ELIDE
RUN echo hi
`), 0o644))
	wf, err := workflow.Parse(path, workflow.ParseOptions{})
	require.NoError(t, err)

	cr, err := workflow.RenderCycle(wf, 1, 1, workflow.TemplateVars{}, workflow.RenderOptions{WorkspaceRoot: dir})
	require.NoError(t, err)
	// A group containing a RUN step is deferred entirely to the executor.
	assert.Empty(t, cr.Prompts)
}

func TestRenderEnvelopeProducesOnePerCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.sdq")
	require.NoError(t, os.WriteFile(path, []byte("MAX-CYCLES 3\nPROMPT hi\n"), 0o644))
	wf, err := workflow.Parse(path, workflow.ParseOptions{})
	require.NoError(t, err)

	env, err := workflow.RenderEnvelope(wf, "apply", workflow.TemplateVars{}, workflow.RenderOptions{WorkspaceRoot: dir})
	require.NoError(t, err)
	assert.Equal(t, workflow.SchemaVersion, env.SchemaVersion)
	require.Len(t, env.Cycles, 3)
	assert.Equal(t, 1, env.Cycles[0].Number)
	assert.Equal(t, 3, env.Cycles[2].Number)
}

func TestRenderCycleUsesModelAwareTokenEstimate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello world, this is a test of token counting"), 0o644))

	path := writeTempWorkflow(t, `MODEL gpt-4o
CONTEXT @notes.txt
PROMPT go
`)
	wf, err := workflow.Parse(path, workflow.ParseOptions{})
	require.NoError(t, err)

	cr, err := workflow.RenderCycle(wf, 1, 1, workflow.TemplateVars{}, workflow.RenderOptions{WorkspaceRoot: dir})
	require.NoError(t, err)
	require.Len(t, cr.ContextFiles, 1)
	assert.Positive(t, cr.ContextFiles[0].TokensEstimate)
}

func TestFormatRunOutputAndVerifyResult(t *testing.T) {
	out := workflow.FormatRunOutput("go test ./...", 1, "FAIL", "panic: boom")
	assert.Contains(t, out, "exit 1")
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "panic: boom")

	out = workflow.FormatVerifyResult("no-todo-markers", false, "2 TODOs found", []string{"main.go:10", "main.go:42"})
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "main.go:10")
}
