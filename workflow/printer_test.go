package workflow_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bewest/sdqctl/workflow"
)

// roundTrip re-parses a freshly serialized workflow; callers assert the two
// parses agree field-for-field on every step and global directive that
// participates in the grammar (Parse(Serialize(w)) == w). Step.Line is a
// source position, not grammar, so steps are compared via withoutLines.
func roundTrip(t *testing.T, body string) (*workflow.Workflow, *workflow.Workflow) {
	t.Helper()
	path := writeTempWorkflow(t, body)
	wf, err := workflow.Parse(path, workflow.ParseOptions{})
	require.NoError(t, err)

	serialized := workflow.Serialize(wf)
	dir := t.TempDir()
	out := filepath.Join(dir, "roundtrip.sdq")
	require.NoError(t, os.WriteFile(out, []byte(serialized), 0o644))

	again, err := workflow.Parse(out, workflow.ParseOptions{})
	require.NoError(t, err)
	return wf, again
}

// withoutLines returns a copy of steps with Step.Line zeroed, including
// the steps of RUN branch blocks.
func withoutLines(steps []workflow.Step) []workflow.Step {
	out := make([]workflow.Step, len(steps))
	for i, s := range steps {
		s.Line = 0
		if s.Run != nil {
			run := *s.Run
			run.OnFailure = withoutLines(run.OnFailure)
			run.OnSuccess = withoutLines(run.OnSuccess)
			s.Run = &run
		}
		out[i] = s
	}
	return out
}

func TestRoundTripGlobalsAndPrompt(t *testing.T) {
	wf, again := roundTrip(t, `ADAPTER claude-code
MODEL opus
SESSION-MODE compact
MAX-CYCLES 3
PROLOGUE Be terse.
PROMPT Do the thing.
`)
	require.Equal(t, wf.Global, again.Global)
	require.Equal(t, withoutLines(wf.Steps), withoutLines(again.Steps))
}

func TestRoundTripRunWithBranches(t *testing.T) {
	wf, again := roundTrip(t, `RUN go build ./...
RUN-TIMEOUT 30s
RUN-ON-ERROR continue
ON-FAILURE
  PROMPT It failed.
END
ON-SUCCESS
  PROMPT It passed.
END
`)
	require.Equal(t, withoutLines(wf.Steps), withoutLines(again.Steps))
}

func TestRoundTripElideChain(t *testing.T) {
	path := writeTempWorkflow(t, `PROMPT Context below.
ELIDE
REFCAT @main.go
ELIDE
RUN go vet ./...
`)
	wf, err := workflow.Parse(path, workflow.ParseOptions{})
	require.NoError(t, err)

	serialized := workflow.Serialize(wf)
	dir := t.TempDir()
	out := filepath.Join(dir, "roundtrip.sdq")
	require.NoError(t, os.WriteFile(out, []byte(serialized), 0o644))
	again, err := workflow.Parse(out, workflow.ParseOptions{})
	require.NoError(t, err)

	require.Len(t, again.Steps, 3)
	require.NotEmpty(t, again.Steps[0].ElideGroup)
	require.Equal(t, again.Steps[0].ElideGroup, again.Steps[1].ElideGroup)
	require.Equal(t, again.Steps[0].ElideGroup, again.Steps[2].ElideGroup)
}

func TestRoundTripVerifyNamespaces(t *testing.T) {
	wf, again := roundTrip(t, `VERIFY no-todo-markers
VERIFY-OPTION strict=true
HYGIENE trailing-whitespace
TRACE request-id-propagated
`)
	require.Equal(t, withoutLines(wf.Steps), withoutLines(again.Steps))
}

func TestRoundTripCheckpointAndCompact(t *testing.T) {
	wf, again := roundTrip(t, `PROMPT Do work.
COMPACT
COMPACT-PRESERVE decisions
COMPACT-SUMMARY-HINT keep the architecture notes
CHECKPOINT
CHECKPOINT-NAME milestone-1
CHECKPOINT-PAUSE true
`)
	require.Equal(t, withoutLines(wf.Steps), withoutLines(again.Steps))
}
