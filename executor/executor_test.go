package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bewest/sdqctl/agent"
	"github.com/bewest/sdqctl/checkpoint"
	"github.com/bewest/sdqctl/engineerr"
	"github.com/bewest/sdqctl/executor"
	"github.com/bewest/sdqctl/verify"
	"github.com/bewest/sdqctl/workflow"
)

// longReply is long enough (>=80 bytes) that the loop detector's
// minimal-response heuristic never fires incidentally in tests that aren't
// exercising it.
const longReply = "This is a sufficiently long scripted reply so the minimal-response loop heuristic does not trip incidentally."

func writeWorkflow(t *testing.T, body string) (*workflow.Workflow, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.sdq")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	wf, err := workflow.Parse(path, workflow.ParseOptions{})
	require.NoError(t, err)
	return wf, dir
}

// preregisteredSession creates a session on adapter ahead of time and wires
// cfg.ResumeSessionID to it, so the test can Script() responses and inspect
// SentPrompts() afterward despite the executor owning session creation.
func preregisteredSession(t *testing.T, adapter *agent.MockAdapter) (*agent.MockSession, string) {
	t.Helper()
	sess, err := adapter.CreateSession(context.Background(), agent.SessionConfig{})
	require.NoError(t, err)
	mock, ok := sess.(*agent.MockSession)
	require.True(t, ok)
	return mock, sess.ID()
}

func newCheckpointHooks(t *testing.T, sessionID string) (*checkpoint.Hooks, *checkpoint.Manager) {
	t.Helper()
	mgr := checkpoint.NewManager(&checkpoint.Config{CheckpointDir: filepath.Join(t.TempDir(), "checkpoints")})
	return checkpoint.NewHooks(mgr, sessionID, "", "workflow.sdq", "accumulate"), mgr
}

func TestExecutorElideCollapsesTurn(t *testing.T) {
	wf, dir := writeWorkflow(t, `ALLOW-SHELL true
PROMPT Look at this file.
ELIDE
RUN echo hello-from-run
`)
	adapter := agent.NewMockAdapter()
	mock, id := preregisteredSession(t, adapter)
	mock.Script(agent.MockResponse{Text: longReply})

	cfg := executor.Config{
		Workflow:        wf,
		WorkspaceRoot:   dir,
		Adapter:         adapter,
		VerifyRegistry:  verify.NewRegistry(),
		RenderOpts:      workflow.RenderOptions{WorkspaceRoot: dir},
		AllowShell:      true,
		ResumeSessionID: id,
	}
	ex, err := executor.NewExecutor(cfg)
	require.NoError(t, err)

	outcome, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "completed", outcome.Reason)
	assert.Equal(t, 1, outcome.CyclesCompleted)

	sent := mock.SentPrompts()
	require.Len(t, sent, 1, "PROMPT and RUN in the same elide group must collapse into a single turn")
	assert.Contains(t, sent[0], "Look at this file.")
	assert.Contains(t, sent[0], "## Ran: echo hello-from-run")
	assert.Contains(t, sent[0], "hello-from-run")
}

func TestExecutorRunFailureThenOnFailureBranch(t *testing.T) {
	wf, dir := writeWorkflow(t, `ALLOW-SHELL true
RUN false
ON-FAILURE
  PROMPT Branch prompt after failure.
END
PROMPT Continue after branch.
`)
	adapter := agent.NewMockAdapter()
	mock, id := preregisteredSession(t, adapter)
	mock.Script(
		agent.MockResponse{Text: longReply + " one"},
		agent.MockResponse{Text: longReply + " two"},
	)

	cfg := executor.Config{
		Workflow:        wf,
		WorkspaceRoot:   dir,
		Adapter:         adapter,
		VerifyRegistry:  verify.NewRegistry(),
		RenderOpts:      workflow.RenderOptions{WorkspaceRoot: dir},
		AllowShell:      true,
		ResumeSessionID: id,
	}
	ex, err := executor.NewExecutor(cfg)
	require.NoError(t, err)

	outcome, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "completed", outcome.Reason)

	sent := mock.SentPrompts()
	require.Len(t, sent, 2, "the ON-FAILURE branch's PROMPT is its own bare turn, plus the primary turn that follows")
	assert.Equal(t, "Branch prompt after failure.", sent[0])
	assert.Contains(t, sent[1], "## Ran: false (exit 1)")
	assert.Contains(t, sent[1], "Continue after branch.")
}

func TestExecutorLoopDetectedOnIdenticalResponses(t *testing.T) {
	wf, dir := writeWorkflow(t, `MAX-CYCLES 3
PROMPT Say something about the repository.
`)
	adapter := agent.NewMockAdapter()
	mock, id := preregisteredSession(t, adapter)
	mock.Script(
		agent.MockResponse{Text: longReply},
		agent.MockResponse{Text: longReply},
	)

	hooks, mgr := newCheckpointHooks(t, id)
	cfg := executor.Config{
		Workflow:        wf,
		WorkspaceRoot:   dir,
		Adapter:         adapter,
		VerifyRegistry:  verify.NewRegistry(),
		RenderOpts:      workflow.RenderOptions{WorkspaceRoot: dir},
		ResumeSessionID: id,
		Checkpoint:      hooks,
	}
	ex, err := executor.NewExecutor(cfg)
	require.NoError(t, err)

	outcome, err := ex.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrLoopDetected)
	assert.Equal(t, "loop_detected", outcome.Reason)
	assert.Equal(t, 1, outcome.CyclesCompleted, "the repeat is only detected after the second, identical turn")

	keys, err := mgr.List()
	require.NoError(t, err)
	assert.NotEmpty(t, keys, "a loop abort must still write a checkpoint")
}

func TestExecutorRateLimitedHaltsCleanly(t *testing.T) {
	wf, dir := writeWorkflow(t, `PROMPT One turn is enough.
`)
	adapter := agent.NewMockAdapter()
	mock, id := preregisteredSession(t, adapter)
	mock.Script(agent.MockResponse{Err: &rateLimitError{}})

	hooks, mgr := newCheckpointHooks(t, id)
	cfg := executor.Config{
		Workflow:        wf,
		WorkspaceRoot:   dir,
		Adapter:         adapter,
		VerifyRegistry:  verify.NewRegistry(),
		RenderOpts:      workflow.RenderOptions{WorkspaceRoot: dir},
		ResumeSessionID: id,
		Checkpoint:      hooks,
	}
	ex, err := executor.NewExecutor(cfg)
	require.NoError(t, err)

	outcome, err := ex.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrRateLimited)
	assert.Equal(t, "rate_limited", outcome.Reason)

	keys, err := mgr.List()
	require.NoError(t, err)
	assert.NotEmpty(t, keys)
}

// rateLimitError's message trips agent.Event.IsRateLimit's "rate limit"
// substring check, matching how a real adapter would report a 429.
type rateLimitError struct{}

func (e *rateLimitError) Error() string { return "rate limit exceeded, retry later" }

func TestExecutorSessionModeCompactForcesSummaryOnBoundary(t *testing.T) {
	wf, dir := writeWorkflow(t, `SESSION-MODE compact
MAX-CYCLES 2
PROMPT Keep working on the same long-running task across cycles please.
`)
	adapter := agent.NewMockAdapter()
	mock, id := preregisteredSession(t, adapter)
	mock.Script(agent.MockResponse{Text: longReply})

	var summarizeCalls int
	summarize := func(ctx context.Context, s agent.Session) (string, int, int, error) {
		summarizeCalls++
		return "condensed prior progress", 4000, 250, nil
	}

	cfg := executor.Config{
		Workflow:        wf,
		WorkspaceRoot:   dir,
		Adapter:         adapter,
		VerifyRegistry:  verify.NewRegistry(),
		RenderOpts:      workflow.RenderOptions{WorkspaceRoot: dir},
		Summarize:       summarize,
		ResetOnCompact:  true,
		ResumeSessionID: id,
	}
	ex, err := executor.NewExecutor(cfg)
	require.NoError(t, err)

	outcome, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "completed", outcome.Reason)
	assert.Equal(t, 2, outcome.CyclesCompleted)
	assert.Equal(t, 1, summarizeCalls, "compact mode forces exactly one summarization at the cycle-2 boundary, not the fresh cycle 1")

	require.Len(t, outcome.Stats.Compactions, 1)
	assert.Equal(t, 4000, outcome.Stats.Compactions[0].PreTokens)
	assert.Equal(t, 250, outcome.Stats.Compactions[0].PostTokens)
}

func TestExecutorConsultHaltsAndMarksCheckpointConsulting(t *testing.T) {
	wf, dir := writeWorkflow(t, `PROMPT First turn before the consult gate.
CONSULT Need a human decision on the migration strategy.
PROMPT Never reached.
`)
	adapter := agent.NewMockAdapter()
	mock, id := preregisteredSession(t, adapter)
	mock.Script(agent.MockResponse{Text: longReply})

	hooks, mgr := newCheckpointHooks(t, id)
	cfg := executor.Config{
		Workflow:        wf,
		WorkspaceRoot:   dir,
		Adapter:         adapter,
		VerifyRegistry:  verify.NewRegistry(),
		RenderOpts:      workflow.RenderOptions{WorkspaceRoot: dir},
		ResumeSessionID: id,
		Checkpoint:      hooks,
	}
	ex, err := executor.NewExecutor(cfg)
	require.NoError(t, err)

	outcome, err := ex.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "consult", outcome.Reason)

	sent := mock.SentPrompts()
	require.Len(t, sent, 1, "CONSULT halts before the step after it ever dispatches")
	assert.Contains(t, sent[0], "First turn before the consult gate.")

	cp, err := mgr.Resume(id)
	require.NoError(t, err)
	assert.True(t, cp.IsConsulting())
	assert.Equal(t, "Need a human decision on the migration strategy.", cp.ConsultTopic)
}

func TestExecutorPreflightRejectsUnknownVerifier(t *testing.T) {
	wf, dir := writeWorkflow(t, `VERIFY this-check-does-not-exist
`)
	adapter := agent.NewMockAdapter()

	cfg := executor.Config{
		Workflow:       wf,
		WorkspaceRoot:  dir,
		Adapter:        adapter,
		VerifyRegistry: verify.NewRegistry(),
		RenderOpts:     workflow.RenderOptions{WorkspaceRoot: dir},
	}
	ex, err := executor.NewExecutor(cfg)
	require.NoError(t, err)

	outcome, err := ex.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrUnknownVerifier)
	assert.Equal(t, "parse_error", outcome.Reason)
	assert.Equal(t, 0, outcome.CyclesCompleted, "preflight must fail before any cycle executes")
}

func TestExecutorVerifyFailureHalts(t *testing.T) {
	wf, dir := writeWorkflow(t, `VERIFY always-fails
PROMPT Never reached.
`)
	registry := verify.NewRegistry()
	registry.Register(verify.NamespaceVerify, "always-fails", func(opts verify.Options) (verify.Result, error) {
		return verify.Result{Passed: false, Summary: "deliberately failing for the test"}, nil
	})

	adapter := agent.NewMockAdapter()
	hooks, mgr := newCheckpointHooks(t, "verify-fail-session")
	cfg := executor.Config{
		Workflow:       wf,
		WorkspaceRoot:  dir,
		Adapter:        adapter,
		VerifyRegistry: registry,
		RenderOpts:     workflow.RenderOptions{WorkspaceRoot: dir},
		Checkpoint:     hooks,
	}
	ex, err := executor.NewExecutor(cfg)
	require.NoError(t, err)

	outcome, err := ex.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrVerifyFailed)
	assert.Equal(t, "verify_failed", outcome.Reason)

	keys, err := mgr.List()
	require.NoError(t, err)
	assert.NotEmpty(t, keys)
}

func TestExecutorStandaloneRunOutputInjectedOnlyOnError(t *testing.T) {
	wf, dir := writeWorkflow(t, `ALLOW-SHELL true
RUN echo quiet-success
PROMPT Did anything run?
`)
	adapter := agent.NewMockAdapter()
	mock, id := preregisteredSession(t, adapter)
	mock.Script(agent.MockResponse{Text: longReply})

	cfg := executor.Config{
		Workflow:        wf,
		WorkspaceRoot:   dir,
		Adapter:         adapter,
		VerifyRegistry:  verify.NewRegistry(),
		RenderOpts:      workflow.RenderOptions{WorkspaceRoot: dir},
		AllowShell:      true,
		ResumeSessionID: id,
	}
	ex, err := executor.NewExecutor(cfg)
	require.NoError(t, err)

	outcome, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "completed", outcome.Reason)

	sent := mock.SentPrompts()
	require.Len(t, sent, 1)
	assert.False(t, strings.Contains(sent[0], "quiet-success"), "a successful standalone RUN's output is not injected under the default on-error policy")
	assert.Contains(t, sent[0], "Did anything run?")
}
