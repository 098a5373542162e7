package checkpoint_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bewest/sdqctl/checkpoint"
	"github.com/bewest/sdqctl/engineerr"
	"github.com/bewest/sdqctl/session"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.NewStore(dir)

	c := checkpoint.New("sess-1", "flow.sdq", 2, 3, "accumulate", session.Snapshot{TurnCount: 4}, map[string]string{"API_KEY": "secret"})
	c.WithSessionName("my-run").WithReason("manual pause")
	require.NoError(t, store.Save(c))

	assert.FileExists(t, filepath.Join(dir, "my-run", "pause.json"))

	loaded, err := store.Load("my-run")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", loaded.SessionID)
	assert.Equal(t, 2, loaded.CycleIndex)
	assert.Equal(t, 3, loaded.StepIndex)
	assert.Equal(t, "***", loaded.MaskedEnv["API_KEY"])
	assert.Equal(t, "manual pause", loaded.ReasonForPause)
}

func TestClearRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.NewStore(dir)
	c := checkpoint.New("sess-2", "flow.sdq", 0, 0, "fresh", session.Snapshot{}, nil)
	c.WithSessionName("to-clear")
	require.NoError(t, store.Save(c))

	require.NoError(t, store.Clear("to-clear"))
	_, err := store.Load("to-clear")
	assert.Error(t, err)
}

func TestListReturnsPendingSessions(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.NewStore(dir)
	require.NoError(t, store.Save(checkpoint.New("a", "f.sdq", 0, 0, "fresh", session.Snapshot{}, nil).WithSessionName("run-a")))
	require.NoError(t, store.Save(checkpoint.New("b", "f.sdq", 0, 0, "fresh", session.Snapshot{}, nil).WithSessionName("run-b")))

	keys, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-a", "run-b"}, keys)
}

func TestManagerResumeDetectsExpiredConsult(t *testing.T) {
	dir := t.TempDir()
	m := checkpoint.NewManager(&checkpoint.Config{CheckpointDir: dir, ConsultTimeout: time.Millisecond})

	c := checkpoint.New("sess-3", "flow.sdq", 1, 0, "accumulate", session.Snapshot{}, nil).
		WithSessionName("consult-run").
		WithConsult("design questions", time.Millisecond)
	require.NoError(t, m.Save(c))

	time.Sleep(5 * time.Millisecond)
	_, err := m.Resume("consult-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrConsultTimeout)
}

func TestManagerResumeAllowsFreshConsult(t *testing.T) {
	dir := t.TempDir()
	m := checkpoint.NewManager(&checkpoint.Config{CheckpointDir: dir, ConsultTimeout: time.Hour})

	c := checkpoint.New("sess-4", "flow.sdq", 1, 0, "accumulate", session.Snapshot{}, nil).
		WithSessionName("consult-run-2").
		WithConsult("design questions", time.Hour)
	require.NoError(t, m.Save(c))

	loaded, err := m.Resume("consult-run-2")
	require.NoError(t, err)
	assert.True(t, loaded.IsConsulting())
	assert.Equal(t, "design questions", loaded.ConsultTopic)
}

func TestHooksCheckpointDirectivePauseFlag(t *testing.T) {
	dir := t.TempDir()
	m := checkpoint.NewManager(&checkpoint.Config{CheckpointDir: dir})
	h := checkpoint.NewHooks(m, "sess-5", "run-5", "flow.sdq", "accumulate")

	halt, err := h.OnCheckpointDirective(1, 2, session.Snapshot{}, nil, true)
	require.NoError(t, err)
	assert.True(t, halt)
	assert.FileExists(t, filepath.Join(dir, "run-5", "pause.json"))
}

func TestHooksOnConsultMarksStatus(t *testing.T) {
	dir := t.TempDir()
	m := checkpoint.NewManager(&checkpoint.Config{CheckpointDir: dir, ConsultTimeout: time.Hour})
	h := checkpoint.NewHooks(m, "sess-6", "run-6", "flow.sdq", "accumulate")

	require.NoError(t, h.OnConsult(0, 1, session.Snapshot{}, nil, "open design questions"))
	loaded, err := m.Resume("run-6")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusConsulting, loaded.Status)
}

func TestHooksOnCompleteClears(t *testing.T) {
	dir := t.TempDir()
	m := checkpoint.NewManager(&checkpoint.Config{CheckpointDir: dir})
	h := checkpoint.NewHooks(m, "sess-7", "run-7", "flow.sdq", "accumulate")

	require.NoError(t, m.Save(checkpoint.New("sess-7", "flow.sdq", 0, 0, "accumulate", session.Snapshot{}, nil).WithSessionName("run-7")))
	require.NoError(t, h.OnComplete())

	_, err := m.Resume("run-7")
	assert.Error(t, err)
}
